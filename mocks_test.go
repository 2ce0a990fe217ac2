package walletcore

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uniswap/walletcore/testutil"
)

var (
	testAccount = AccountMeta{Address: testutil.TestPrivateKey1Address, Type: AccountTypeSigner}
	otherSigner = AccountMeta{Address: testutil.TestPrivateKey2Address, Type: AccountTypeSigner}
	watchOnly   = AccountMeta{Address: testutil.TestAddr3, Type: AccountTypeReadonly}
)

// chainProviders resolves chains to fake providers.
type chainProviders struct {
	public  map[uint64]*testutil.FakeProvider
	private map[uint64]*testutil.FakeProvider
}

func newChainProviders() *chainProviders {
	return &chainProviders{
		public:  make(map[uint64]*testutil.FakeProvider),
		private: make(map[uint64]*testutil.FakeProvider),
	}
}

func (c *chainProviders) Provider(chainID uint64, viaPrivateRPC bool) (ChainProvider, error) {
	if viaPrivateRPC {
		if p, ok := c.private[chainID]; ok {
			return p, nil
		}
	}
	p, ok := c.public[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return p, nil
}

// fixedGas answers every estimate with the same EIP-1559 fees.
type fixedGas struct {
	mu    sync.Mutex
	fees  GasFeeResult
	err   error
	calls int
}

func newFixedGas() *fixedGas {
	return &fixedGas{fees: GasFeeResult{
		GasLimit:             21000,
		MaxFeePerGas:         testutil.TwentyGwei,
		MaxPriorityFeePerGas: testutil.TwoGwei,
	}}
}

func (g *fixedGas) EstimateFees(context.Context, TransactionRequest) (GasFeeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return GasFeeResult{}, g.err
	}
	return g.fees, nil
}

func (g *fixedGas) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// keySigner signs with test keys and resolves the accounts it holds.
type keySigner struct {
	mu       sync.Mutex
	keys     map[common.Address]*ecdsa.PrivateKey
	accounts map[common.Address]AccountMeta
	err      error
	typed    int
}

func newKeySigner() *keySigner {
	s := &keySigner{
		keys:     make(map[common.Address]*ecdsa.PrivateKey),
		accounts: make(map[common.Address]AccountMeta),
	}
	s.keys[testAccount.Address] = testutil.TestPrivateKey1
	s.keys[otherSigner.Address] = testutil.TestPrivateKey2
	s.accounts[testAccount.Address] = testAccount
	s.accounts[otherSigner.Address] = otherSigner
	s.accounts[watchOnly.Address] = watchOnly
	return s
}

func (s *keySigner) Account(address common.Address) (AccountMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[address]
	return acc, ok
}

func (s *keySigner) SignTransaction(_ context.Context, account AccountMeta, req TransactionRequest) (*types.Transaction, error) {
	s.mu.Lock()
	key, ok := s.keys[account.Address]
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no key for %s", account.Address.Hex())
	}
	tx, err := req.ToTransaction()
	if err != nil {
		return nil, err
	}
	return types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(req.ChainID)), key)
}

func (s *keySigner) SignTypedData(_ context.Context, account AccountMeta, data apitypes.TypedData) ([]byte, error) {
	s.mu.Lock()
	key, ok := s.keys[account.Address]
	s.typed++
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no key for %s", account.Address.Hex())
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(hash, key)
}

// recordingAnalytics keeps every event it receives.
type recordingAnalytics struct {
	mu        sync.Mutex
	submitted []SubmissionEvent
	failed    []string
}

func (a *recordingAnalytics) TrackSubmitted(_ context.Context, event SubmissionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, event)
}

func (a *recordingAnalytics) TrackFailed(_ context.Context, stage string, _ uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = append(a.failed, stage)
}

func (a *recordingAnalytics) Submitted() []SubmissionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SubmissionEvent(nil), a.submitted...)
}

func (a *recordingAnalytics) Failed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.failed...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []PendingNotification
}

func (n *recordingNotifier) NotifyPending(_ context.Context, p PendingNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, p)
}

func (n *recordingNotifier) Sent() []PendingNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]PendingNotification(nil), n.sent...)
}

type fakeOrderAPI struct {
	mu     sync.Mutex
	orders []OrderSubmission
	err    error
}

func (f *fakeOrderAPI) SubmitOrder(_ context.Context, order OrderSubmission) (OrderSubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return OrderSubmissionResult{}, f.err
	}
	f.orders = append(f.orders, order)
	return OrderSubmissionResult{
		OrderHash: common.BytesToHash(crypto.Keccak256([]byte(order.EncodedOrder))).Hex(),
		Status:    "open",
	}, nil
}

// testEnv wires a service over fakes for mainnet and arbitrum.
type testEnv struct {
	providers *chainProviders
	mainnet   *testutil.FakeProvider
	arbitrum  *testutil.FakeProvider
	store     *TransactionStore
	gas       *fixedGas
	signer    *keySigner
	analytics *recordingAnalytics
	notifier  *recordingNotifier
	service   *TransactionService
}

func newTestEnv(t *testing.T, opts ...ServiceOption) *testEnv {
	t.Helper()
	env := &testEnv{
		providers: newChainProviders(),
		mainnet:   testutil.NewFakeProvider("mainnet"),
		arbitrum:  testutil.NewFakeProvider("arbitrum"),
		store:     NewTransactionStore(),
		gas:       newFixedGas(),
		signer:    newKeySigner(),
		analytics: &recordingAnalytics{},
		notifier:  &recordingNotifier{},
	}
	env.providers.public[testutil.ChainIDMainnet] = env.mainnet
	env.providers.public[testutil.ChainIDArbitrum] = env.arbitrum

	opts = append([]ServiceOption{
		WithAnalytics(env.analytics),
		WithSyncPollInterval(time.Millisecond),
	}, opts...)
	env.service = NewTransactionService(env.providers, env.store, env.gas, env.signer, opts...)
	return env
}

// pendingRecord returns a stored-form classic record holding nonce.
func pendingRecord(id string, from common.Address, chainID uint64, nonce uint64, status TransactionStatus) TransactionDetails {
	to := testutil.TestAddr2
	return TransactionDetails{
		ID:        id,
		ChainID:   chainID,
		From:      from,
		Routing:   RoutingClassic,
		TypeInfo:  SendInfo{Recipient: to, Amount: big.NewInt(1)},
		Status:    status,
		AddedTime: time.Now(),
		Options: &TransactionOptions{Request: TransactionRequest{
			ChainID:              chainID,
			From:                 from,
			To:                   &to,
			Value:                big.NewInt(1),
			Nonce:                &nonce,
			GasLimit:             21000,
			MaxFeePerGas:         testutil.TwentyGwei,
			MaxPriorityFeePerGas: testutil.TwoGwei,
		}},
		TransactionOriginType: TransactionOriginInternal,
	}
}

func sendRequest(value *big.Int) TransactionRequest {
	to := testutil.TestAddr2
	return TransactionRequest{To: &to, Value: value}
}

func sender(t *testing.T, tx *types.Transaction) common.Address {
	t.Helper()
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	return from
}
