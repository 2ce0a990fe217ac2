package walletcore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniswap/walletcore/testutil"
)

func TestPrepareAndSignTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("fills nonce and gas", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(testAccount.Address, 3)

		signed, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{
			ChainID: testutil.ChainIDMainnet,
			Account: testAccount,
			Request: sendRequest(testutil.OneEth),
		})
		require.NoError(t, err)

		require.NotNil(t, signed.Request.Nonce)
		assert.Equal(t, uint64(3), *signed.Request.Nonce)
		assert.Equal(t, uint64(21000), signed.Request.GasLimit)
		assert.Equal(t, testutil.TwentyGwei, signed.Request.MaxFeePerGas)
		assert.Equal(t, testAccount.Address, signed.Request.From)
		assert.Equal(t, uint8(types.DynamicFeeTxType), signed.Transaction.Type())
		assert.Equal(t, testAccount.Address, sender(t, signed.Transaction))
		assert.Equal(t, 1, env.gas.Calls())
	})

	t.Run("keeps fields set by the caller", func(t *testing.T) {
		env := newTestEnv(t)
		req := sendRequest(testutil.OneEth)
		req.GasLimit = 50000
		req.GasPrice = testutil.TwentyGwei
		req = req.WithNonce(9)

		signed, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 1, Account: testAccount, Request: req})
		require.NoError(t, err)

		assert.Equal(t, uint64(9), signed.Transaction.Nonce())
		assert.Equal(t, uint64(50000), signed.Transaction.Gas())
		assert.Equal(t, uint8(types.LegacyTxType), signed.Transaction.Type())
		assert.Equal(t, 0, env.gas.Calls())
		assert.Equal(t, 0, env.mainnet.NonceCalls())
	})

	t.Run("gas failure releases the nonce and sends nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(testAccount.Address, 3)
		env.gas.err = errors.New("execution reverted")

		signed, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 1, Account: testAccount, Request: sendRequest(testutil.OneEth)})
		require.Error(t, err)
		assert.Nil(t, signed)
		assert.ErrorIs(t, err, ErrPreparationFailed)
		assert.ErrorIs(t, err, env.gas.err)
		assert.Equal(t, []string{StagePrepare}, env.analytics.Failed())

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: testAccount.Address, ChainID: 1})
		require.NoError(t, err)
		assert.Equal(t, uint64(3), n.Nonce)
	})

	t.Run("read-only account fails at signing", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 1, Account: watchOnly, Request: sendRequest(testutil.OneEth)})
		assert.ErrorIs(t, err, ErrSigningFailed)
		assert.ErrorIs(t, err, ErrReadOnlyAccount)
		assert.Equal(t, []string{StageSign}, env.analytics.Failed())
	})

	t.Run("signer rejection", func(t *testing.T) {
		env := newTestEnv(t)
		env.signer.err = errors.New("user cancelled biometric prompt")

		_, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 1, Account: testAccount, Request: sendRequest(testutil.OneEth)})
		assert.ErrorIs(t, err, ErrSigningFailed)
		assert.ErrorIs(t, err, env.signer.err)

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: testAccount.Address, ChainID: 1})
		require.NoError(t, err)
		assert.Equal(t, uint64(0), n.Nonce)
	})

	t.Run("zero account", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 1, Request: sendRequest(testutil.OneEth)})
		assert.ErrorIs(t, err, ErrPreparationFailed)
		assert.ErrorIs(t, err, ErrFromAddressZero)
	})

	t.Run("unsupported chain", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 999, Account: testAccount, Request: sendRequest(testutil.OneEth)})
		assert.ErrorIs(t, err, ErrPreparationFailed)
		assert.ErrorIs(t, err, ErrUnsupportedChain)
	})
}

func TestPreparationFailureHasNoSideEffect(t *testing.T) {
	ctx := context.Background()

	for name, breakIt := range map[string]func(env *testEnv){
		"nonce": func(env *testEnv) { env.mainnet.FailNonce(errors.New("node down")) },
		"gas":   func(env *testEnv) { env.gas.err = errors.New("estimate failed") },
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			breakIt(env)

			_, err := env.service.ExecuteTransaction(ctx, ExecuteParams{
				ChainID:  1,
				Account:  testAccount,
				Request:  sendRequest(testutil.OneEth),
				TypeInfo: SendInfo{Recipient: testutil.TestAddr2},
			})
			require.ErrorIs(t, err, ErrPreparationFailed)
			assert.Empty(t, env.mainnet.Sent())
			assert.Empty(t, env.store.Transactions(testAccount.Address, 1))
		})
	}
}

func TestSubmitTransaction(t *testing.T) {
	ctx := context.Background()

	prepare := func(t *testing.T, env *testEnv) *SignedTransactionRequest {
		t.Helper()
		signed, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 1, Account: testAccount, Request: sendRequest(testutil.OneEth)})
		require.NoError(t, err)
		return signed
	}

	t.Run("tracked submission writes a pending record with the hash", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(testAccount.Address, 3)
		signed := prepare(t, env)

		result, err := env.service.SubmitTransaction(ctx, SubmitParams{
			TxID:     "tx-1",
			ChainID:  1,
			Account:  testAccount,
			Request:  signed,
			TypeInfo: SendInfo{Recipient: testutil.TestAddr2, Amount: testutil.OneEth},
		})
		require.NoError(t, err)
		assert.Equal(t, signed.Hash(), result.TransactionHash)
		assert.Equal(t, uint64(3), result.Nonce)
		require.Len(t, env.mainnet.Sent(), 1)

		stored, ok := env.store.Transaction(TransactionKey{From: testAccount.Address, ChainID: 1, ID: "tx-1"})
		require.True(t, ok)
		assert.Equal(t, StatusPending, stored.Status)
		require.NotNil(t, stored.Hash)
		assert.Equal(t, result.TransactionHash, *stored.Hash)
		assert.Equal(t, RoutingClassic, stored.Routing)
		assert.Equal(t, TransactionOriginInternal, stored.TransactionOriginType)
		n, ok := stored.Nonce()
		require.True(t, ok)
		assert.Equal(t, uint64(3), n)
		assert.NotNil(t, stored.Options.RPCSubmissionTimestamp)

		events := env.analytics.Submitted()
		require.Len(t, events, 1)
		assert.Equal(t, TransactionTypeSend, events[0].Type)
		assert.False(t, events[0].Sync)
	})

	t.Run("record exists before the send and gets its hash after", func(t *testing.T) {
		env := newTestEnv(t)
		events, unsubscribe := env.store.Subscribe()
		defer unsubscribe()

		_, err := env.service.SubmitTransaction(ctx, SubmitParams{
			TxID:     "tx-1",
			ChainID:  1,
			Account:  testAccount,
			Request:  prepare(t, env),
			TypeInfo: SendInfo{},
		})
		require.NoError(t, err)

		added := <-events
		assert.Equal(t, StoreEventAdded, added.Type)
		assert.Equal(t, StatusPending, added.Transaction.Status)
		assert.Nil(t, added.Transaction.Hash)

		updated := <-events
		assert.Equal(t, StoreEventUpdated, updated.Type)
		assert.NotNil(t, updated.Transaction.Hash)
	})

	t.Run("untracked submission leaves the store alone", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.service.SubmitTransaction(ctx, SubmitParams{ChainID: 1, Account: testAccount, Request: prepare(t, env)})
		require.NoError(t, err)
		assert.Len(t, env.mainnet.Sent(), 1)
		assert.Empty(t, env.store.Transactions(testAccount.Address, 1))
	})

	t.Run("rejection marks the optimistic record failed", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(testAccount.Address, 3)
		rejected := errors.New("insufficient funds for gas * price + value")
		env.mainnet.FailSend(rejected)

		_, err := env.service.SubmitTransaction(ctx, SubmitParams{
			TxID:     "tx-1",
			ChainID:  1,
			Account:  testAccount,
			Request:  prepare(t, env),
			TypeInfo: SendInfo{},
		})
		require.ErrorIs(t, err, ErrSubmissionFailed)
		assert.ErrorIs(t, err, rejected)
		assert.Equal(t, []string{StageSubmit}, env.analytics.Failed())

		stored, ok := env.store.Transaction(TransactionKey{From: testAccount.Address, ChainID: 1, ID: "tx-1"})
		require.True(t, ok)
		assert.Equal(t, StatusFailed, stored.Status)

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: testAccount.Address, ChainID: 1})
		require.NoError(t, err)
		assert.Equal(t, uint64(3), n.Nonce, "rejected nonce is free again")
	})

	t.Run("duplicate id is refused before sending", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("tx-1", testAccount.Address, 1, 0, StatusPending)))

		_, err := env.service.SubmitTransaction(ctx, SubmitParams{
			TxID:     "tx-1",
			ChainID:  1,
			Account:  testAccount,
			Request:  prepare(t, env),
			TypeInfo: SendInfo{},
		})
		require.ErrorIs(t, err, ErrSubmissionFailed)
		assert.ErrorIs(t, err, ErrTransactionExists)
		assert.Empty(t, env.mainnet.Sent())
	})

	t.Run("missing request", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.service.SubmitTransaction(ctx, SubmitParams{ChainID: 1, Account: testAccount})
		assert.ErrorIs(t, err, ErrSubmissionFailed)
		assert.ErrorIs(t, err, ErrMissingRequest)
	})

	t.Run("private rpc", func(t *testing.T) {
		env := newTestEnv(t)
		private := testutil.NewFakeProvider("flashbots")
		env.providers.private[1] = private

		_, err := env.service.SubmitTransaction(ctx, SubmitParams{
			TxID:     "tx-1",
			ChainID:  1,
			Account:  testAccount,
			Request:  prepare(t, env),
			Options:  TransactionOptions{SubmitViaPrivateRPC: true},
			TypeInfo: SendInfo{},
		})
		require.NoError(t, err)
		assert.Len(t, private.Sent(), 1)
		assert.Empty(t, env.mainnet.Sent())

		stored, _ := env.store.Transaction(TransactionKey{From: testAccount.Address, ChainID: 1, ID: "tx-1"})
		assert.True(t, stored.Options.SubmitViaPrivateRPC)
		assert.Equal(t, "flashbots", stored.Options.PrivateRPCProvider)
	})

	t.Run("dapp submissions are not tracked in analytics", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.service.SubmitTransaction(ctx, SubmitParams{
			ChainID:               1,
			Account:               testAccount,
			Request:               prepare(t, env),
			TypeInfo:              UnknownInfo{Dapp: "https://app.example"},
			TransactionOriginType: TransactionOriginExternal,
		})
		require.NoError(t, err)
		assert.Empty(t, env.analytics.Submitted())
	})
}

func TestSubmitTransactionSync(t *testing.T) {
	ctx := context.Background()

	submit := func(t *testing.T, env *testEnv, ctx context.Context) (*TransactionDetails, error) {
		t.Helper()
		signed, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 1, Account: testAccount, Request: sendRequest(testutil.OneEth)})
		require.NoError(t, err)
		return env.service.SubmitTransactionSync(ctx, SubmitParams{
			TxID:     "tx-1",
			ChainID:  1,
			Account:  testAccount,
			Request:  signed,
			TypeInfo: WrapInfo{CurrencyAmount: testutil.OneEth},
		})
	}

	t.Run("synchronous inclusion rpc", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.WithSyncTx()

		details, err := submit(t, env, ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, details.Status)
		require.NotNil(t, details.Receipt)
		assert.Equal(t, uint64(12345678), details.Receipt.BlockNumber)

		stored, _ := env.store.Transaction(details.Key())
		assert.Equal(t, StatusSuccess, stored.Status)
		assert.NotNil(t, stored.Receipt)

		events := env.analytics.Submitted()
		require.Len(t, events, 1)
		assert.True(t, events[0].Sync)
	})

	t.Run("falls back to receipt polling", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.DelayReceipts(3)

		details, err := submit(t, env, ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, details.Status)
		assert.True(t, details.Receipt.Succeeded())
	})

	t.Run("reverted transaction is final and failed", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.WithSyncTx()
		env.mainnet.Revert()

		details, err := submit(t, env, ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, details.Status)
		assert.False(t, details.Receipt.Succeeded())
	})

	t.Run("interrupted wait leaves the record pending", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.DelayReceipts(1 << 20)

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := submit(t, env, waitCtx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		stored, ok := env.store.Transaction(TransactionKey{From: testAccount.Address, ChainID: 1, ID: "tx-1"})
		require.True(t, ok)
		assert.Equal(t, StatusPending, stored.Status)
		assert.NotNil(t, stored.Hash)
	})

	t.Run("caller deadline during sync rpc leaves the record pending", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.WithSyncTx()
		env.mainnet.HoldInclusion()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := submit(t, env, waitCtx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, ErrSubmissionFailed)

		sent := env.mainnet.Sent()
		require.Len(t, sent, 1)
		stored, ok := env.store.Transaction(TransactionKey{From: testAccount.Address, ChainID: 1, ID: "tx-1"})
		require.True(t, ok)
		assert.Equal(t, StatusPending, stored.Status)
		require.NotNil(t, stored.Hash)
		assert.Equal(t, sent[0].Hash(), *stored.Hash)
		assert.NotNil(t, stored.Options.RPCSubmissionTimestamp)
	})

	t.Run("node inclusion timeout leaves the record pending", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.WithSyncTx()
		env.mainnet.FailInclusion(fmt.Errorf("%w: code 4", ErrInclusionTimeout))

		_, err := submit(t, env, ctx)
		require.ErrorIs(t, err, ErrInclusionTimeout)
		assert.NotErrorIs(t, err, ErrSubmissionFailed)

		stored, ok := env.store.Transaction(TransactionKey{From: testAccount.Address, ChainID: 1, ID: "tx-1"})
		require.True(t, ok)
		assert.Equal(t, StatusPending, stored.Status)
		assert.NotNil(t, stored.Hash)

		next, err := env.service.PrepareAndSignTransaction(ctx, PrepareParams{ChainID: 1, Account: testAccount, Request: sendRequest(testutil.OneEth)})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), next.Transaction.Nonce(), "the accepted nonce is not handed out again")
	})

	t.Run("rejection", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.WithSyncTx()
		env.mainnet.FailSend(errors.New("replacement transaction underpriced"))

		_, err := submit(t, env, ctx)
		require.ErrorIs(t, err, ErrSubmissionFailed)
		stored, _ := env.store.Transaction(TransactionKey{From: testAccount.Address, ChainID: 1, ID: "tx-1"})
		assert.Equal(t, StatusFailed, stored.Status)
	})
}

func TestExecuteTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("prepare sign and submit", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(testAccount.Address, 4)

		result, err := env.service.ExecuteTransaction(ctx, ExecuteParams{
			ChainID:  1,
			Account:  testAccount,
			Request:  sendRequest(testutil.OneEth),
			TypeInfo: SendInfo{},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(4), result.Nonce)
		require.Len(t, env.mainnet.Sent(), 1)
		assert.Equal(t, result.TransactionHash, env.mainnet.Sent()[0].Hash())
		assert.Len(t, env.store.PendingTransactions(testAccount.Address, 1), 1)
	})

	t.Run("pre-signed skips preparation", func(t *testing.T) {
		env := newTestEnv(t)
		tx := testutil.SignedTx(testutil.TestPrivateKey1, 1, 11, testutil.TestAddr2, testutil.OneEth)
		nonce := uint64(11)

		result, err := env.service.ExecuteTransaction(ctx, ExecuteParams{
			ChainID: 1,
			Account: testAccount,
			PreSigned: &SignedTransactionRequest{
				Request:     TransactionRequest{ChainID: 1, From: testAccount.Address, Nonce: &nonce},
				Transaction: tx,
			},
			TypeInfo: SendInfo{},
		})
		require.NoError(t, err)
		assert.Equal(t, tx.Hash(), result.TransactionHash)
		assert.Equal(t, 0, env.gas.Calls())
		assert.Equal(t, 0, env.mainnet.NonceCalls())
	})

	t.Run("fluent request", func(t *testing.T) {
		env := newTestEnv(t)

		result, err := env.service.R().
			SetAccount(testAccount).
			SetChainID(testutil.ChainIDArbitrum).
			SetTo(testutil.TestAddr2).
			SetValue(big.NewInt(1000)).
			SetTypeInfo(SendInfo{Recipient: testutil.TestAddr2}).
			SetTxID("fluent").
			Execute(ctx)
		require.NoError(t, err)
		require.Len(t, env.arbitrum.Sent(), 1)

		stored, ok := env.store.Transaction(TransactionKey{From: testAccount.Address, ChainID: testutil.ChainIDArbitrum, ID: "fluent"})
		require.True(t, ok)
		assert.Equal(t, result.TransactionHash, *stored.Hash)
	})
}

func TestExecuteTransaction_Idempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated key replays the first result", func(t *testing.T) {
		env := newTestEnv(t, WithDefaultIdempotencyStore(time.Minute))
		params := ExecuteParams{
			ChainID:        1,
			Account:        testAccount,
			Request:        sendRequest(testutil.OneEth),
			TypeInfo:       SendInfo{},
			IdempotencyKey: "dapp-request-1",
		}

		first, err := env.service.ExecuteTransaction(ctx, params)
		require.NoError(t, err)
		second, err := env.service.ExecuteTransaction(ctx, params)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Len(t, env.mainnet.Sent(), 1)
	})

	t.Run("failed request is not retried under the same key", func(t *testing.T) {
		env := newTestEnv(t, WithDefaultIdempotencyStore(time.Minute))
		env.mainnet.FailSend(errors.New("nonce too low"))
		params := ExecuteParams{
			ChainID:        1,
			Account:        testAccount,
			Request:        sendRequest(testutil.OneEth),
			IdempotencyKey: "dapp-request-2",
		}

		_, err := env.service.ExecuteTransaction(ctx, params)
		require.ErrorIs(t, err, ErrSubmissionFailed)

		_, err = env.service.ExecuteTransaction(ctx, params)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed earlier")
	})

	t.Run("without a store the key is ignored", func(t *testing.T) {
		env := newTestEnv(t)
		params := ExecuteParams{ChainID: 1, Account: testAccount, Request: sendRequest(testutil.OneEth), IdempotencyKey: "k"}

		_, err := env.service.ExecuteTransaction(ctx, params)
		require.NoError(t, err)
		_, err = env.service.ExecuteTransaction(ctx, params)
		require.NoError(t, err)
		assert.Len(t, env.mainnet.Sent(), 2)
	})
}

func TestExecuteTransaction_NoncesAreSequential(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.mainnet.SetNonce(testAccount.Address, 20)

	const n = 8
	for i := 0; i < n; i++ {
		result, err := env.service.ExecuteTransaction(ctx, ExecuteParams{
			ChainID:  1,
			Account:  testAccount,
			Request:  sendRequest(big.NewInt(int64(i))),
			TypeInfo: SendInfo{},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(20+i), result.Nonce)
	}
}

func TestExecuteTransaction_ConcurrentFlowsNeverShareNonce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = make(map[uint64]int)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(tracked bool) {
			defer wg.Done()
			params := ExecuteParams{ChainID: 1, Account: testAccount, Request: sendRequest(testutil.OneEth)}
			if tracked {
				params.TypeInfo = SendInfo{}
			}
			result, err := env.service.ExecuteTransaction(ctx, params)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			nonces[result.Nonce]++
			mu.Unlock()
		}(i%2 == 0)
	}
	wg.Wait()

	require.Len(t, nonces, workers)
	for n := uint64(0); n < workers; n++ {
		assert.Equal(t, 1, nonces[n], "nonce %d", n)
	}
}
