package testutil

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeProvider is an in-memory chain node. Sent transactions are recorded; with AutoMine they
// get a successful receipt immediately and advance the sender's nonce.
type FakeProvider struct {
	mu sync.Mutex

	name          string
	syncSupported bool
	autoMine      bool

	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	nonceErr   error
	sendErr    error
	nonceCalls int
	// receiptDelay is the number of TransactionReceipt calls answered with NotFound before
	// a mined receipt is returned.
	receiptDelay int
	receiptCalls int
	revert       bool

	// holdInclusion makes sync sends accept the transaction and then wait for ctx to end.
	holdInclusion bool
	inclusionErr  error
	beforeSend    func(tx *types.Transaction)
}

// NewFakeProvider creates a provider without sync-tx support that mines nothing by itself
func NewFakeProvider(name string) *FakeProvider {
	return &FakeProvider{
		name:     name,
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// WithSyncTx enables eth_sendRawTransactionSync support
func (p *FakeProvider) WithSyncTx() *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncSupported = true
	return p
}

// WithAutoMine makes every accepted transaction mined immediately
func (p *FakeProvider) WithAutoMine() *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoMine = true
	return p
}

// SetNonce sets the pending transaction count of addr
func (p *FakeProvider) SetNonce(addr common.Address, nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonces[addr] = nonce
}

// FailNonce makes PendingNonceAt return err
func (p *FakeProvider) FailNonce(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceErr = err
}

// FailSend makes SendTransaction and SendTransactionSync return err
func (p *FakeProvider) FailSend(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// HoldInclusion makes SendTransactionSync accept the transaction into the pool and block
// until its context ends
func (p *FakeProvider) HoldInclusion() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdInclusion = true
}

// FailInclusion makes SendTransactionSync accept the transaction into the pool and return err
// instead of a receipt
func (p *FakeProvider) FailInclusion(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inclusionErr = err
}

// BeforeSend registers fn to run at the start of every send, outside the provider's lock
func (p *FakeProvider) BeforeSend(fn func(tx *types.Transaction)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforeSend = fn
}

func (p *FakeProvider) runBeforeSend(tx *types.Transaction) {
	p.mu.Lock()
	fn := p.beforeSend
	p.mu.Unlock()
	if fn != nil {
		fn(tx)
	}
}

// DelayReceipts answers n receipt lookups with NotFound before mining
func (p *FakeProvider) DelayReceipts(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiptDelay = n
}

// Revert makes mined transactions revert
func (p *FakeProvider) Revert() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revert = true
}

// Sent returns the accepted transactions in order
func (p *FakeProvider) Sent() []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Transaction(nil), p.sent...)
}

// NonceCalls returns how many times PendingNonceAt was called
func (p *FakeProvider) NonceCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nonceCalls
}

func (p *FakeProvider) Name() string { return p.name }

func (p *FakeProvider) SupportsSyncTx() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncSupported
}

func (p *FakeProvider) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceCalls++
	if p.nonceErr != nil {
		return 0, p.nonceErr
	}
	return p.nonces[account], nil
}

func (p *FakeProvider) SendTransaction(_ context.Context, tx *types.Transaction) error {
	p.runBeforeSend(tx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.acceptLocked(tx)
	if p.autoMine {
		p.mineLocked(tx)
	}
	return nil
}

func (p *FakeProvider) SendTransactionSync(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	p.runBeforeSend(tx)
	p.mu.Lock()
	if p.sendErr != nil {
		p.mu.Unlock()
		return nil, p.sendErr
	}
	p.acceptLocked(tx)
	hold, inclusionErr := p.holdInclusion, p.inclusionErr
	if hold || inclusionErr != nil {
		p.mu.Unlock()
		if inclusionErr != nil {
			return nil, inclusionErr
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer p.mu.Unlock()
	return p.mineLocked(tx), nil
}

func (p *FakeProvider) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.receipts[hash]; ok {
		return r, nil
	}
	p.receiptCalls++
	if p.receiptCalls <= p.receiptDelay {
		return nil, ethereum.NotFound
	}
	for _, tx := range p.sent {
		if tx.Hash() == hash {
			return p.mineLocked(tx), nil
		}
	}
	return nil, ethereum.NotFound
}

func (p *FakeProvider) acceptLocked(tx *types.Transaction) {
	p.sent = append(p.sent, tx)
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return
	}
	if tx.Nonce()+1 > p.nonces[from] {
		p.nonces[from] = tx.Nonce() + 1
	}
}

func (p *FakeProvider) mineLocked(tx *types.Transaction) *types.Receipt {
	status := types.ReceiptStatusSuccessful
	if p.revert {
		status = types.ReceiptStatusFailed
	}
	r := NewReceipt(tx, status)
	p.receipts[tx.Hash()] = r
	return r
}
