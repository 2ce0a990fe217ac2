package walletcore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync"
)

// StoreEventType tells subscribers what happened to a record.
type StoreEventType string

const (
	StoreEventAdded     StoreEventType = "added"
	StoreEventUpdated   StoreEventType = "updated"
	StoreEventFinalized StoreEventType = "finalized"
	StoreEventRemoved   StoreEventType = "removed"
	StoreEventCleared   StoreEventType = "cleared"
)

// StoreEvent is delivered to subscribers after every mutation.
type StoreEvent struct {
	Type        StoreEventType
	Key         TransactionKey
	Transaction *TransactionDetails
}

// BatchRecord links an EIP-5792 batch id to the transactions that carry it.
type BatchRecord struct {
	BatchID   string
	ChainID   uint64
	From      common.Address
	RequestID string
	TxHashes  []common.Hash
}

type accountBucket struct {
	mu      sync.RWMutex
	chains  map[uint64]map[string]*TransactionDetails
	version uint64 // bumped on every write, under mu

	// persistMu orders write-through calls made after mu is released. A write whose version is
	// older than the last one persisted for its key is dropped.
	persistMu sync.Mutex
	persisted map[TransactionKey]uint64
}

// TransactionStore is the authoritative record of every transaction the wallet submitted,
// keyed address -> chain -> id. Each method is one discrete update; nothing holds a lock
// across calls, so concurrent flows interleave their writes.
//
// Terminal records are only changed through ReconcileTransaction, the watcher path.
type TransactionStore struct {
	accounts *xsync.MapOf[string, *accountBucket]

	batchesMu sync.RWMutex
	batches   map[string]BatchRecord

	persister Persister

	subsMu     sync.RWMutex
	subs       map[int]chan StoreEvent
	nextSubID  int
	subsBuffer int
}

// StoreOption configures a TransactionStore
type StoreOption func(*TransactionStore)

// WithPersister enables write-through persistence
func WithPersister(p Persister) StoreOption {
	return func(s *TransactionStore) {
		s.persister = p
	}
}

// WithSubscriberBuffer sets the channel buffer of new subscriptions
func WithSubscriberBuffer(n int) StoreOption {
	return func(s *TransactionStore) {
		s.subsBuffer = n
	}
}

// NewTransactionStore creates an empty store
func NewTransactionStore(opts ...StoreOption) *TransactionStore {
	s := &TransactionStore{
		accounts:   xsync.NewMapOf[*accountBucket](),
		batches:    make(map[string]BatchRecord),
		subs:       make(map[int]chan StoreEvent),
		subsBuffer: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TransactionStore) bucket(from common.Address) *accountBucket {
	if b, ok := s.accounts.Load(from.Hex()); ok {
		return b
	}
	b, _ := s.accounts.LoadOrStore(from.Hex(), &accountBucket{
		chains:    make(map[uint64]map[string]*TransactionDetails),
		persisted: make(map[TransactionKey]uint64),
	})
	return b
}

// Restore loads persisted records. Existing in-memory records with the same key win.
func (s *TransactionStore) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	records, err := s.persister.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("restore transactions: %w", err)
	}
	for i := range records {
		d := records[i]
		b := s.bucket(d.From)
		b.mu.Lock()
		chain := b.chains[d.ChainID]
		if chain == nil {
			chain = make(map[string]*TransactionDetails)
			b.chains[d.ChainID] = chain
		}
		if _, exists := chain[d.ID]; !exists {
			chain[d.ID] = d.Clone()
		}
		b.mu.Unlock()
	}
	logger.WithFields(logger.Fields{"count": len(records)}).Info("transaction store restored")
	return nil
}

// mutate applies fn to the record at key under the account lock. fn receives nil when the
// record does not exist and returns the record to store (nil deletes it).
func (s *TransactionStore) mutate(
	ctx context.Context,
	key TransactionKey,
	eventType StoreEventType,
	fn func(existing *TransactionDetails) (*TransactionDetails, error),
) error {
	b := s.bucket(key.From)
	b.mu.Lock()

	chain := b.chains[key.ChainID]
	var existing *TransactionDetails
	if chain != nil {
		existing = chain[key.ID]
	}
	var input *TransactionDetails
	if existing != nil {
		input = existing.Clone()
	}

	next, err := fn(input)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	var snapshot *TransactionDetails
	if next == nil {
		if chain != nil {
			delete(chain, key.ID)
		}
	} else {
		if chain == nil {
			chain = make(map[string]*TransactionDetails)
			b.chains[key.ChainID] = chain
		}
		chain[key.ID] = next.Clone()
		snapshot = next.Clone()
	}
	b.version++
	version := b.version
	b.mu.Unlock()

	s.persist(ctx, b, key, version, next)
	s.publish(StoreEvent{Type: eventType, Key: key, Transaction: snapshot})
	return nil
}

// persist writes snapshot through to the persister, or deletes key when snapshot is nil.
func (s *TransactionStore) persist(ctx context.Context, b *accountBucket, key TransactionKey, version uint64, snapshot *TransactionDetails) {
	if s.persister == nil {
		return
	}
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if b.persisted[key] > version {
		return
	}
	b.persisted[key] = version
	if snapshot == nil {
		s.persistDelete(ctx, key)
		return
	}
	s.persistSave(ctx, snapshot)
}

func (s *TransactionStore) persistSave(ctx context.Context, d *TransactionDetails) {
	if err := s.persister.Save(ctx, *d); err != nil {
		logger.WithFields(logger.Fields{
			"tx_id":    d.ID,
			"chain_id": d.ChainID,
			"from":     d.From.Hex(),
			"error":    err,
		}).Warn("failed to persist transaction")
	}
}

func (s *TransactionStore) persistDelete(ctx context.Context, key TransactionKey) {
	if err := s.persister.Delete(ctx, key); err != nil {
		logger.WithFields(logger.Fields{
			"tx_id":    key.ID,
			"chain_id": key.ChainID,
			"from":     key.From.Hex(),
			"error":    err,
		}).Warn("failed to delete persisted transaction")
	}
}

// AddTransaction inserts a new record. Overwriting an existing id is an error.
func (s *TransactionStore) AddTransaction(ctx context.Context, d TransactionDetails) error {
	if d.ID == "" {
		return fmt.Errorf("transaction id cannot be empty")
	}
	if d.From == (common.Address{}) {
		return ErrFromAddressZero
	}
	return s.mutate(ctx, d.Key(), StoreEventAdded, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing != nil {
			return nil, fmt.Errorf("%w: attempted to overwrite tx with id %s", ErrTransactionExists, d.ID)
		}
		return &d, nil
	})
}

// UpdateTransaction replaces a non-terminal record. It cannot set a terminal status; use
// FinalizeTransaction for that.
func (s *TransactionStore) UpdateTransaction(ctx context.Context, d TransactionDetails) error {
	if d.Status.IsFinal() {
		return fmt.Errorf("%w: update cannot set final status %s", ErrTransactionFinalized, d.Status)
	}
	return s.mutate(ctx, d.Key(), StoreEventUpdated, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, d.ID)
		}
		if existing.Status.IsFinal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTransactionFinalized, d.ID, existing.Status)
		}
		return &d, nil
	})
}

// FinalizeTransaction moves a non-terminal record to a terminal status.
func (s *TransactionStore) FinalizeTransaction(ctx context.Context, key TransactionKey, status TransactionStatus, receipt *Receipt) error {
	if !status.IsFinal() {
		return fmt.Errorf("status %s is not final", status)
	}
	return s.mutate(ctx, key, StoreEventFinalized, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, key.ID)
		}
		if existing.Status.IsFinal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTransactionFinalized, key.ID, existing.Status)
		}
		existing.Status = status
		if receipt != nil {
			r := *receipt
			existing.Receipt = &r
		}
		return existing, nil
	})
}

// ReconcileTransaction writes the record as observed on chain, terminal or not. It is the
// confirmation watcher's path and the only way to change a terminal record.
func (s *TransactionStore) ReconcileTransaction(ctx context.Context, d TransactionDetails) error {
	return s.mutate(ctx, d.Key(), StoreEventUpdated, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, d.ID)
		}
		return &d, nil
	})
}

// MarkCancelling flags a pending record as being cancelled by cancelRequest.
func (s *TransactionStore) MarkCancelling(ctx context.Context, key TransactionKey, cancelRequest *TransactionRequest) error {
	return s.mutate(ctx, key, StoreEventUpdated, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, key.ID)
		}
		if existing.Status != StatusPending {
			return nil, fmt.Errorf("%w: %s is %s", ErrTransactionNotPending, key.ID, existing.Status)
		}
		existing.Status = StatusCancelling
		if cancelRequest != nil {
			req := cancelRequest.Clone()
			existing.CancelRequest = &req
		}
		return existing, nil
	})
}

// MarkReplacing flags a pending record as being sped up.
func (s *TransactionStore) MarkReplacing(ctx context.Context, key TransactionKey) error {
	return s.mutate(ctx, key, StoreEventUpdated, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, key.ID)
		}
		if existing.Status != StatusPending {
			return nil, fmt.Errorf("%w: %s is %s", ErrTransactionNotPending, key.ID, existing.Status)
		}
		existing.Status = StatusReplacing
		return existing, nil
	})
}

// CheckedTransaction records the last block at which the watcher looked at a pending record.
func (s *TransactionStore) CheckedTransaction(ctx context.Context, key TransactionKey, blockNumber uint64) error {
	return s.mutate(ctx, key, StoreEventUpdated, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, key.ID)
		}
		if !existing.Status.occupiesNonce() {
			return existing, nil
		}
		existing.LastCheckedBlockNumber = blockNumber
		return existing, nil
	})
}

// AttachSubmission records that the network accepted the record's transaction under hash. It
// only touches the hash and submission timing, so a status or cancel request written while the
// send was in flight is kept.
func (s *TransactionStore) AttachSubmission(ctx context.Context, key TransactionKey, hash common.Hash, acceptedAt time.Time, delay time.Duration) error {
	return s.mutate(ctx, key, StoreEventUpdated, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, key.ID)
		}
		if existing.Status.IsFinal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTransactionFinalized, key.ID, existing.Status)
		}
		existing.Hash = &hash
		if existing.Options == nil {
			existing.Options = &TransactionOptions{}
		}
		existing.Options.RPCSubmissionTimestamp = &acceptedAt
		existing.Options.RPCSubmissionDelay = delay
		return existing, nil
	})
}

// RemoveTransaction deletes a record.
func (s *TransactionStore) RemoveTransaction(ctx context.Context, key TransactionKey) error {
	return s.mutate(ctx, key, StoreEventRemoved, func(existing *TransactionDetails) (*TransactionDetails, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, key.ID)
		}
		return nil, nil
	})
}

// ClearAll removes every record and batch.
func (s *TransactionStore) ClearAll(ctx context.Context) {
	type removal struct {
		bucket  *accountBucket
		key     TransactionKey
		version uint64
	}
	var removed []removal
	s.accounts.Range(func(_ string, b *accountBucket) bool {
		b.mu.Lock()
		for _, chain := range b.chains {
			for _, d := range chain {
				b.version++
				removed = append(removed, removal{bucket: b, key: d.Key(), version: b.version})
			}
		}
		b.chains = make(map[uint64]map[string]*TransactionDetails)
		b.mu.Unlock()
		return true
	})
	for _, r := range removed {
		s.persist(ctx, r.bucket, r.key, r.version, nil)
	}
	s.batchesMu.Lock()
	s.batches = make(map[string]BatchRecord)
	s.batchesMu.Unlock()
	s.publish(StoreEvent{Type: StoreEventCleared})
}

// Transaction returns a copy of the record at key.
func (s *TransactionStore) Transaction(key TransactionKey) (TransactionDetails, bool) {
	b, ok := s.accounts.Load(key.From.Hex())
	if !ok {
		return TransactionDetails{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.chains[key.ChainID][key.ID]
	if !ok {
		return TransactionDetails{}, false
	}
	return *d.Clone(), true
}

// Transactions returns copies of the records of an account on a chain, oldest first.
func (s *TransactionStore) Transactions(from common.Address, chainID uint64) []TransactionDetails {
	return s.filter(from, chainID, func(*TransactionDetails) bool { return true })
}

// PendingTransactions returns the records that still hold their nonce unconfirmed.
func (s *TransactionStore) PendingTransactions(from common.Address, chainID uint64) []TransactionDetails {
	return s.filter(from, chainID, func(d *TransactionDetails) bool {
		return d.Status.occupiesNonce()
	})
}

// PendingNonces returns the nonces held by pending EVM records of an account on a chain.
func (s *TransactionStore) PendingNonces(from common.Address, chainID uint64) []uint64 {
	var nonces []uint64
	for _, d := range s.PendingTransactions(from, chainID) {
		if n, ok := d.Nonce(); ok {
			nonces = append(nonces, n)
		}
	}
	return nonces
}

func (s *TransactionStore) filter(from common.Address, chainID uint64, keep func(*TransactionDetails) bool) []TransactionDetails {
	b, ok := s.accounts.Load(from.Hex())
	if !ok {
		return nil
	}
	b.mu.RLock()
	out := make([]TransactionDetails, 0, len(b.chains[chainID]))
	for _, d := range b.chains[chainID] {
		if keep(d) {
			out = append(out, *d.Clone())
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedTime.Equal(out[j].AddedTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].AddedTime.Before(out[j].AddedTime)
	})
	return out
}

// AddBatch records a batch. Hashes of an existing batch id are merged.
func (s *TransactionStore) AddBatch(batch BatchRecord) {
	s.batchesMu.Lock()
	defer s.batchesMu.Unlock()

	if old, ok := s.batches[batch.BatchID]; ok {
		old.TxHashes = appendUniqueHashes(old.TxHashes, batch.TxHashes...)
		s.batches[batch.BatchID] = old
		return
	}
	batch.TxHashes = append([]common.Hash(nil), batch.TxHashes...)
	s.batches[batch.BatchID] = batch
}

// ApplyHashToBatch attaches a transaction hash to a known batch.
func (s *TransactionStore) ApplyHashToBatch(batchID string, hash common.Hash) error {
	s.batchesMu.Lock()
	defer s.batchesMu.Unlock()

	old, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s not found", batchID)
	}
	old.TxHashes = appendUniqueHashes(old.TxHashes, hash)
	s.batches[batchID] = old
	return nil
}

// Batch returns a copy of a batch record.
func (s *TransactionStore) Batch(batchID string) (BatchRecord, bool) {
	s.batchesMu.RLock()
	defer s.batchesMu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return BatchRecord{}, false
	}
	b.TxHashes = append([]common.Hash(nil), b.TxHashes...)
	return b, true
}

func appendUniqueHashes(dst []common.Hash, hashes ...common.Hash) []common.Hash {
	out := append([]common.Hash(nil), dst...)
	for _, h := range hashes {
		dup := false
		for _, existing := range out {
			if existing == h {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, h)
		}
	}
	return out
}

// Subscribe returns a channel of store events and a function that ends the subscription.
// Delivery never blocks writers: when a subscriber's buffer is full the event is dropped.
func (s *TransactionStore) Subscribe() (<-chan StoreEvent, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan StoreEvent, s.subsBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *TransactionStore) publish(ev StoreEvent) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			logger.WithFields(logger.Fields{
				"subscriber": id,
				"event":      ev.Type,
				"tx_id":      ev.Key.ID,
			}).Warn("store subscriber is full, dropping event")
		}
	}
}
