// Package idempotency de-duplicates transaction requests that may arrive more than once,
// such as a dapp retrying eth_sendTransaction from several tabs.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync"
)

var (
	// ErrDuplicateKey is returned by Create when the key is already taken.
	ErrDuplicateKey = fmt.Errorf("duplicate idempotency key: request already submitted")
	ErrKeyNotFound  = fmt.Errorf("idempotency key not found")
)

// Status is the progress of one keyed request.
type Status int

const (
	StatusPending   Status = iota // being prepared or signed
	StatusSubmitted               // accepted by the network
	StatusFailed                  // failed before or during submission
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is the outcome of a keyed request, replayed to later callers with the same key.
// The redis store keeps it as JSON.
type Record struct {
	Key       string      `json:"key"`
	Status    Status      `json:"status"`
	TxHash    common.Hash `json:"txHash"`
	Nonce     uint64      `json:"nonce"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Store keeps idempotency records. Create must be atomic: of several concurrent callers
// with one key exactly one gets a nil error.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	// Create returns the existing record together with ErrDuplicateKey when key is taken.
	Create(ctx context.Context, key string) (*Record, error)
	Update(ctx context.Context, record *Record) error
	Delete(ctx context.Context, key string) error
}

// slot guards one record. A slot is marked dead before it leaves the map; writers that
// loaded it earlier retry with the slot that replaces it.
type slot struct {
	mu     sync.Mutex
	record Record
	dead   bool
}

// InMemoryStore is a Store for a single process.
type InMemoryStore struct {
	slots *xsync.MapOf[string, *slot]
	ttl   time.Duration // zero keeps records forever
	now   func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewInMemoryStore creates a store whose records expire ttl after creation. With a positive
// ttl a sweeper drops expired records until Stop is called.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	s := &InMemoryStore{
		slots: xsync.NewMapOf[*slot](),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if ttl > 0 {
		go s.sweep()
	}
	return s
}

// Stop ends the sweeper. It is safe to call more than once.
func (s *InMemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *InMemoryStore) live(sl *slot) bool {
	return !sl.dead && sl.record.Key != "" && (s.ttl <= 0 || s.now().Sub(sl.record.CreatedAt) <= s.ttl)
}

// claim returns the locked slot of key, creating it when missing.
func (s *InMemoryStore) claim(key string) *slot {
	for {
		sl, _ := s.slots.LoadOrStore(key, &slot{})
		sl.mu.Lock()
		if !sl.dead {
			return sl
		}
		sl.mu.Unlock()
	}
}

// removeLocked drops sl, which must be locked and stored under key.
func (s *InMemoryStore) removeLocked(key string, sl *slot) {
	sl.dead = true
	s.slots.Delete(key)
}

func (s *InMemoryStore) Get(_ context.Context, key string) (*Record, error) {
	sl, ok := s.slots.Load(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !s.live(sl) {
		return nil, ErrKeyNotFound
	}
	cp := sl.record
	return &cp, nil
}

func (s *InMemoryStore) Create(_ context.Context, key string) (*Record, error) {
	sl := s.claim(key)
	defer sl.mu.Unlock()

	if s.live(sl) {
		cp := sl.record
		return &cp, ErrDuplicateKey
	}
	now := s.now()
	sl.record = Record{Key: key, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	cp := sl.record
	return &cp, nil
}

// Update overwrites the outcome of a live record. CreatedAt is kept so updates never extend
// the expiry.
func (s *InMemoryStore) Update(_ context.Context, record *Record) error {
	sl, ok := s.slots.Load(record.Key)
	if !ok {
		return ErrKeyNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !s.live(sl) {
		return ErrKeyNotFound
	}
	created := sl.record.CreatedAt
	sl.record = *record
	sl.record.CreatedAt = created
	sl.record.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	sl, ok := s.slots.Load(key)
	if !ok {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.dead {
		s.removeLocked(key, sl)
	}
	return nil
}

// Size returns the number of live records.
func (s *InMemoryStore) Size() int {
	n := 0
	s.slots.Range(func(_ string, sl *slot) bool {
		sl.mu.Lock()
		if s.live(sl) {
			n++
		}
		sl.mu.Unlock()
		return true
	})
	return n
}

func (s *InMemoryStore) sweep() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.dropExpired()
		}
	}
}

func (s *InMemoryStore) dropExpired() {
	s.slots.Range(func(key string, sl *slot) bool {
		sl.mu.Lock()
		if !sl.dead && !s.live(sl) {
			s.removeLocked(key, sl)
		}
		sl.mu.Unlock()
		return true
	})
}
