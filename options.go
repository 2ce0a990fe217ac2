package walletcore

import (
	"time"

	"github.com/google/uuid"

	"github.com/uniswap/walletcore/idempotency"
)

// ServiceOption configures a TransactionService
type ServiceOption func(*TransactionService)

// WithAnalytics sets the sink that receives submission events
func WithAnalytics(sink AnalyticsSink) ServiceOption {
	return func(s *TransactionService) {
		if sink != nil {
			s.analytics = sink
		}
	}
}

// WithIdempotencyStore enables de-duplication of ExecuteParams carrying an IdempotencyKey
func WithIdempotencyStore(store idempotency.Store) ServiceOption {
	return func(s *TransactionService) {
		s.idempotencyStore = store
	}
}

// WithDefaultIdempotencyStore sets up an in-memory idempotency store with the given TTL
func WithDefaultIdempotencyStore(ttl time.Duration) ServiceOption {
	return func(s *TransactionService) {
		s.idempotencyStore = idempotency.NewInMemoryStore(ttl)
	}
}

// WithSyncPollInterval sets how often SubmitTransactionSync polls for a receipt on chains
// without eth_sendRawTransactionSync
func WithSyncPollInterval(interval time.Duration) ServiceOption {
	return func(s *TransactionService) {
		if interval > 0 {
			s.syncPollInterval = interval
		}
	}
}

// WithClock overrides the time source used for addedTime and submission timestamps
func WithClock(now func() time.Time) ServiceOption {
	return func(s *TransactionService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides how local transaction ids are generated
func WithIDGenerator(gen func() string) ServiceOption {
	return func(s *TransactionService) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithNonceOracle replaces the oracle built from the service's providers and store
func WithNonceOracle(oracle *NonceOracle) ServiceOption {
	return func(s *TransactionService) {
		if oracle != nil {
			s.nonces = oracle
		}
	}
}

func defaultIDGenerator() string {
	return uuid.NewString()
}
