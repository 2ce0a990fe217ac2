package walletcore

import (
	"context"
)

// Persister stores transaction records outside the process so the store survives restarts.
// TransactionStore calls it write-through on every mutation and reads it once in Restore.
//
// Thread Safety: Implementations MUST be safe for concurrent use. Calls for the same account
// are serialized by the store; calls for different accounts may run in parallel.
type Persister interface {
	// Save inserts or replaces the record with the same (from, chain, id).
	Save(ctx context.Context, d TransactionDetails) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, key TransactionKey) error

	// LoadAll returns every persisted record.
	LoadAll(ctx context.Context) ([]TransactionDetails, error)
}
