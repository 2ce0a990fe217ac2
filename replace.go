package walletcore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
)

// ReplaceParams are the inputs of AttemptReplaceTransaction.
type ReplaceParams struct {
	// Transaction is the pending record to replace.
	Transaction TransactionDetails
	// NewTxRequest holds the fields to change, usually bumped fees. Its nonce is ignored.
	NewTxRequest TransactionRequest
	// IsCancellation turns the replacement into a no-op transfer to self.
	IsCancellation bool
}

// ReplaceOrchestrator sends same-nonce replacements of pending transactions.
type ReplaceOrchestrator struct {
	service  *TransactionService
	accounts AccountResolver
}

// NewReplaceOrchestrator creates a replacer that executes through service
func NewReplaceOrchestrator(service *TransactionService, accounts AccountResolver) *ReplaceOrchestrator {
	return &ReplaceOrchestrator{service: service, accounts: accounts}
}

// AttemptReplaceTransaction submits a new transaction with the nonce of p.Transaction and the
// fields of p.NewTxRequest merged in. On acceptance a new Pending record exists that points at
// the original, and the original is flagged Cancelling or Replacing. Which of the two mines
// is left to the confirmation watcher.
func (r *ReplaceOrchestrator) AttemptReplaceTransaction(ctx context.Context, p ReplaceParams) (SubmitResult, error) {
	original := p.Transaction
	key := original.Key()

	// The caller's copy may be stale; the store decides whether it is still pending.
	if stored, ok := r.service.store.Transaction(key); ok {
		original = stored
	}
	if original.Status != StatusPending {
		return SubmitResult{}, fmt.Errorf("%w: %s is %s", ErrTransactionNotPending, original.ID, original.Status)
	}
	if !original.Routing.IsEVMTransaction() {
		return SubmitResult{}, fmt.Errorf("%w: routing %s has no on-chain transaction to replace", ErrNotCancellable, original.Routing)
	}
	account, ok := r.accounts.Account(original.From)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrAccountNotFound, original.From.Hex())
	}
	if original.Options == nil {
		return SubmitResult{}, ErrMissingRequest
	}
	nonce, ok := original.Nonce()
	if !ok {
		return SubmitResult{}, ErrMissingNonce
	}

	request := original.Options.Request.Merge(p.NewTxRequest).WithNonce(nonce)
	request.ChainID = original.ChainID
	request.From = original.From
	if p.IsCancellation {
		self := original.From
		request.To = &self
		request.Data = nil
		request.Value = new(big.Int)
	}

	typeInfo := original.TypeInfo
	if typeInfo == nil {
		typeInfo = UnknownInfo{}
	}

	result, err := r.service.ExecuteTransaction(ctx, ExecuteParams{
		TxID:    r.service.NewTransactionID(),
		ChainID: original.ChainID,
		Account: account,
		Request: request,
		Options: TransactionOptions{
			SubmitViaPrivateRPC:     original.Options.SubmitViaPrivateRPC,
			ReplacedTransactionHash: original.Hash,
			ReplacedTransactionID:   original.ID,
			IsCancellation:          p.IsCancellation,
		},
		TypeInfo:              typeInfo,
		Routing:               original.Routing,
		TransactionOriginType: original.TransactionOriginType,
		BatchID:               original.BatchID,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	var markErr error
	if p.IsCancellation {
		markErr = r.service.store.MarkCancelling(ctx, key, &request)
	} else {
		markErr = r.service.store.MarkReplacing(ctx, key)
	}
	if markErr != nil {
		// The original may have been finalized by the watcher in the meantime.
		logger.WithFields(logger.Fields{
			"tx_id":    original.ID,
			"chain_id": original.ChainID,
			"error":    markErr,
		}).Warn("couldn't flag replaced transaction")
	}

	logger.WithFields(logger.Fields{
		"wallet":          original.From.Hex(),
		"chain_id":        original.ChainID,
		"nonce":           nonce,
		"replaced_tx_id":  original.ID,
		"replacement_tx":  result.TransactionHash.Hex(),
		"is_cancellation": p.IsCancellation,
	}).Info("replacement transaction submitted")

	return result, nil
}
