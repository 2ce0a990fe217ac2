package walletcore

import "fmt"

// Pipeline stage errors. A failure is returned as errors.Join(stageErr, cause) so callers can
// match the stage with errors.Is and still unwrap the underlying cause.
var (
	ErrPreparationFailed = fmt.Errorf("transaction preparation failed")
	ErrSigningFailed     = fmt.Errorf("transaction signing failed")
	ErrSubmissionFailed  = fmt.Errorf("transaction submission failed")
)

// Validation and state errors
var (
	ErrUnsupportedChain      = fmt.Errorf("unsupported chain")
	ErrAccountNotFound       = fmt.Errorf("account not found in local accounts")
	ErrReadOnlyAccount       = fmt.Errorf("account cannot sign transactions")
	ErrFromAddressZero       = fmt.Errorf("from address cannot be zero")
	ErrTransactionNotPending = fmt.Errorf("transaction is not pending")
	ErrTransactionExists     = fmt.Errorf("transaction already exists")
	ErrTransactionNotFound   = fmt.Errorf("transaction not found")
	ErrTransactionFinalized  = fmt.Errorf("transaction already reached a final status")
	ErrMissingNonce          = fmt.Errorf("transaction request has no nonce")
	ErrMissingRequest        = fmt.Errorf("transaction has no request snapshot")
	ErrNotCancellable        = fmt.Errorf("transaction routing cannot be cancelled")
	ErrInvalidSwapInfo       = fmt.Errorf("invalid swap tx and gas info")
	ErrMissingOrderHash      = fmt.Errorf("order has no order hash")
	ErrMissingPermitNonce    = fmt.Errorf("order has no permit2 nonce")
	ErrDuplicateRequest      = fmt.Errorf("duplicate request: already being processed")
	ErrEmptyBatch            = fmt.Errorf("batch has no valid calls")
)

// ErrInclusionTimeout is returned by a sync submission when the node accepted the transaction
// but gave up waiting for it to be included.
var ErrInclusionTimeout = fmt.Errorf("transaction not included within the node's sync timeout")
