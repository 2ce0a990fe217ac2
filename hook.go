package walletcore

import "github.com/ethereum/go-ethereum/common"

// FailureHook is called when a multi-step flow aborts. The error is still returned to the
// caller; the hook only lets UI layers reset their own state.
type FailureHook func(err error)

// SuccessHook is called once the primary transaction of a flow was accepted by the network.
type SuccessHook func(hash common.Hash)

// SubmittedHook is called after each accepted submission in a flow, approvals included.
// Return an error to stop the flow before the next step.
type SubmittedHook func(details TransactionDetails) error
