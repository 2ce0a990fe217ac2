package walletcore

import (
	"context"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// flowStep is one transaction of a multi-step flow (approve, wrap, swap, transfer).
type flowStep struct {
	txID      string
	account   AccountMeta
	chainID   uint64
	request   TransactionRequest
	preSigned *SignedTransactionRequest
	private   bool
	typeInfo  TypeInfo
	routing   Routing
	analytics map[string]any
}

// flowRunner runs the steps of one flow. It carries the nonce from one step to the next so the
// second transaction never asks the oracle while the first one's record may not be visible yet.
type flowRunner struct {
	service     *TransactionService
	notifier    Notifier
	onSubmitted SubmittedHook

	nextNonce *uint64
}

func (f *flowRunner) chainNonce(req TransactionRequest) TransactionRequest {
	if f.nextNonce == nil || req.Nonce != nil {
		return req
	}
	return req.WithNonce(*f.nextNonce)
}

func (f *flowRunner) advance(nonce uint64) {
	next := nonce + 1
	f.nextNonce = &next
}

// execute submits a step and waits for acceptance only.
func (f *flowRunner) execute(ctx context.Context, step flowStep) (SubmitResult, error) {
	if step.txID == "" {
		step.txID = f.service.NewTransactionID()
	}
	params := ExecuteParams{
		TxID:                  step.txID,
		ChainID:               step.chainID,
		Account:               step.account,
		PreSigned:             step.preSigned,
		Options:               TransactionOptions{SubmitViaPrivateRPC: step.private},
		TypeInfo:              step.typeInfo,
		Routing:               step.routing,
		TransactionOriginType: TransactionOriginInternal,
		Analytics:             step.analytics,
	}
	if step.preSigned == nil {
		params.Request = f.chainNonce(step.request)
	}

	result, err := f.service.ExecuteTransaction(ctx, params)
	if err != nil {
		return SubmitResult{}, err
	}
	f.advance(result.Nonce)

	if err := f.submitted(TransactionKey{From: step.account.Address, ChainID: step.chainID, ID: step.txID}); err != nil {
		return result, err
	}
	return result, nil
}

// executeSync submits a step and waits until it is mined.
func (f *flowRunner) executeSync(ctx context.Context, step flowStep) (*TransactionDetails, error) {
	if step.txID == "" {
		step.txID = f.service.NewTransactionID()
	}
	signed := step.preSigned
	if signed == nil {
		var err error
		signed, err = f.service.PrepareAndSignTransaction(ctx, PrepareParams{
			ChainID:             step.chainID,
			Account:             step.account,
			Request:             f.chainNonce(step.request),
			SubmitViaPrivateRPC: step.private,
		})
		if err != nil {
			return nil, err
		}
	}

	details, err := f.service.SubmitTransactionSync(ctx, SubmitParams{
		TxID:                  step.txID,
		ChainID:               step.chainID,
		Account:               step.account,
		Request:               signed,
		Options:               TransactionOptions{SubmitViaPrivateRPC: step.private},
		TransactionOriginType: TransactionOriginInternal,
		TypeInfo:              step.typeInfo,
		Routing:               step.routing,
		Analytics:             step.analytics,
	})
	if err != nil {
		return nil, err
	}
	if n, ok := details.Nonce(); ok {
		f.advance(n)
	}
	if err := f.submitted(details.Key()); err != nil {
		return details, err
	}
	return details, nil
}

func (f *flowRunner) submitted(key TransactionKey) error {
	if f.onSubmitted == nil {
		return nil
	}
	details, ok := f.service.store.Transaction(key)
	if !ok {
		return nil
	}
	return f.onSubmitted(details)
}

// notify dispatches the pending notification of the flow's primary transaction.
func (f *flowRunner) notify(ctx context.Context, step flowStep, hash *common.Hash) {
	if f.notifier == nil {
		return
	}
	txType := TransactionTypeUnknown
	if step.typeInfo != nil {
		txType = step.typeInfo.TransactionType()
	}
	f.notifier.NotifyPending(ctx, PendingNotification{
		TxID:    step.txID,
		ChainID: step.chainID,
		Account: step.account.Address,
		Hash:    hash,
		Type:    txType,
		Routing: step.routing,
	})
}

// approvalStep builds the approval step of a flow. The spender and amount are read from the
// calldata when it is a standard ERC-20 approve.
func approvalStep(account AccountMeta, chainID uint64, req TransactionRequest, swapTxID string, private bool) flowStep {
	info := ApproveInfo{SwapTxID: swapTxID}
	if req.To != nil {
		info.TokenAddress = *req.To
	}
	if spender, amount, err := DecodeERC20Approve(req.Data); err == nil {
		info.Spender = spender
		info.Amount = amount
	} else {
		logger.WithFields(logger.Fields{
			"chain_id": chainID,
			"token":    info.TokenAddress.Hex(),
			"error":    err,
		}).Debug("approval calldata is not a standard approve")
	}
	return flowStep{
		account:  account,
		chainID:  chainID,
		request:  req,
		private:  private,
		typeInfo: info,
		routing:  RoutingClassic,
	}
}
