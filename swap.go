package walletcore

import (
	"context"
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// SwapParams are the inputs of ExecuteSwap.
type SwapParams struct {
	// TxID is the local id of the swap record. Generated when empty.
	TxID    string
	Account AccountMeta
	ChainID uint64
	Swap    ValidatedSwapTxAndGasInfo

	// Requests signed ahead of time, used instead of preparing the matching step.
	PreSignedApproval *SignedTransactionRequest
	PreSignedSwap     *SignedTransactionRequest

	SubmitViaPrivateRPC bool
	Analytics           map[string]any

	OnSubmitted SubmittedHook
	OnSuccess   SuccessHook
	OnFailure   FailureHook
}

// SwapResult reports what a swap flow submitted.
type SwapResult struct {
	TxID            string
	ApprovalHash    *common.Hash
	WrapHash        *common.Hash
	TransactionHash *common.Hash
	OrderHash       string
}

// SwapOrchestrator runs swap flows: approve if needed, then the swap transaction or the
// UniswapX order.
type SwapOrchestrator struct {
	service  *TransactionService
	signer   Signer
	orders   OrderExecutionAPI
	notifier Notifier
}

// NewSwapOrchestrator creates a swap orchestrator. orders may be nil when UniswapX routing is
// not used; notifier may be nil.
func NewSwapOrchestrator(service *TransactionService, signer Signer, orders OrderExecutionAPI, notifier Notifier) *SwapOrchestrator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &SwapOrchestrator{service: service, signer: signer, orders: orders, notifier: notifier}
}

// ExecuteSwap runs the flow of p.Swap. An approval, when present, is submitted first and the
// next transaction uses its nonce + 1. OnFailure is called with the returned error.
func (o *SwapOrchestrator) ExecuteSwap(ctx context.Context, p SwapParams) (result SwapResult, err error) {
	if p.Swap == nil {
		return SwapResult{}, fmt.Errorf("%w: nothing to execute", ErrInvalidSwapInfo)
	}
	if p.TxID == "" {
		p.TxID = o.service.NewTransactionID()
	}

	exec := &swapExecution{
		ctx:    ctx,
		o:      o,
		params: p,
		flow: &flowRunner{
			service:     o.service,
			notifier:    o.notifier,
			onSubmitted: p.OnSubmitted,
		},
		result: SwapResult{TxID: p.TxID},
	}
	err = p.Swap.Accept(exec)
	if err != nil {
		logger.WithFields(logger.Fields{
			"tx_id":    p.TxID,
			"wallet":   p.Account.Address.Hex(),
			"chain_id": p.ChainID,
			"error":    err,
		}).Error("swap flow failed")
		if p.OnFailure != nil {
			p.OnFailure(err)
		}
		return exec.result, err
	}
	return exec.result, nil
}

// swapExecution is the SwapVisitor running one ExecuteSwap call.
type swapExecution struct {
	ctx    context.Context
	o      *SwapOrchestrator
	params SwapParams
	flow   *flowRunner
	result SwapResult
}

func (e *swapExecution) approve(req *TransactionRequest) error {
	if req == nil && e.params.PreSignedApproval == nil {
		return nil
	}
	var step flowStep
	if req != nil {
		step = approvalStep(e.params.Account, e.params.ChainID, *req, e.params.TxID, e.params.SubmitViaPrivateRPC)
	} else {
		step = approvalStep(e.params.Account, e.params.ChainID, e.params.PreSignedApproval.Request, e.params.TxID, e.params.SubmitViaPrivateRPC)
	}
	step.preSigned = e.params.PreSignedApproval

	res, err := e.flow.execute(e.ctx, step)
	if err != nil {
		return fmt.Errorf("approval: %w", err)
	}
	e.result.ApprovalHash = &res.TransactionHash
	return nil
}

func (e *swapExecution) VisitClassic(swap *ValidatedClassicSwap) error {
	if err := e.approve(swap.ApproveTxRequest); err != nil {
		return err
	}

	var info TypeInfo = SwapInfo{
		InputCurrencyID:  swap.Trade.InputCurrencyID,
		OutputCurrencyID: swap.Trade.OutputCurrencyID,
		InputAmount:      cloneBig(swap.Trade.InputAmount),
		OutputAmount:     cloneBig(swap.Trade.OutputAmount),
		ExactInput:       swap.Trade.ExactInput,
		QuoteID:          swap.Trade.QuoteID,
	}
	if swap.Routing == RoutingBridge {
		info = BridgeInfo{
			InputCurrencyID:  swap.Trade.InputCurrencyID,
			OutputCurrencyID: swap.Trade.OutputCurrencyID,
			InputAmount:      cloneBig(swap.Trade.InputAmount),
			OutputAmount:     cloneBig(swap.Trade.OutputAmount),
			QuoteID:          swap.Trade.QuoteID,
		}
	}

	step := flowStep{
		txID:      e.params.TxID,
		account:   e.params.Account,
		chainID:   e.params.ChainID,
		request:   swap.GasFee.ApplyTo(swap.TxRequest),
		preSigned: e.params.PreSignedSwap,
		private:   e.params.SubmitViaPrivateRPC,
		typeInfo:  info,
		routing:   swap.Routing,
		analytics: e.params.Analytics,
	}
	res, err := e.flow.execute(e.ctx, step)
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	e.result.TransactionHash = &res.TransactionHash

	e.flow.notify(e.ctx, step, &res.TransactionHash)
	if e.params.OnSuccess != nil {
		e.params.OnSuccess(res.TransactionHash)
	}
	return nil
}

func (e *swapExecution) VisitUniswapX(swap *ValidatedUniswapXSwap) error {
	if e.o.orders == nil {
		return fmt.Errorf("%w: no order execution api configured", ErrInvalidSwapInfo)
	}
	if err := e.approve(swap.ApproveTxRequest); err != nil {
		return err
	}

	// The filler pulls wrapped native from the wallet, so the wrap has to be mined before the
	// order is submitted.
	if swap.WrapTxRequest != nil {
		wrap, err := e.flow.executeSync(e.ctx, flowStep{
			account: e.params.Account,
			chainID: e.params.ChainID,
			request: *swap.WrapTxRequest,
			private: e.params.SubmitViaPrivateRPC,
			typeInfo: WrapInfo{
				CurrencyAmount: cloneBig(swap.WrapTxRequest.Value),
				SwapTxID:       e.params.TxID,
			},
			routing: RoutingClassic,
		})
		if err != nil {
			return fmt.Errorf("wrap: %w", err)
		}
		e.result.WrapHash = wrap.Hash
		if wrap.Receipt == nil || wrap.Receipt.Status != types.ReceiptStatusSuccessful {
			return fmt.Errorf("wrap transaction %s reverted", wrap.Hash.Hex())
		}
	}

	signature, err := e.o.signer.SignTypedData(e.ctx, e.params.Account, swap.Order.TypedData)
	if err != nil {
		return fmt.Errorf("sign order: %w", err)
	}
	submitted, err := e.o.orders.SubmitOrder(e.ctx, OrderSubmission{
		ChainID:      e.params.ChainID,
		EncodedOrder: swap.Order.EncodedOrder,
		Signature:    hexutil.Encode(signature),
		QuoteID:      swap.Trade.QuoteID,
		Routing:      string(swap.Routing),
	})
	if err != nil {
		return fmt.Errorf("submit order: %w", err)
	}
	e.result.OrderHash = submitted.OrderHash

	info := UniswapXOrderInfo{
		InputCurrencyID:  swap.Trade.InputCurrencyID,
		OutputCurrencyID: swap.Trade.OutputCurrencyID,
		InputAmount:      cloneBig(swap.Trade.InputAmount),
		OutputAmount:     cloneBig(swap.Trade.OutputAmount),
		QuoteID:          swap.Trade.QuoteID,
	}
	record := TransactionDetails{
		ID:        e.params.TxID,
		ChainID:   e.params.ChainID,
		From:      e.params.Account.Address,
		Routing:   swap.Routing,
		TypeInfo:  info,
		Status:    StatusPending,
		AddedTime: e.o.service.now(),
		Order: &OrderInfo{
			OrderHash:    submitted.OrderHash,
			EncodedOrder: swap.Order.EncodedOrder,
			Permit2Nonce: cloneBig(swap.Order.Permit2Nonce),
			Expiry:       swap.Order.Expiry,
			QueueStatus:  submitted.Status,
		},
		TransactionOriginType: TransactionOriginInternal,
	}
	if err := e.o.service.store.AddTransaction(e.ctx, record); err != nil {
		return fmt.Errorf("record order: %w", err)
	}

	orderHash := common.HexToHash(submitted.OrderHash)
	e.o.service.analytics.TrackSubmitted(e.ctx, SubmissionEvent{
		TxID:                  record.ID,
		ChainID:               record.ChainID,
		Hash:                  orderHash,
		Type:                  TransactionTypeUniswapXOrder,
		Routing:               record.Routing,
		TransactionOriginType: TransactionOriginInternal,
		Properties:            e.params.Analytics,
	})
	if e.params.OnSubmitted != nil {
		if err := e.params.OnSubmitted(record); err != nil {
			return err
		}
	}

	e.flow.notify(e.ctx, flowStep{
		txID:     record.ID,
		account:  e.params.Account,
		chainID:  e.params.ChainID,
		typeInfo: info,
		routing:  swap.Routing,
	}, nil)
	if e.params.OnSuccess != nil {
		e.params.OnSuccess(orderHash)
	}

	logger.WithFields(logger.Fields{
		"tx_id":      record.ID,
		"chain_id":   record.ChainID,
		"order_hash": submitted.OrderHash,
		"routing":    record.Routing,
	}).Info("order submitted")
	return nil
}
