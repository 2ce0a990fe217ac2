package walletcore

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Trade is the quoted trade a swap executes.
type Trade struct {
	InputCurrencyID  string   `json:"inputCurrencyId"`
	OutputCurrencyID string   `json:"outputCurrencyId"`
	InputAmount      *big.Int `json:"inputAmount"`
	OutputAmount     *big.Int `json:"outputAmount"`
	ExactInput       bool     `json:"exactInput"`
	QuoteID          string   `json:"quoteId,omitempty"`
}

// UniswapXOrder is the unsigned off-chain order of a UniswapX swap.
type UniswapXOrder struct {
	EncodedOrder string             `json:"encodedOrder"`
	TypedData    apitypes.TypedData `json:"typedData"`
	Permit2Nonce *big.Int           `json:"permit2Nonce"`
	Expiry       time.Time          `json:"expiry"`
}

// SwapTxAndGasInfo is the unvalidated swap context as assembled from a quote. Every field may
// be missing; ValidateSwapTxAndGasInfo turns it into a variant where the fields the routing
// needs are guaranteed.
type SwapTxAndGasInfo struct {
	Routing          Routing             `json:"routing"`
	Trade            *Trade              `json:"trade,omitempty"`
	GasFee           *GasFeeResult       `json:"gasFee,omitempty"`
	ApproveTxRequest *TransactionRequest `json:"approveTxRequest,omitempty"`
	// TxRequest is the swap transaction of classic and bridge routings.
	TxRequest *TransactionRequest `json:"txRequest,omitempty"`
	// WrapTxRequest wraps native currency before a UniswapX order.
	WrapTxRequest *TransactionRequest `json:"wrapTxRequest,omitempty"`
	Order         *UniswapXOrder      `json:"order,omitempty"`
}

// ValidatedSwapTxAndGasInfo is a swap context whose routing-specific fields are all present.
// The two implementations are *ValidatedClassicSwap and *ValidatedUniswapXSwap; handle them
// with a SwapVisitor.
type ValidatedSwapTxAndGasInfo interface {
	Accept(v SwapVisitor) error
	isValidatedSwap()
}

// SwapVisitor handles every validated swap variant. Adding a variant adds a method here, so
// every handler fails to compile until it covers it.
type SwapVisitor interface {
	VisitClassic(swap *ValidatedClassicSwap) error
	VisitUniswapX(swap *ValidatedUniswapXSwap) error
}

// ValidatedClassicSwap is an on-chain swap or bridge.
type ValidatedClassicSwap struct {
	Routing          Routing
	Trade            Trade
	GasFee           GasFeeResult
	ApproveTxRequest *TransactionRequest
	TxRequest        TransactionRequest
}

// ValidatedUniswapXSwap is an off-chain order, optionally preceded by an approval and a wrap.
type ValidatedUniswapXSwap struct {
	Routing          Routing
	Trade            Trade
	GasFee           GasFeeResult
	ApproveTxRequest *TransactionRequest
	WrapTxRequest    *TransactionRequest
	Order            UniswapXOrder
}

func (s *ValidatedClassicSwap) Accept(v SwapVisitor) error  { return v.VisitClassic(s) }
func (s *ValidatedUniswapXSwap) Accept(v SwapVisitor) error { return v.VisitUniswapX(s) }

func (*ValidatedClassicSwap) isValidatedSwap()  {}
func (*ValidatedUniswapXSwap) isValidatedSwap() {}

// ValidateSwapTxAndGasInfo checks that info carries what its routing needs.
func ValidateSwapTxAndGasInfo(info SwapTxAndGasInfo) (ValidatedSwapTxAndGasInfo, error) {
	if info.Trade == nil {
		return nil, fmt.Errorf("%w: missing trade", ErrInvalidSwapInfo)
	}
	if info.GasFee == nil || (info.GasFee.GasPrice == nil && info.GasFee.MaxFeePerGas == nil) {
		return nil, fmt.Errorf("%w: missing gas fee value", ErrInvalidSwapInfo)
	}
	approve := cloneRequestPtr(info.ApproveTxRequest)

	switch {
	case info.Routing.IsEVMTransaction():
		if info.TxRequest == nil {
			return nil, fmt.Errorf("%w: %s swap without transaction request", ErrInvalidSwapInfo, info.Routing)
		}
		return &ValidatedClassicSwap{
			Routing:          info.Routing,
			Trade:            *info.Trade,
			GasFee:           *info.GasFee,
			ApproveTxRequest: approve,
			TxRequest:        info.TxRequest.Clone(),
		}, nil

	case info.Routing.IsUniswapX():
		if info.Order == nil || info.Order.EncodedOrder == "" {
			return nil, fmt.Errorf("%w: %s swap without order", ErrInvalidSwapInfo, info.Routing)
		}
		if info.Order.Permit2Nonce == nil {
			return nil, fmt.Errorf("%w: order without permit2 nonce", ErrInvalidSwapInfo)
		}
		return &ValidatedUniswapXSwap{
			Routing:          info.Routing,
			Trade:            *info.Trade,
			GasFee:           *info.GasFee,
			ApproveTxRequest: approve,
			WrapTxRequest:    cloneRequestPtr(info.WrapTxRequest),
			Order:            *info.Order,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported routing %q", ErrInvalidSwapInfo, info.Routing)
	}
}

func cloneRequestPtr(r *TransactionRequest) *TransactionRequest {
	if r == nil {
		return nil
	}
	c := r.Clone()
	return &c
}
