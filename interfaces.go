package walletcore

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ChainProvider is the node access a chain needs for nonce lookup and submission.
type ChainProvider interface {
	// PendingNonceAt returns the account transaction count including the node's pending pool.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// SendTransactionSync submits with eth_sendRawTransactionSync and returns the receipt
	// once the transaction is included.
	SendTransactionSync(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SupportsSyncTx() bool
	Name() string
}

// ProviderResolver maps a chain to its provider. It is the supported-chain check: an unknown
// chain id yields ErrUnsupportedChain.
type ProviderResolver interface {
	Provider(chainID uint64, viaPrivateRPC bool) (ChainProvider, error)
}

// GasFeeResult holds the fee parameters for one request.
type GasFeeResult struct {
	GasLimit             uint64   `json:"gasLimit"`
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
}

// IsDynamicFee reports whether the result carries EIP-1559 fields.
func (g GasFeeResult) IsDynamicFee() bool {
	return g.MaxFeePerGas != nil
}

// ApplyTo fills the gas fields of req that are not set yet.
func (g GasFeeResult) ApplyTo(req TransactionRequest) TransactionRequest {
	out := req.Clone()
	if out.GasLimit == 0 {
		out.GasLimit = g.GasLimit
	}
	if out.GasPrice != nil || (out.MaxFeePerGas != nil && out.MaxPriorityFeePerGas != nil) {
		return out
	}
	if g.IsDynamicFee() {
		out.GasPrice = nil
		out.MaxFeePerGas = cloneBig(g.MaxFeePerGas)
		out.MaxPriorityFeePerGas = cloneBig(g.MaxPriorityFeePerGas)
	} else {
		out.GasPrice = cloneBig(g.GasPrice)
	}
	return out
}

// GasFeeEstimator supplies fee parameters for a request.
type GasFeeEstimator interface {
	EstimateFees(ctx context.Context, req TransactionRequest) (GasFeeResult, error)
}

// Signer signs populated requests for local accounts. Implementations may block on user
// interaction.
type Signer interface {
	SignTransaction(ctx context.Context, account AccountMeta, req TransactionRequest) (*types.Transaction, error)
	SignTypedData(ctx context.Context, account AccountMeta, data apitypes.TypedData) ([]byte, error)
}

// AccountResolver resolves an address to one of the wallet's local accounts.
type AccountResolver interface {
	Account(address common.Address) (AccountMeta, bool)
}

// OrderSubmission is a signed off-chain order ready for the order-execution API.
type OrderSubmission struct {
	ChainID      uint64 `json:"chainId"`
	EncodedOrder string `json:"encodedOrder"`
	Signature    string `json:"signature"`
	QuoteID      string `json:"quoteId,omitempty"`
	Routing      string `json:"routing"`
}

// OrderSubmissionResult is the order-execution API answer.
type OrderSubmissionResult struct {
	OrderHash string `json:"hash"`
	Status    string `json:"orderStatus"`
}

// OrderExecutionAPI accepts signed off-chain orders.
type OrderExecutionAPI interface {
	SubmitOrder(ctx context.Context, order OrderSubmission) (OrderSubmissionResult, error)
}

// SubmissionEvent is the analytics payload of an accepted submission.
type SubmissionEvent struct {
	TxID                  string
	ChainID               uint64
	Hash                  common.Hash
	Type                  TransactionType
	Routing               Routing
	TransactionOriginType TransactionOriginType
	ViaPrivateRPC         bool
	Sync                  bool
	Properties            map[string]any
}

// AnalyticsSink records submission analytics.
type AnalyticsSink interface {
	TrackSubmitted(ctx context.Context, event SubmissionEvent)
	TrackFailed(ctx context.Context, stage string, chainID uint64)
}

// PendingNotification is the user-facing payload for a transaction that just went pending.
type PendingNotification struct {
	TxID    string
	ChainID uint64
	Account common.Address
	Hash    *common.Hash
	Type    TransactionType
	Routing Routing
}

// Notifier dispatches user-facing notifications.
type Notifier interface {
	NotifyPending(ctx context.Context, n PendingNotification)
}

type nopAnalytics struct{}

func (nopAnalytics) TrackSubmitted(context.Context, SubmissionEvent) {}
func (nopAnalytics) TrackFailed(context.Context, string, uint64)     {}

type nopNotifier struct{}

func (nopNotifier) NotifyPending(context.Context, PendingNotification) {}
