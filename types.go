package walletcore

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Constants for transaction execution
const (
	DefaultSyncPollInterval = 2 * time.Second

	// Replacement fee bump. Nodes reject a same-nonce replacement below +10%.
	ReplacementFeeBumpPercent = 1.1
)

// Routing identifies how a transaction or order reaches the chain.
type Routing string

const (
	RoutingClassic    Routing = "CLASSIC"
	RoutingBridge     Routing = "BRIDGE"
	RoutingDutchV2    Routing = "DUTCH_V2"
	RoutingDutchV3    Routing = "DUTCH_V3"
	RoutingDutchLimit Routing = "DUTCH_LIMIT"
	RoutingPriority   Routing = "PRIORITY"
	RoutingJupiter    Routing = "JUPITER"
)

// IsUniswapX reports whether the routing is an off-chain signed order filled by a third party.
func (r Routing) IsUniswapX() bool {
	switch r {
	case RoutingDutchV2, RoutingDutchV3, RoutingDutchLimit, RoutingPriority:
		return true
	default:
		return false
	}
}

// IsEVMTransaction reports whether records with this routing carry an EVM request snapshot.
func (r Routing) IsEVMTransaction() bool {
	return r == RoutingClassic || r == RoutingBridge
}

// TransactionStatus is the lifecycle status of a stored transaction.
type TransactionStatus string

const (
	StatusPending           TransactionStatus = "pending"
	StatusCancelling        TransactionStatus = "cancelling"
	StatusReplacing         TransactionStatus = "replacing"
	StatusSuccess           TransactionStatus = "confirmed"
	StatusFailed            TransactionStatus = "failed"
	StatusCancelled         TransactionStatus = "cancelled"
	StatusFailedCancel      TransactionStatus = "failedCancel"
	StatusExpired           TransactionStatus = "expired"
	StatusInsufficientFunds TransactionStatus = "insufficientFunds"
	StatusUnknown           TransactionStatus = "unknown"
)

// IsFinal reports whether the status is terminal. Only the confirmation watcher moves a
// record out of a terminal status, through ReconcileTransaction.
func (s TransactionStatus) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusFailedCancel, StatusExpired:
		return true
	default:
		return false
	}
}

// occupiesNonce reports whether a record with this status still holds its nonce unconfirmed.
func (s TransactionStatus) occupiesNonce() bool {
	return s == StatusPending || s == StatusCancelling || s == StatusReplacing
}

// TransactionOriginType tells whether a transaction was started inside the wallet or by a dapp.
type TransactionOriginType string

const (
	TransactionOriginInternal TransactionOriginType = "internal"
	TransactionOriginExternal TransactionOriginType = "external"
)

// AccountType is the capability class of a local account.
type AccountType string

const (
	AccountTypeSigner   AccountType = "signerMnemonic"
	AccountTypeReadonly AccountType = "readonly"
)

// AccountMeta describes a local account.
type AccountMeta struct {
	Address common.Address `json:"address"`
	Type    AccountType    `json:"type"`
}

// CanSign reports whether the account holds a key able to sign.
func (a AccountMeta) CanSign() bool {
	return a.Type == AccountTypeSigner
}

// Receipt is the confirmation data attached to a transaction once it is included.
type Receipt struct {
	Status            uint64      `json:"status"`
	BlockHash         common.Hash `json:"blockHash"`
	BlockNumber       uint64      `json:"blockNumber"`
	TransactionIndex  uint        `json:"transactionIndex"`
	GasUsed           uint64      `json:"gasUsed"`
	EffectiveGasPrice *big.Int    `json:"effectiveGasPrice,omitempty"`
	ConfirmedTime     time.Time   `json:"confirmedTime"`
}

// NewReceipt converts a node receipt into the stored form.
func NewReceipt(r *types.Receipt, confirmedAt time.Time) *Receipt {
	if r == nil {
		return nil
	}
	receipt := &Receipt{
		Status:            r.Status,
		BlockHash:         r.BlockHash,
		TransactionIndex:  r.TransactionIndex,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		ConfirmedTime:     confirmedAt,
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	return receipt
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

// TransactionOptions holds the request snapshot and submission metadata of an on-chain record.
type TransactionOptions struct {
	Request                 TransactionRequest `json:"request"`
	SubmitViaPrivateRPC     bool               `json:"submitViaPrivateRpc,omitempty"`
	PrivateRPCProvider      string             `json:"privateRpcProvider,omitempty"`
	ReplacedTransactionHash *common.Hash       `json:"replacedTransactionHash,omitempty"`
	ReplacedTransactionID   string             `json:"replacedTransactionId,omitempty"`
	IsCancellation          bool               `json:"isCancellation,omitempty"`
	RPCSubmissionTimestamp  *time.Time         `json:"rpcSubmissionTimestamp,omitempty"`
	RPCSubmissionDelay      time.Duration      `json:"rpcSubmissionDelay,omitempty"`
}

// Clone returns a deep copy.
func (o *TransactionOptions) Clone() *TransactionOptions {
	if o == nil {
		return nil
	}
	c := *o
	c.Request = o.Request.Clone()
	if o.ReplacedTransactionHash != nil {
		h := *o.ReplacedTransactionHash
		c.ReplacedTransactionHash = &h
	}
	if o.RPCSubmissionTimestamp != nil {
		ts := *o.RPCSubmissionTimestamp
		c.RPCSubmissionTimestamp = &ts
	}
	return &c
}

// OrderInfo is the off-chain part of a UniswapX order record.
type OrderInfo struct {
	OrderHash    string    `json:"orderHash,omitempty"`
	EncodedOrder string    `json:"encodedOrder,omitempty"`
	Permit2Nonce *big.Int  `json:"permit2Nonce,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	QueueStatus  string    `json:"queueStatus,omitempty"`
}

// TransactionKey addresses one record in the state store.
type TransactionKey struct {
	From    common.Address
	ChainID uint64
	ID      string
}

// TransactionDetails is the canonical record of a submitted transaction or order.
//
// EVM routings (classic, bridge) carry Options with the exact request that was sent.
// UniswapX routings carry Order instead.
type TransactionDetails struct {
	ID                     string                `json:"id"`
	Hash                   *common.Hash          `json:"hash,omitempty"`
	ChainID                uint64                `json:"chainId"`
	From                   common.Address        `json:"from"`
	Routing                Routing               `json:"routing"`
	TypeInfo               TypeInfo              `json:"-"`
	Status                 TransactionStatus     `json:"status"`
	AddedTime              time.Time             `json:"addedTime"`
	Receipt                *Receipt              `json:"receipt,omitempty"`
	Options                *TransactionOptions   `json:"options,omitempty"`
	Order                  *OrderInfo            `json:"order,omitempty"`
	TransactionOriginType  TransactionOriginType `json:"transactionOriginType"`
	BatchID                string                `json:"batchId,omitempty"`
	CancelRequest          *TransactionRequest   `json:"cancelRequest,omitempty"`
	LastCheckedBlockNumber uint64                `json:"lastCheckedBlockNumber,omitempty"`
}

// Key returns the store key of the record.
func (d *TransactionDetails) Key() TransactionKey {
	return TransactionKey{From: d.From, ChainID: d.ChainID, ID: d.ID}
}

// Nonce returns the nonce of the request snapshot, if any.
func (d *TransactionDetails) Nonce() (uint64, bool) {
	if d.Options == nil || d.Options.Request.Nonce == nil {
		return 0, false
	}
	return *d.Options.Request.Nonce, true
}

// Clone returns a copy that shares no mutable state with d.
func (d *TransactionDetails) Clone() *TransactionDetails {
	c := *d
	if d.Hash != nil {
		h := *d.Hash
		c.Hash = &h
	}
	if d.Receipt != nil {
		r := *d.Receipt
		c.Receipt = &r
	}
	c.Options = d.Options.Clone()
	if d.Order != nil {
		o := *d.Order
		c.Order = &o
	}
	if d.CancelRequest != nil {
		req := d.CancelRequest.Clone()
		c.CancelRequest = &req
	}
	return &c
}

// CalculatedNonce is the NonceOracle answer for one prepare call.
type CalculatedNonce struct {
	Nonce        uint64
	PendingCount int
}

// SubmitResult is returned once the network accepted a transaction.
type SubmitResult struct {
	TransactionHash common.Hash
	Nonce           uint64
}
