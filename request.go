package walletcore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionRequest is a populated or partially populated EVM transaction request.
// Nil pointers and zero gas limit mean "not set yet".
type TransactionRequest struct {
	ChainID              uint64          `json:"chainId"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Value                *big.Int        `json:"value,omitempty"`
	Nonce                *uint64         `json:"nonce,omitempty"`
	GasLimit             uint64          `json:"gasLimit,omitempty"`
	GasPrice             *big.Int        `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int        `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int        `json:"maxPriorityFeePerGas,omitempty"`
}

// Clone returns a deep copy of the request.
func (r TransactionRequest) Clone() TransactionRequest {
	c := r
	if r.To != nil {
		to := *r.To
		c.To = &to
	}
	if r.Data != nil {
		c.Data = common.CopyBytes(r.Data)
	}
	if r.Nonce != nil {
		n := *r.Nonce
		c.Nonce = &n
	}
	c.Value = cloneBig(r.Value)
	c.GasPrice = cloneBig(r.GasPrice)
	c.MaxFeePerGas = cloneBig(r.MaxFeePerGas)
	c.MaxPriorityFeePerGas = cloneBig(r.MaxPriorityFeePerGas)
	return c
}

// Merge returns a copy of r with every field that is set on o copied over.
// Chain id and sender are never taken from o.
func (r TransactionRequest) Merge(o TransactionRequest) TransactionRequest {
	m := r.Clone()
	o = o.Clone()
	if o.To != nil {
		m.To = o.To
	}
	if o.Data != nil {
		m.Data = o.Data
	}
	if o.Value != nil {
		m.Value = o.Value
	}
	if o.Nonce != nil {
		m.Nonce = o.Nonce
	}
	if o.GasLimit != 0 {
		m.GasLimit = o.GasLimit
	}
	if o.GasPrice != nil {
		m.GasPrice = o.GasPrice
		m.MaxFeePerGas = nil
		m.MaxPriorityFeePerGas = nil
	}
	if o.MaxFeePerGas != nil {
		m.MaxFeePerGas = o.MaxFeePerGas
		m.GasPrice = nil
	}
	if o.MaxPriorityFeePerGas != nil {
		m.MaxPriorityFeePerGas = o.MaxPriorityFeePerGas
	}
	return m
}

// WithNonce returns a copy of r using the given nonce.
func (r TransactionRequest) WithNonce(nonce uint64) TransactionRequest {
	c := r.Clone()
	c.Nonce = &nonce
	return c
}

// IsDynamicFee reports whether the request uses EIP-1559 fee fields.
func (r TransactionRequest) IsDynamicFee() bool {
	return r.MaxFeePerGas != nil
}

// HasGasFields reports whether gas limit and a complete fee setting are present.
func (r TransactionRequest) HasGasFields() bool {
	if r.GasLimit == 0 {
		return false
	}
	if r.GasPrice != nil {
		return true
	}
	return r.MaxFeePerGas != nil && r.MaxPriorityFeePerGas != nil
}

// CallMsg converts the request into a message usable for gas estimation.
func (r TransactionRequest) CallMsg() ethereum.CallMsg {
	return ethereum.CallMsg{
		From:      r.From,
		To:        r.To,
		Gas:       r.GasLimit,
		GasPrice:  r.GasPrice,
		GasFeeCap: r.MaxFeePerGas,
		GasTipCap: r.MaxPriorityFeePerGas,
		Value:     r.Value,
		Data:      r.Data,
	}
}

// ToTransaction builds the unsigned transaction. Nonce, chain id and gas fields must be set.
func (r TransactionRequest) ToTransaction() (*types.Transaction, error) {
	if r.Nonce == nil {
		return nil, ErrMissingNonce
	}
	if r.ChainID == 0 {
		return nil, fmt.Errorf("%w: chain id 0", ErrUnsupportedChain)
	}
	if !r.HasGasFields() {
		return nil, fmt.Errorf("transaction request has incomplete gas fields")
	}
	value := r.Value
	if value == nil {
		value = new(big.Int)
	}

	if r.IsDynamicFee() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(r.ChainID),
			Nonce:     *r.Nonce,
			GasTipCap: r.MaxPriorityFeePerGas,
			GasFeeCap: r.MaxFeePerGas,
			Gas:       r.GasLimit,
			To:        r.To,
			Value:     value,
			Data:      r.Data,
		}), nil
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    *r.Nonce,
		GasPrice: r.GasPrice,
		Gas:      r.GasLimit,
		To:       r.To,
		Value:    value,
		Data:     r.Data,
	}), nil
}

// SignedTransactionRequest couples a signed transaction with the request it was built from.
// It belongs to exactly one submit call.
type SignedTransactionRequest struct {
	Request     TransactionRequest
	Transaction *types.Transaction

	// reserved is set while the nonce is held in the oracle on behalf of this request.
	reserved bool
}

// Hash returns the hash of the signed transaction.
func (s *SignedTransactionRequest) Hash() common.Hash {
	return s.Transaction.Hash()
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// TxRequest builds an ExecuteParams with a fluent API, similar to go-resty's R().
type TxRequest struct {
	svc    *TransactionService
	params ExecuteParams
}

// R creates a new execute request bound to the service.
func (s *TransactionService) R() *TxRequest {
	return &TxRequest{
		svc: s,
		params: ExecuteParams{
			Routing:               RoutingClassic,
			TransactionOriginType: TransactionOriginInternal,
		},
	}
}

// SetAccount sets the sending account
func (r *TxRequest) SetAccount(account AccountMeta) *TxRequest {
	r.params.Account = account
	return r
}

// SetChainID sets the target chain
func (r *TxRequest) SetChainID(chainID uint64) *TxRequest {
	r.params.ChainID = chainID
	return r
}

// SetTo sets the recipient
func (r *TxRequest) SetTo(to common.Address) *TxRequest {
	r.params.Request.To = &to
	return r
}

// SetValue sets the value in wei
func (r *TxRequest) SetValue(value *big.Int) *TxRequest {
	r.params.Request.Value = cloneBig(value)
	return r
}

// SetData sets the calldata
func (r *TxRequest) SetData(data []byte) *TxRequest {
	r.params.Request.Data = common.CopyBytes(data)
	return r
}

// SetNonce pins the nonce instead of asking the oracle
func (r *TxRequest) SetNonce(nonce uint64) *TxRequest {
	r.params.Request.Nonce = &nonce
	return r
}

// SetGasLimit sets the gas limit
func (r *TxRequest) SetGasLimit(gasLimit uint64) *TxRequest {
	r.params.Request.GasLimit = gasLimit
	return r
}

// SetTypeInfo sets the type info. Without it the transaction is not tracked in the store.
func (r *TxRequest) SetTypeInfo(info TypeInfo) *TxRequest {
	r.params.TypeInfo = info
	return r
}

// SetRouting sets the routing of the stored record
func (r *TxRequest) SetRouting(routing Routing) *TxRequest {
	r.params.Routing = routing
	return r
}

// SetOrigin sets the origin type
func (r *TxRequest) SetOrigin(origin TransactionOriginType) *TxRequest {
	r.params.TransactionOriginType = origin
	return r
}

// SetSubmitViaPrivateRPC routes the submission through the chain's private RPC
func (r *TxRequest) SetSubmitViaPrivateRPC(private bool) *TxRequest {
	r.params.Options.SubmitViaPrivateRPC = private
	return r
}

// SetTxID sets the local id of the record
func (r *TxRequest) SetTxID(id string) *TxRequest {
	r.params.TxID = id
	return r
}

// SetIdempotencyKey sets the idempotency key for preventing duplicate submissions
func (r *TxRequest) SetIdempotencyKey(key string) *TxRequest {
	r.params.IdempotencyKey = key
	return r
}

// Params returns a copy of the built parameters
func (r *TxRequest) Params() ExecuteParams {
	p := r.params
	p.Request = r.params.Request.Clone()
	p.Options = *r.params.Options.Clone()
	return p
}

// Execute runs prepare, sign and submit
func (r *TxRequest) Execute(ctx context.Context) (SubmitResult, error) {
	return r.svc.ExecuteTransaction(ctx, r.Params())
}
