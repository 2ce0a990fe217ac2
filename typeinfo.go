package walletcore

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionType names the user intent behind a transaction.
type TransactionType string

const (
	TransactionTypeApprove          TransactionType = "approve"
	TransactionTypePermit2Approve   TransactionType = "permit2-approve"
	TransactionTypeSwap             TransactionType = "swap"
	TransactionTypeBridge           TransactionType = "bridge"
	TransactionTypeWrap             TransactionType = "wrap"
	TransactionTypeSend             TransactionType = "send"
	TransactionTypeSendCalls        TransactionType = "send-calls"
	TransactionTypeRemoveDelegation TransactionType = "remove-delegation"
	TransactionTypeUniswapXOrder    TransactionType = "uniswapx-order"
	TransactionTypeUnknown          TransactionType = "unknown"
)

// TypeInfo describes what a transaction does. The concrete types below are the only
// implementations.
type TypeInfo interface {
	TransactionType() TransactionType
	isTypeInfo()
}

// ApproveInfo is an ERC-20 allowance grant.
type ApproveInfo struct {
	TokenAddress common.Address `json:"tokenAddress"`
	Spender      common.Address `json:"spender"`
	Amount       *big.Int       `json:"approvalAmount,omitempty"`
	SwapTxID     string         `json:"swapTxId,omitempty"`
}

// Permit2ApproveInfo is an allowance grant to the Permit2 contract.
type Permit2ApproveInfo struct {
	TokenAddress common.Address `json:"tokenAddress"`
	Spender      common.Address `json:"spender"`
	Amount       *big.Int       `json:"amount,omitempty"`
}

// SwapInfo is an exact-input or exact-output token swap.
type SwapInfo struct {
	InputCurrencyID  string   `json:"inputCurrencyId"`
	OutputCurrencyID string   `json:"outputCurrencyId"`
	InputAmount      *big.Int `json:"inputCurrencyAmountRaw,omitempty"`
	OutputAmount     *big.Int `json:"outputCurrencyAmountRaw,omitempty"`
	ExactInput       bool     `json:"exactInput"`
	QuoteID          string   `json:"quoteId,omitempty"`
}

// BridgeInfo is a cross-chain swap.
type BridgeInfo struct {
	InputCurrencyID  string   `json:"inputCurrencyId"`
	OutputCurrencyID string   `json:"outputCurrencyId"`
	InputAmount      *big.Int `json:"inputCurrencyAmountRaw,omitempty"`
	OutputAmount     *big.Int `json:"outputCurrencyAmountRaw,omitempty"`
	QuoteID          string   `json:"quoteId,omitempty"`
}

// WrapInfo is a native <-> wrapped native conversion.
type WrapInfo struct {
	Unwrapped      bool     `json:"unwrapped"`
	CurrencyAmount *big.Int `json:"currencyAmountRaw,omitempty"`
	SwapTxID       string   `json:"swapTxId,omitempty"`
}

// SendInfo is a native or token transfer.
type SendInfo struct {
	TokenAddress common.Address `json:"tokenAddress"`
	Recipient    common.Address `json:"recipient"`
	Amount       *big.Int       `json:"currencyAmountRaw,omitempty"`
}

// SendCallsInfo is an EIP-5792 batch of calls sent as one transaction.
type SendCallsInfo struct {
	BatchID   string `json:"batchId"`
	CallCount int    `json:"callCount"`
	Dapp      string `json:"dappUrl,omitempty"`
}

// RemoveDelegationInfo clears an EIP-7702 delegation.
type RemoveDelegationInfo struct{}

// UniswapXOrderInfo is an off-chain order filled by a third party.
type UniswapXOrderInfo struct {
	InputCurrencyID  string   `json:"inputCurrencyId"`
	OutputCurrencyID string   `json:"outputCurrencyId"`
	InputAmount      *big.Int `json:"inputCurrencyAmountRaw,omitempty"`
	OutputAmount     *big.Int `json:"outputCurrencyAmountRaw,omitempty"`
	QuoteID          string   `json:"quoteId,omitempty"`
}

// UnknownInfo covers transactions the wallet cannot classify, typically dapp requests.
type UnknownInfo struct {
	Dapp string `json:"dappUrl,omitempty"`
}

func (ApproveInfo) TransactionType() TransactionType          { return TransactionTypeApprove }
func (Permit2ApproveInfo) TransactionType() TransactionType   { return TransactionTypePermit2Approve }
func (SwapInfo) TransactionType() TransactionType             { return TransactionTypeSwap }
func (BridgeInfo) TransactionType() TransactionType           { return TransactionTypeBridge }
func (WrapInfo) TransactionType() TransactionType             { return TransactionTypeWrap }
func (SendInfo) TransactionType() TransactionType             { return TransactionTypeSend }
func (SendCallsInfo) TransactionType() TransactionType        { return TransactionTypeSendCalls }
func (RemoveDelegationInfo) TransactionType() TransactionType { return TransactionTypeRemoveDelegation }
func (UniswapXOrderInfo) TransactionType() TransactionType    { return TransactionTypeUniswapXOrder }
func (UnknownInfo) TransactionType() TransactionType          { return TransactionTypeUnknown }

func (ApproveInfo) isTypeInfo()          {}
func (Permit2ApproveInfo) isTypeInfo()   {}
func (SwapInfo) isTypeInfo()             {}
func (BridgeInfo) isTypeInfo()           {}
func (WrapInfo) isTypeInfo()             {}
func (SendInfo) isTypeInfo()             {}
func (SendCallsInfo) isTypeInfo()        {}
func (RemoveDelegationInfo) isTypeInfo() {}
func (UniswapXOrderInfo) isTypeInfo()    {}
func (UnknownInfo) isTypeInfo()          {}

type typeInfoEnvelope struct {
	Type TransactionType `json:"type"`
	Info json.RawMessage `json:"info,omitempty"`
}

// MarshalTypeInfo encodes a TypeInfo with its type discriminator.
func MarshalTypeInfo(info TypeInfo) ([]byte, error) {
	if info == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typeInfoEnvelope{Type: info.TransactionType(), Info: raw})
}

// UnmarshalTypeInfo decodes the output of MarshalTypeInfo.
func UnmarshalTypeInfo(data []byte) (TypeInfo, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env typeInfoEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode type info envelope: %w", err)
	}

	var (
		info TypeInfo
		err  error
	)
	switch env.Type {
	case TransactionTypeApprove:
		info = decodeInfo[ApproveInfo](env.Info, &err)
	case TransactionTypePermit2Approve:
		info = decodeInfo[Permit2ApproveInfo](env.Info, &err)
	case TransactionTypeSwap:
		info = decodeInfo[SwapInfo](env.Info, &err)
	case TransactionTypeBridge:
		info = decodeInfo[BridgeInfo](env.Info, &err)
	case TransactionTypeWrap:
		info = decodeInfo[WrapInfo](env.Info, &err)
	case TransactionTypeSend:
		info = decodeInfo[SendInfo](env.Info, &err)
	case TransactionTypeSendCalls:
		info = decodeInfo[SendCallsInfo](env.Info, &err)
	case TransactionTypeRemoveDelegation:
		info = RemoveDelegationInfo{}
	case TransactionTypeUniswapXOrder:
		info = decodeInfo[UniswapXOrderInfo](env.Info, &err)
	case TransactionTypeUnknown:
		info = decodeInfo[UnknownInfo](env.Info, &err)
	default:
		return nil, fmt.Errorf("unknown transaction type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s type info: %w", env.Type, err)
	}
	return info, nil
}

func decodeInfo[T TypeInfo](raw json.RawMessage, errOut *error) T {
	var v T
	if len(raw) == 0 {
		return v
	}
	*errOut = json.Unmarshal(raw, &v)
	return v
}

type detailsJSON struct {
	*detailsAlias
	TypeInfo json.RawMessage `json:"typeInfo,omitempty"`
}

type detailsAlias TransactionDetails

// MarshalJSON encodes the record including its type info discriminator.
func (d TransactionDetails) MarshalJSON() ([]byte, error) {
	info, err := MarshalTypeInfo(d.TypeInfo)
	if err != nil {
		return nil, err
	}
	alias := detailsAlias(d)
	return json.Marshal(detailsJSON{detailsAlias: &alias, TypeInfo: info})
}

// UnmarshalJSON decodes a record produced by MarshalJSON.
func (d *TransactionDetails) UnmarshalJSON(data []byte) error {
	aux := detailsJSON{detailsAlias: (*detailsAlias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	info, err := UnmarshalTypeInfo(aux.TypeInfo)
	if err != nil {
		return err
	}
	d.TypeInfo = info
	return nil
}
