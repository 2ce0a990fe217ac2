package walletcore

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Permit2Address is the canonical Permit2 deployment, identical on every supported chain.
var Permit2Address = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

const permit2ABIJSON = `[{
	"name": "invalidateUnorderedNonces",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "wordPos", "type": "uint256"},
		{"name": "mask", "type": "uint256"}
	],
	"outputs": []
}]`

var permit2ABI = mustParseABI(permit2ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded abi: %v", err))
	}
	return parsed
}

// EncodeInvalidateUnorderedNonce returns the Permit2 calldata that burns one unordered nonce.
// Permit2 keeps 256 nonces per bitmap word: the word is nonce >> 8, the bit is nonce & 0xff.
func EncodeInvalidateUnorderedNonce(nonce *big.Int) ([]byte, error) {
	if nonce == nil || nonce.Sign() < 0 {
		return nil, ErrMissingPermitNonce
	}
	wordPos := new(big.Int).Rsh(nonce, 8)
	bit := new(big.Int).And(nonce, big.NewInt(0xff))
	mask := new(big.Int).Lsh(big.NewInt(1), uint(bit.Uint64()))
	return permit2ABI.Pack("invalidateUnorderedNonces", wordPos, mask)
}

// CancelOrchestrator cancels pending transactions and off-chain orders.
type CancelOrchestrator struct {
	service  *TransactionService
	replacer *ReplaceOrchestrator
	accounts AccountResolver
	gas      GasFeeEstimator
	permit2  common.Address
}

// NewCancelOrchestrator creates a canceller. gas may be nil, in which case cancellations are
// priced from the original fees alone.
func NewCancelOrchestrator(service *TransactionService, replacer *ReplaceOrchestrator, accounts AccountResolver, gas GasFeeEstimator) *CancelOrchestrator {
	return &CancelOrchestrator{
		service:  service,
		replacer: replacer,
		accounts: accounts,
		gas:      gas,
		permit2:  Permit2Address,
	}
}

// CancelTransaction cancels tx according to its routing.
//
// Classic and bridge transactions are replaced by a same-nonce transfer of zero to self with
// fees bumped over the original. UniswapX orders are cancelled by burning their Permit2 nonce;
// that path never returns an error because a failed order cancellation leaves nothing for the
// caller to do, the order watcher reports the order's fate either way. A filler may still fill
// the order before the invalidation is mined.
func (c *CancelOrchestrator) CancelTransaction(ctx context.Context, tx TransactionDetails) error {
	switch {
	case tx.Routing.IsEVMTransaction():
		return c.cancelTransaction(ctx, tx)
	case tx.Routing.IsUniswapX():
		c.cancelOrder(ctx, tx)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotCancellable, tx.Routing)
	}
}

func (c *CancelOrchestrator) cancelTransaction(ctx context.Context, tx TransactionDetails) error {
	if tx.Options == nil {
		return ErrMissingRequest
	}
	cancelRequest := CancellationRequest(tx.Options.Request)

	var current *GasFeeResult
	if c.gas != nil {
		estimate, err := c.gas.EstimateFees(ctx, cancelRequest)
		if err != nil {
			logger.WithFields(logger.Fields{
				"tx_id":    tx.ID,
				"chain_id": tx.ChainID,
				"error":    err,
			}).Warn("couldn't estimate cancellation fees, bumping original fees only")
		} else {
			current = &estimate
		}
	}
	cancelRequest = BumpFees(cancelRequest, ReplacementFeeBumpPercent, current)

	_, err := c.replacer.AttemptReplaceTransaction(ctx, ReplaceParams{
		Transaction:    tx,
		NewTxRequest:   cancelRequest,
		IsCancellation: true,
	})
	return err
}

// CancellationRequest returns the no-op request that cancels original: zero value to self with
// empty calldata, carrying the original's fee fields.
func CancellationRequest(original TransactionRequest) TransactionRequest {
	self := original.From
	return TransactionRequest{
		ChainID:              original.ChainID,
		From:                 original.From,
		To:                   &self,
		Value:                new(big.Int),
		Nonce:                original.Nonce,
		GasPrice:             cloneBig(original.GasPrice),
		MaxFeePerGas:         cloneBig(original.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(original.MaxPriorityFeePerGas),
	}
}

func (c *CancelOrchestrator) cancelOrder(ctx context.Context, order TransactionDetails) {
	orderHash := ""
	if order.Order != nil {
		orderHash = order.Order.OrderHash
	}
	fields := func(extra logger.Fields) logger.Fields {
		f := logger.Fields{
			"file":       "cancel",
			"function":   "cancelOrder",
			"order_hash": orderHash,
			"tx_id":      order.ID,
			"chain_id":   order.ChainID,
		}
		for k, v := range extra {
			f[k] = v
		}
		return f
	}
	fail := func(err error) {
		logger.WithFields(fields(logger.Fields{"error": err})).Error("couldn't cancel order")
	}

	if orderHash == "" {
		fail(ErrMissingOrderHash)
		return
	}
	account, ok := c.accounts.Account(order.From)
	if !ok {
		fail(ErrAccountNotFound)
		return
	}
	if !account.CanSign() {
		fail(ErrReadOnlyAccount)
		return
	}

	data, err := EncodeInvalidateUnorderedNonce(order.Order.Permit2Nonce)
	if err != nil {
		fail(err)
		return
	}

	permit2 := c.permit2
	request := TransactionRequest{
		To:    &permit2,
		Data:  data,
		Value: new(big.Int),
	}
	result, err := c.service.ExecuteTransaction(ctx, ExecuteParams{
		ChainID:               order.ChainID,
		Account:               account,
		Request:               request,
		TypeInfo:              UnknownInfo{Dapp: "permit2-invalidate"},
		Routing:               RoutingClassic,
		TransactionOriginType: TransactionOriginInternal,
	})
	if err != nil {
		fail(err)
		return
	}

	if err := c.service.store.MarkCancelling(ctx, order.Key(), &request); err != nil {
		logger.WithFields(fields(logger.Fields{"error": err})).Warn("couldn't flag order as cancelling")
	}
	logger.WithFields(fields(logger.Fields{"tx_hash": result.TransactionHash.Hex()})).Info("order cancellation submitted")
}
