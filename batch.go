package walletcore

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

// Multicall3Address is the canonical Multicall3 deployment.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Call is one call of an EIP-5792 wallet_sendCalls request, as sent by the dapp.
type Call struct {
	To    string `json:"to,omitempty"`
	Data  string `json:"data,omitempty"`
	Value string `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// TransformCallsToTransactionRequests converts dapp calls to requests from account on chainID.
// Calls without to or data are dropped, the rest keep their relative order. Any from on the
// call is ignored. Callers needing all-or-nothing semantics validate before calling.
func TransformCallsToTransactionRequests(calls []Call, chainID uint64, account common.Address) []TransactionRequest {
	requests := make([]TransactionRequest, 0, len(calls))
	for i, call := range calls {
		req, err := callToRequest(call, chainID, account)
		if err != nil {
			logger.WithFields(logger.Fields{
				"chain_id":   chainID,
				"call_index": i,
				"error":      err,
			}).Debug("dropping malformed call from batch")
			continue
		}
		requests = append(requests, req)
	}
	return requests
}

func callToRequest(call Call, chainID uint64, account common.Address) (TransactionRequest, error) {
	if call.To == "" {
		return TransactionRequest{}, fmt.Errorf("call has no to")
	}
	if call.Data == "" {
		return TransactionRequest{}, fmt.Errorf("call has no data")
	}
	if !common.IsHexAddress(call.To) {
		return TransactionRequest{}, fmt.Errorf("invalid to address %q", call.To)
	}
	data, err := hexutil.Decode(call.Data)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("invalid data: %w", err)
	}
	value := new(big.Int)
	if call.Value != "" {
		v, ok := math.ParseBig256(call.Value)
		if !ok {
			return TransactionRequest{}, fmt.Errorf("invalid value %q", call.Value)
		}
		value = v
	}
	to := common.HexToAddress(call.To)
	return TransactionRequest{
		ChainID: chainID,
		From:    account,
		To:      &to,
		Data:    data,
		Value:   value,
	}, nil
}

// GenerateBatchID returns a random 32-byte correlation id as 0x-prefixed lowercase hex.
// It is not unique by construction, only with overwhelming probability.
func GenerateBatchID() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return common.BytesToHash(b[:]).Hex()
}

// CallEncoder merges the requests of a batch into the single transaction that executes them.
type CallEncoder interface {
	EncodeCalls(chainID uint64, account common.Address, requests []TransactionRequest) (TransactionRequest, error)
}

const multicall3ABIJSON = `[{
	"name": "aggregate3Value",
	"type": "function",
	"stateMutability": "payable",
	"inputs": [{
		"name": "calls",
		"type": "tuple[]",
		"components": [
			{"name": "target", "type": "address"},
			{"name": "allowFailure", "type": "bool"},
			{"name": "value", "type": "uint256"},
			{"name": "callData", "type": "bytes"}
		]
	}],
	"outputs": [{
		"name": "returnData",
		"type": "tuple[]",
		"components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		]
	}]
}]`

var multicall3ABI = mustParseABI(multicall3ABIJSON)

type multicall3Call struct {
	Target       common.Address
	AllowFailure bool
	Value        *big.Int
	CallData     []byte
}

// Multicall3Encoder batches calls through Multicall3.aggregate3Value. Every call must succeed
// for the batch to succeed.
type Multicall3Encoder struct {
	Address common.Address
}

// EncodeCalls implements CallEncoder.
func (e Multicall3Encoder) EncodeCalls(chainID uint64, account common.Address, requests []TransactionRequest) (TransactionRequest, error) {
	if len(requests) == 0 {
		return TransactionRequest{}, ErrEmptyBatch
	}
	total := new(big.Int)
	calls := make([]multicall3Call, 0, len(requests))
	for _, req := range requests {
		value := req.Value
		if value == nil {
			value = new(big.Int)
		}
		total.Add(total, value)
		calls = append(calls, multicall3Call{
			Target:   *req.To,
			Value:    value,
			CallData: req.Data,
		})
	}
	data, err := multicall3ABI.Pack("aggregate3Value", calls)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("encode aggregate3Value: %w", err)
	}
	to := e.Address
	if to == (common.Address{}) {
		to = Multicall3Address
	}
	return TransactionRequest{
		ChainID: chainID,
		From:    account,
		To:      &to,
		Data:    data,
		Value:   total,
	}, nil
}

// BatchParams are the inputs of ExecuteBatch.
type BatchParams struct {
	// BatchID is the id the dapp supplied, if any. A new one is generated when empty.
	BatchID   string
	RequestID string
	Account   AccountMeta
	ChainID   uint64
	Calls     []Call
	Dapp      string
	// PreSigned is the already signed batch transaction, skipping encode and prepare.
	PreSigned *SignedTransactionRequest

	SubmitViaPrivateRPC bool
}

// BatchResult identifies a submitted batch.
type BatchResult struct {
	BatchID         string
	TxID            string
	TransactionHash common.Hash
}

// BatchOrchestrator executes EIP-5792 call batches as one transaction.
type BatchOrchestrator struct {
	service  *TransactionService
	encoder  CallEncoder
	notifier Notifier
}

// NewBatchOrchestrator creates a batch orchestrator. A nil encoder uses Multicall3.
func NewBatchOrchestrator(service *TransactionService, encoder CallEncoder, notifier Notifier) *BatchOrchestrator {
	if encoder == nil {
		encoder = Multicall3Encoder{Address: Multicall3Address}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &BatchOrchestrator{service: service, encoder: encoder, notifier: notifier}
}

// ExecuteBatch turns the valid calls of p into one transaction, submits it and records the
// batch. Malformed calls are dropped; a batch left with no call fails with ErrEmptyBatch.
func (o *BatchOrchestrator) ExecuteBatch(ctx context.Context, p BatchParams) (BatchResult, error) {
	batchID := p.BatchID
	if batchID == "" {
		batchID = GenerateBatchID()
	}

	var request TransactionRequest
	callCount := len(p.Calls)
	if p.PreSigned == nil {
		requests := TransformCallsToTransactionRequests(p.Calls, p.ChainID, p.Account.Address)
		if len(requests) == 0 {
			return BatchResult{}, ErrEmptyBatch
		}
		callCount = len(requests)
		var err error
		request, err = o.encoder.EncodeCalls(p.ChainID, p.Account.Address, requests)
		if err != nil {
			return BatchResult{}, err
		}
	}

	flow := &flowRunner{service: o.service, notifier: o.notifier}
	step := flowStep{
		txID:      o.service.NewTransactionID(),
		account:   p.Account,
		chainID:   p.ChainID,
		request:   request,
		preSigned: p.PreSigned,
		private:   p.SubmitViaPrivateRPC,
		typeInfo: SendCallsInfo{
			BatchID:   batchID,
			CallCount: callCount,
			Dapp:      p.Dapp,
		},
		routing: RoutingClassic,
	}

	res, err := o.service.ExecuteTransaction(ctx, ExecuteParams{
		TxID:                  step.txID,
		ChainID:               p.ChainID,
		Account:               p.Account,
		Request:               request,
		PreSigned:             p.PreSigned,
		Options:               TransactionOptions{SubmitViaPrivateRPC: p.SubmitViaPrivateRPC},
		TypeInfo:              step.typeInfo,
		Routing:               RoutingClassic,
		TransactionOriginType: TransactionOriginExternal,
		BatchID:               batchID,
	})
	if err != nil {
		logger.WithFields(logger.Fields{
			"file":     "batch",
			"function": "ExecuteBatch",
			"batch_id": batchID,
			"chain_id": p.ChainID,
			"error":    err,
		}).Error("couldn't send calls")
		return BatchResult{}, err
	}

	o.service.store.AddBatch(BatchRecord{
		BatchID:   batchID,
		ChainID:   p.ChainID,
		From:      p.Account.Address,
		RequestID: p.RequestID,
		TxHashes:  []common.Hash{res.TransactionHash},
	})
	flow.notify(ctx, step, &res.TransactionHash)

	return BatchResult{BatchID: batchID, TxID: step.txID, TransactionHash: res.TransactionHash}, nil
}
