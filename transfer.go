package walletcore

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransferParams are the inputs of ExecuteTransfer. A zero Token sends native currency.
type TransferParams struct {
	TxID      string
	Account   AccountMeta
	ChainID   uint64
	Token     common.Address
	Recipient common.Address
	Amount    *big.Int

	// ApproveTxRequest is sent first when the transfer goes through a contract that needs an
	// allowance.
	ApproveTxRequest *TransactionRequest
	// TxRequest overrides the request built from Token/Recipient/Amount, e.g. for NFTs.
	TxRequest *TransactionRequest
	PreSigned *SignedTransactionRequest

	SubmitViaPrivateRPC bool

	OnSubmitted SubmittedHook
	OnSuccess   SuccessHook
	OnFailure   FailureHook
}

// TransferOrchestrator runs native and ERC-20 transfers.
type TransferOrchestrator struct {
	service  *TransactionService
	notifier Notifier
}

// NewTransferOrchestrator creates a transfer orchestrator. notifier may be nil.
func NewTransferOrchestrator(service *TransactionService, notifier Notifier) *TransferOrchestrator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &TransferOrchestrator{service: service, notifier: notifier}
}

// BuildTransferRequest returns the request moving amount of token (native when zero) to recipient.
func BuildTransferRequest(token, recipient common.Address, amount *big.Int) (TransactionRequest, error) {
	if token == (common.Address{}) {
		to := recipient
		return TransactionRequest{To: &to, Value: cloneBig(amount)}, nil
	}
	data, err := EncodeERC20Transfer(recipient, amount)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("encode transfer: %w", err)
	}
	to := token
	return TransactionRequest{To: &to, Data: data, Value: new(big.Int)}, nil
}

// ExecuteTransfer submits the transfer and returns its hash once the network accepted it.
func (o *TransferOrchestrator) ExecuteTransfer(ctx context.Context, p TransferParams) (hash common.Hash, err error) {
	defer func() {
		if err != nil && p.OnFailure != nil {
			p.OnFailure(err)
		}
	}()

	if p.Recipient == (common.Address{}) && p.TxRequest == nil && p.PreSigned == nil {
		return common.Hash{}, fmt.Errorf("transfer has no recipient")
	}
	if p.TxID == "" {
		p.TxID = o.service.NewTransactionID()
	}

	flow := &flowRunner{service: o.service, notifier: o.notifier, onSubmitted: p.OnSubmitted}

	if p.ApproveTxRequest != nil {
		step := approvalStep(p.Account, p.ChainID, *p.ApproveTxRequest, p.TxID, p.SubmitViaPrivateRPC)
		if _, err := flow.execute(ctx, step); err != nil {
			return common.Hash{}, fmt.Errorf("approval: %w", err)
		}
	}

	var request TransactionRequest
	switch {
	case p.TxRequest != nil:
		request = p.TxRequest.Clone()
	case p.PreSigned == nil:
		request, err = BuildTransferRequest(p.Token, p.Recipient, p.Amount)
		if err != nil {
			return common.Hash{}, err
		}
	}

	step := flowStep{
		txID:      p.TxID,
		account:   p.Account,
		chainID:   p.ChainID,
		request:   request,
		preSigned: p.PreSigned,
		private:   p.SubmitViaPrivateRPC,
		typeInfo: SendInfo{
			TokenAddress: p.Token,
			Recipient:    p.Recipient,
			Amount:       cloneBig(p.Amount),
		},
		routing: RoutingClassic,
	}
	res, err := flow.execute(ctx, step)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transfer: %w", err)
	}

	flow.notify(ctx, step, &res.TransactionHash)
	if p.OnSuccess != nil {
		p.OnSuccess(res.TransactionHash)
	}
	return res.TransactionHash, nil
}
