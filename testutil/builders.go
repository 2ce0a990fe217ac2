package testutil

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NewDynamicTx creates an unsigned EIP-1559 transaction
func NewDynamicTx(chainID, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasTipCap, gasFeeCap *big.Int) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(chainID),
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
	})
}

// SignedTx returns a signed 21000-gas EIP-1559 transfer
func SignedTx(key *ecdsa.PrivateKey, chainID, nonce uint64, to common.Address, value *big.Int) *types.Transaction {
	tx := NewDynamicTx(chainID, nonce, to, value, 21000, TwoGwei, TwentyGwei)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), key)
	if err != nil {
		panic(err)
	}
	return signed
}

// NewReceipt creates a receipt for tx with the given status
func NewReceipt(tx *types.Transaction, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		BlockNumber:       big.NewInt(12345678),
		BlockHash:         common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		GasUsed:           tx.Gas(),
		CumulativeGasUsed: tx.Gas(),
		EffectiveGasPrice: TwentyGwei,
	}
}

// NewSuccessReceipt creates a successful receipt for tx
func NewSuccessReceipt(tx *types.Transaction) *types.Receipt {
	return NewReceipt(tx, types.ReceiptStatusSuccessful)
}

// NewFailedReceipt creates a reverted receipt for tx
func NewFailedReceipt(tx *types.Transaction) *types.Receipt {
	return NewReceipt(tx, types.ReceiptStatusFailed)
}
