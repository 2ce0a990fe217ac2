package walletcore

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{
		"name": "transfer",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "approve",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

// EncodeERC20Transfer returns the calldata of transfer(to, amount).
func EncodeERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil {
		amount = new(big.Int)
	}
	return erc20ABI.Pack("transfer", to, amount)
}

// EncodeERC20Approve returns the calldata of approve(spender, amount).
func EncodeERC20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil {
		amount = new(big.Int)
	}
	return erc20ABI.Pack("approve", spender, amount)
}

// DecodeERC20Approve extracts spender and amount from approve calldata.
func DecodeERC20Approve(data []byte) (common.Address, *big.Int, error) {
	method, err := erc20ABI.MethodById(data)
	if err != nil {
		return common.Address{}, nil, err
	}
	if method.Name != "approve" {
		return common.Address{}, nil, fmt.Errorf("calldata is %s, not approve", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("unpack approve: %w", err)
	}
	spender, _ := args[0].(common.Address)
	amount, _ := args[1].(*big.Int)
	return spender, amount, nil
}
