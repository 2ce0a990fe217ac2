package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// TestAddr1 is a common test address for "from" addresses
	TestAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	// TestAddr2 is a common test address for "to" addresses
	TestAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	// TestAddr3 is an additional test address
	TestAddr3 = common.HexToAddress("0x3333333333333333333333333333333333333333")
	// TestTokenAddr is an ERC-20 token contract
	TestTokenAddr = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	// TestRouterAddr is a swap router contract
	TestRouterAddr = common.HexToAddress("0x66a9893cC07D91D95644AEDD05D03f95e1dBA8Af")
)

var (
	// TestPrivateKeyHex is a test private key in hex format
	TestPrivateKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	// TestPrivateKey1 is a parsed ECDSA private key for testing
	TestPrivateKey1, _ = crypto.HexToECDSA(TestPrivateKeyHex)
	// TestPrivateKey1Address is the address derived from TestPrivateKey1
	TestPrivateKey1Address = crypto.PubkeyToAddress(TestPrivateKey1.PublicKey)

	// TestPrivateKey2 is a second signing key
	TestPrivateKey2, _ = crypto.HexToECDSA("fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")
	// TestPrivateKey2Address is the address derived from TestPrivateKey2
	TestPrivateKey2Address = crypto.PubkeyToAddress(TestPrivateKey2.PublicKey)
)

var (
	// OneEth represents 1 ETH in wei
	OneEth = big.NewInt(1000000000000000000)
	// TwentyGwei represents 20 gwei
	TwentyGwei = big.NewInt(20000000000)
	// TwoGwei represents 2 gwei
	TwoGwei = big.NewInt(2000000000)
)

// Chain IDs
const (
	ChainIDMainnet  uint64 = 1
	ChainIDArbitrum uint64 = 42161
)
