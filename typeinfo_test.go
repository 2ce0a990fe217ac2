package walletcore

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniswap/walletcore/testutil"
)

func TestTypeInfo_Discriminator(t *testing.T) {
	data, err := MarshalTypeInfo(ApproveInfo{
		TokenAddress: testutil.TestTokenAddr,
		Spender:      testutil.TestRouterAddr,
		Amount:       big.NewInt(5),
		SwapTxID:     "swap-1",
	})
	require.NoError(t, err)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.JSONEq(t, `"approve"`, string(envelope["type"]))

	info, err := UnmarshalTypeInfo(data)
	require.NoError(t, err)
	approve, ok := info.(ApproveInfo)
	require.True(t, ok)
	assert.Equal(t, "swap-1", approve.SwapTxID)
	assert.Zero(t, approve.Amount.Cmp(big.NewInt(5)))
}

func TestTypeInfo_Errors(t *testing.T) {
	_, err := UnmarshalTypeInfo([]byte(`{"type":"teleport"}`))
	assert.ErrorContains(t, err, "unknown transaction type")

	_, err = UnmarshalTypeInfo([]byte(`{"type":"send","info":{"recipient":42}}`))
	assert.Error(t, err)

	_, err = UnmarshalTypeInfo([]byte(`not json`))
	assert.Error(t, err)

	info, err := UnmarshalTypeInfo([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = UnmarshalTypeInfo([]byte(`{"type":"remove-delegation"}`))
	require.NoError(t, err)
	assert.Equal(t, RemoveDelegationInfo{}, info)
}

func TestTransactionDetails_JSONKeepsTypeInfo(t *testing.T) {
	hash := common.HexToHash("0xabc")
	record := pendingRecord("tx-1", testAccount.Address, 1, 3, StatusSuccess)
	record.Hash = &hash
	record.AddedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record.TypeInfo = SwapInfo{
		InputCurrencyID:  "1-0xA0b8",
		OutputCurrencyID: "1-0xC02a",
		InputAmount:      big.NewInt(1000),
		ExactInput:       true,
	}
	record.Receipt = &Receipt{Status: 1, BlockNumber: 12345678, GasUsed: 21000}

	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"typeInfo":{"type":"swap"`)

	var decoded TransactionDetails
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, record.ID, decoded.ID)
	assert.Equal(t, hash, *decoded.Hash)
	assert.Equal(t, StatusSuccess, decoded.Status)
	assert.True(t, record.AddedTime.Equal(decoded.AddedTime))
	assert.Equal(t, uint64(12345678), decoded.Receipt.BlockNumber)

	swap, ok := decoded.TypeInfo.(SwapInfo)
	require.True(t, ok)
	assert.True(t, swap.ExactInput)
	assert.Zero(t, swap.InputAmount.Cmp(big.NewInt(1000)))

	nonce, ok := decoded.Nonce()
	require.True(t, ok)
	assert.Equal(t, uint64(3), nonce)
}
