package testutil

import (
	"encoding/json"
	"time"
)

// MockNetwork implements jarvis networks.Network for registry tests
type MockNetwork struct {
	ChainIDValue      uint64
	NameValue         string
	SyncTxSupported   bool
	BlockTimeValue    time.Duration
	NativeTokenSymbol string
	DefaultNodes      map[string]string
}

// NewMockNetwork creates a mock network with one default node
func NewMockNetwork(chainID uint64, name string, syncTxSupported bool, nodeURL string) *MockNetwork {
	nodes := map[string]string{}
	if nodeURL != "" {
		nodes["default"] = nodeURL
	}
	return &MockNetwork{
		ChainIDValue:      chainID,
		NameValue:         name,
		SyncTxSupported:   syncTxSupported,
		BlockTimeValue:    12 * time.Second,
		NativeTokenSymbol: "ETH",
		DefaultNodes:      nodes,
	}
}

func (m *MockNetwork) GetName() string                             { return m.NameValue }
func (m *MockNetwork) GetChainID() uint64                          { return m.ChainIDValue }
func (m *MockNetwork) GetAlternativeNames() []string               { return nil }
func (m *MockNetwork) GetNativeTokenSymbol() string                { return m.NativeTokenSymbol }
func (m *MockNetwork) GetNativeTokenDecimal() uint64               { return 18 }
func (m *MockNetwork) GetBlockTime() time.Duration                 { return m.BlockTimeValue }
func (m *MockNetwork) GetNodeVariableName() string                 { return "MOCK_NODE" }
func (m *MockNetwork) GetDefaultNodes() map[string]string          { return m.DefaultNodes }
func (m *MockNetwork) GetBlockExplorerAPIKeyVariableName() string  { return "" }
func (m *MockNetwork) GetBlockExplorerAPIURL() string              { return "" }
func (m *MockNetwork) RecommendedGasPrice() (float64, error)       { return 20, nil }
func (m *MockNetwork) GetABIString(address string) (string, error) { return "", nil }
func (m *MockNetwork) IsSyncTxSupported() bool                     { return m.SyncTxSupported }
func (m *MockNetwork) MultiCallContract() string                   { return "0xcA11bde05977b3631167028862bE2a173976CA11" }

func (m *MockNetwork) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"chainID": m.ChainIDValue, "name": m.NameValue})
}

func (m *MockNetwork) UnmarshalJSON([]byte) error { return nil }
