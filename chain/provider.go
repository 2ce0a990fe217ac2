package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/uniswap/walletcore"
	"github.com/uniswap/walletcore/internal/circuitbreaker"
)

// syncTimeoutCode is the EIP-7966 error code of a transaction that was accepted into the pool
// but not included before the node's timeout.
const syncTimeoutCode = 4

// Backend is the part of ethclient.Client a Provider uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// RawCaller issues JSON-RPC calls ethclient has no method for.
type RawCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Provider is one RPC endpoint of a chain. Every call goes through the endpoint's circuit
// breaker; node rejections (JSON-RPC errors) and missing receipts do not count as failures.
type Provider struct {
	name    string
	syncTx  bool
	backend Backend
	raw     RawCaller
	breaker *circuitbreaker.Breaker
	closer  func()
}

// NewProvider wraps backend and raw. raw may be nil when syncTx is false.
func NewProvider(name string, backend Backend, raw RawCaller, syncTx bool, settings circuitbreaker.Settings) *Provider {
	if settings.Name == "" {
		settings.Name = name
	}
	if settings.IsFailure == nil {
		settings.IsFailure = IsEndpointFailure
	}
	return &Provider{
		name:    name,
		syncTx:  syncTx && raw != nil,
		backend: backend,
		raw:     raw,
		breaker: circuitbreaker.New(settings),
	}
}

// Dial connects to url and returns a provider over it.
func Dial(ctx context.Context, name, url string, syncTx bool, settings circuitbreaker.Settings) (*Provider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("couldn't dial %s: %w", name, err)
	}
	return newRPCProvider(name, client, syncTx, settings), nil
}

func newRPCProvider(name string, client *rpc.Client, syncTx bool, settings circuitbreaker.Settings) *Provider {
	p := NewProvider(name, ethclient.NewClient(client), client, syncTx, settings)
	p.closer = client.Close
	return p
}

// IsEndpointFailure reports whether err says something about the endpoint's health rather
// than about the request.
func IsEndpointFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsSyncTx() bool { return p.syncTx }

// Breaker exposes the endpoint's circuit breaker.
func (p *Provider) Breaker() *circuitbreaker.Breaker { return p.breaker }

// Close releases the underlying connection, if the provider owns one.
func (p *Provider) Close() {
	if p.closer != nil {
		p.closer()
	}
}

func (p *Provider) ChainID(ctx context.Context) (*big.Int, error) {
	return circuitbreaker.Do(ctx, p.breaker, p.backend.ChainID)
}

func (p *Provider) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (uint64, error) {
		return p.backend.PendingNonceAt(ctx, account)
	})
}

func (p *Provider) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.breaker.Call(ctx, func(ctx context.Context) error {
		return p.backend.SendTransaction(ctx, tx)
	})
}

// SendTransactionSync submits tx with eth_sendRawTransactionSync and returns the receipt the
// node answers with once the transaction is included.
func (p *Provider) SendTransactionSync(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if !p.syncTx {
		return nil, fmt.Errorf("%s doesn't support eth_sendRawTransactionSync", p.name)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("couldn't encode transaction: %w", err)
	}
	return circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (*types.Receipt, error) {
		var receipt *types.Receipt
		if err := p.raw.CallContext(ctx, &receipt, "eth_sendRawTransactionSync", hexutil.Encode(raw)); err != nil {
			var rpcErr rpc.Error
			if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == syncTimeoutCode {
				return nil, fmt.Errorf("%w: %w", walletcore.ErrInclusionTimeout, err)
			}
			return nil, err
		}
		if receipt == nil {
			return nil, fmt.Errorf("%s returned no receipt for %s", p.name, tx.Hash().Hex())
		}
		return receipt, nil
	})
}

func (p *Provider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (*types.Receipt, error) {
		return p.backend.TransactionReceipt(ctx, hash)
	})
}

func (p *Provider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (uint64, error) {
		return p.backend.EstimateGas(ctx, msg)
	})
}

func (p *Provider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return circuitbreaker.Do(ctx, p.breaker, p.backend.SuggestGasPrice)
}

func (p *Provider) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return circuitbreaker.Do(ctx, p.breaker, p.backend.SuggestGasTipCap)
}

func (p *Provider) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return circuitbreaker.Do(ctx, p.breaker, func(ctx context.Context) (*types.Header, error) {
		return p.backend.HeaderByNumber(ctx, number)
	})
}
