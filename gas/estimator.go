// Package gas estimates gas limits and fee parameters for transaction requests.
package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/puzpuzpuz/xsync"
	"github.com/shopspring/decimal"

	"github.com/uniswap/walletcore"
)

const (
	// DefaultFeeTTL is how long suggested fees of a chain are reused
	DefaultFeeTTL = 7 * time.Second

	// DefaultLimitBufferPercent is added on top of estimated gas limits
	DefaultLimitBufferPercent = 20

	// DefaultBaseFeeMultiplier bounds maxFeePerGas to survive this many full blocks
	DefaultBaseFeeMultiplier = 2
)

var (
	ErrEstimateGasFailed   = errors.New("estimate gas failed")
	ErrGetGasSettingFailed = errors.New("couldn't get gas settings")
)

// Backend is the node access needed for estimation. chain.Provider and ethclient.Client
// satisfy it.
type Backend interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// BackendResolver returns the backend of a chain.
type BackendResolver func(chainID uint64) (Backend, error)

// feeInfo is the cached fee suggestion of one chain.
type feeInfo struct {
	baseFee   *big.Int
	gasPrice  *big.Int
	tipCap    *big.Int
	timestamp time.Time
}

// Estimator implements walletcore.GasFeeEstimator.
type Estimator struct {
	backends BackendResolver
	fees     *xsync.MapOf[string, *feeInfo]

	ttl               time.Duration
	limitBuffer       decimal.Decimal
	extraGasLimit     uint64
	baseFeeMultiplier decimal.Decimal
	maxFeePerGas      *big.Int
	now               func() time.Time
}

// Option configures an Estimator
type Option func(*Estimator)

// WithFeeTTL sets how long fee suggestions are cached per chain.
func WithFeeTTL(ttl time.Duration) Option {
	return func(e *Estimator) {
		e.ttl = ttl
	}
}

// WithLimitBufferPercent sets the percentage added to estimated gas limits.
func WithLimitBufferPercent(percent float64) Option {
	return func(e *Estimator) {
		e.limitBuffer = decimal.NewFromFloat(percent).Div(decimal.NewFromInt(100))
	}
}

// WithExtraGasLimit adds a fixed amount after the buffer.
func WithExtraGasLimit(extra uint64) Option {
	return func(e *Estimator) {
		e.extraGasLimit = extra
	}
}

// WithBaseFeeMultiplier sets maxFeePerGas = baseFee * m + tip.
func WithBaseFeeMultiplier(m float64) Option {
	return func(e *Estimator) {
		e.baseFeeMultiplier = decimal.NewFromFloat(m)
	}
}

// WithMaxFeePerGas caps the fee an estimate may return. Estimates above it fail.
func WithMaxFeePerGas(max *big.Int) Option {
	return func(e *Estimator) {
		e.maxFeePerGas = max
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) {
		e.now = now
	}
}

// NewEstimator creates an estimator over the backends resolved by backends.
func NewEstimator(backends BackendResolver, opts ...Option) *Estimator {
	e := &Estimator{
		backends:          backends,
		fees:              xsync.NewMapOf[*feeInfo](),
		ttl:               DefaultFeeTTL,
		limitBuffer:       decimal.NewFromInt(DefaultLimitBufferPercent).Div(decimal.NewFromInt(100)),
		baseFeeMultiplier: decimal.NewFromInt(DefaultBaseFeeMultiplier),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EstimateFees implements walletcore.GasFeeEstimator. A gas limit already on req is kept
// as is; otherwise the estimate is buffered.
func (e *Estimator) EstimateFees(ctx context.Context, req walletcore.TransactionRequest) (walletcore.GasFeeResult, error) {
	backend, err := e.backends(req.ChainID)
	if err != nil {
		return walletcore.GasFeeResult{}, err
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		estimated, err := backend.EstimateGas(ctx, req.CallMsg())
		if err != nil {
			return walletcore.GasFeeResult{}, errors.Join(ErrEstimateGasFailed, fmt.Errorf("couldn't estimate gas. The tx is meant to revert or network error. Detail: %w", err))
		}
		gasLimit = e.BufferedLimit(estimated)
	}

	info, err := e.feeInfo(ctx, req.ChainID, backend)
	if err != nil {
		return walletcore.GasFeeResult{}, errors.Join(ErrGetGasSettingFailed, err)
	}

	result := walletcore.GasFeeResult{GasLimit: gasLimit}
	if info.baseFee == nil {
		result.GasPrice = new(big.Int).Set(info.gasPrice)
		return result, e.checkCap(result.GasPrice)
	}
	maxFee := decimal.NewFromBigInt(info.baseFee, 0).Mul(e.baseFeeMultiplier).Ceil().BigInt()
	maxFee.Add(maxFee, info.tipCap)
	result.MaxFeePerGas = maxFee
	result.MaxPriorityFeePerGas = new(big.Int).Set(info.tipCap)
	return result, e.checkCap(maxFee)
}

// BufferedLimit applies the limit buffer and the extra gas limit to an estimate.
func (e *Estimator) BufferedLimit(estimated uint64) uint64 {
	buffer := decimal.NewFromInt(int64(estimated)).Mul(e.limitBuffer).Floor()
	return estimated + uint64(buffer.IntPart()) + e.extraGasLimit
}

func (e *Estimator) checkCap(fee *big.Int) error {
	if e.maxFeePerGas != nil && fee.Cmp(e.maxFeePerGas) > 0 {
		return fmt.Errorf("gas price protection limit reached: %s > %s", fee, e.maxFeePerGas)
	}
	return nil
}

func feeKey(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// feeInfo returns the cached suggestion of chainID, refreshing it once stale.
func (e *Estimator) feeInfo(ctx context.Context, chainID uint64, backend Backend) (*feeInfo, error) {
	if info, ok := e.fees.Load(feeKey(chainID)); ok && e.now().Sub(info.timestamp) < e.ttl {
		return info, nil
	}

	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't get latest header: %w", err)
	}
	info := &feeInfo{timestamp: e.now()}
	if head.BaseFee != nil {
		info.baseFee = new(big.Int).Set(head.BaseFee)
		info.tipCap, err = backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("couldn't suggest tip cap: %w", err)
		}
	} else {
		info.gasPrice, err = backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("couldn't suggest gas price: %w", err)
		}
	}
	e.fees.Store(feeKey(chainID), info)

	logger.WithFields(logger.Fields{
		"chain_id":  chainID,
		"base_fee":  info.baseFee,
		"tip_cap":   info.tipCap,
		"gas_price": info.gasPrice,
	}).Debug("refreshed gas settings")
	return info, nil
}

// Invalidate drops the cached suggestion of chainID.
func (e *Estimator) Invalidate(chainID uint64) {
	e.fees.Delete(feeKey(chainID))
}
