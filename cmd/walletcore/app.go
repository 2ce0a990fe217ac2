package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uniswap/walletcore"
	"github.com/uniswap/walletcore/chain"
	"github.com/uniswap/walletcore/config"
	"github.com/uniswap/walletcore/gas"
	"github.com/uniswap/walletcore/idempotency"
	"github.com/uniswap/walletcore/internal/circuitbreaker"
	"github.com/uniswap/walletcore/orderapi"
	"github.com/uniswap/walletcore/persistence"
	"github.com/uniswap/walletcore/signer"
	"github.com/uniswap/walletcore/telemetry"
)

// app is the wired library for one command invocation.
type app struct {
	cfg *config.Config
	log *zap.Logger

	// defaultAccount is the account of the key given in the environment, if any.
	defaultAccount common.Address

	registry *chain.Registry
	store    *walletcore.TransactionStore
	keyring  *signer.Keyring
	metrics  *telemetry.Metrics
	bus      *telemetry.Bus
	service  *walletcore.TransactionService

	replacer  *walletcore.ReplaceOrchestrator
	canceller *walletcore.CancelOrchestrator
	transfers *walletcore.TransferOrchestrator
	swaps     *walletcore.SwapOrchestrator
	batches   *walletcore.BatchOrchestrator

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	a.registry = chain.NewRegistry(chain.WithBreakerSettings(func(name string) circuitbreaker.Settings {
		s := circuitbreaker.DefaultSettings(name)
		s.FailureThreshold = cfg.CircuitBreaker.FailureThreshold
		s.SuccessThreshold = cfg.CircuitBreaker.SuccessThreshold
		s.CoolDown = cfg.CircuitBreaker.CoolDown
		s.OnStateChange = a.metrics.ObserveCircuit
		return s
	}))
	a.closers = append(a.closers, a.registry.Close)

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range cfg.Chains {
		g.Go(func() error {
			return a.registry.AddChain(gctx, chain.Endpoint{
				ChainID:        ch.ChainID,
				RPCURL:         ch.RPCURL,
				PrivateRPCURL:  ch.PrivateRPCURL,
				PrivateRPCName: ch.PrivateRPCName,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("couldn't register chains: %w", err)
	}

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	idem, err := a.idempotencyOption(ctx)
	if err != nil {
		return nil, err
	}

	estimator := gas.NewEstimator(
		func(chainID uint64) (gas.Backend, error) {
			p, err := a.registry.Public(chainID)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		gas.WithFeeTTL(cfg.Gas.CacheTTL),
		gas.WithLimitBufferPercent(cfg.Gas.LimitBufferPercent),
		gas.WithExtraGasLimit(cfg.Gas.ExtraGasLimit),
		gas.WithBaseFeeMultiplier(cfg.Gas.BaseFeeMultiplier),
	)

	a.keyring = signer.NewKeyring()

	a.bus = telemetry.NewBus(log, 64)
	a.closers = append(a.closers, a.bus.Close)
	a.bus.Subscribe(func(_ context.Context, n walletcore.PendingNotification) {
		fields := []zap.Field{
			zap.String("tx_id", n.TxID),
			zap.Uint64("chain_id", n.ChainID),
			zap.String("type", string(n.Type)),
		}
		if n.Hash != nil {
			fields = append(fields, zap.String("hash", n.Hash.Hex()))
		}
		log.Info("transaction pending", fields...)
	})

	a.service = walletcore.NewTransactionService(a.registry, a.store, estimator, a.keyring,
		walletcore.WithAnalytics(a.metrics),
		walletcore.WithSyncPollInterval(cfg.SyncPollInterval),
		idem,
	)
	a.replacer = walletcore.NewReplaceOrchestrator(a.service, a.keyring)
	a.canceller = walletcore.NewCancelOrchestrator(a.service, a.replacer, a.keyring, estimator)
	a.transfers = walletcore.NewTransferOrchestrator(a.service, a.bus)
	a.swaps = walletcore.NewSwapOrchestrator(a.service, a.keyring, orderapi.New(orderapi.Config{
		BaseURL:    cfg.OrderAPI.BaseURL,
		APIKey:     cfg.OrderAPI.APIKey,
		Timeout:    cfg.OrderAPI.Timeout,
		MaxRetries: cfg.OrderAPI.MaxRetries,
	}), a.bus)
	a.batches = walletcore.NewBatchOrchestrator(a.service, nil, a.bus)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (*walletcore.TransactionStore, error) {
	if a.cfg.Store.Driver == "memory" {
		return walletcore.NewTransactionStore(), nil
	}

	db, err := persistence.Open(a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	persister := persistence.NewGormPersister(db)
	if err := persister.Migrate(ctx); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
	}

	store := walletcore.NewTransactionStore(walletcore.WithPersister(persister))
	if err := store.Restore(ctx); err != nil {
		return nil, fmt.Errorf("couldn't restore transactions: %w", err)
	}
	return store, nil
}

func (a *app) idempotencyOption(ctx context.Context) (walletcore.ServiceOption, error) {
	cfg := a.cfg.Idempotency
	if cfg.Backend != "redis" {
		return walletcore.WithDefaultIdempotencyStore(cfg.TTL), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("couldn't reach redis at %s: %w", cfg.RedisAddr, err)
	}
	return walletcore.WithIdempotencyStore(idempotency.NewRedisStore(client, cfg.TTL)), nil
}

// account resolves addr, or the default account when addr is empty.
func (a *app) account(addr string) (walletcore.AccountMeta, error) {
	from := a.defaultAccount
	if addr != "" {
		if !common.IsHexAddress(addr) {
			return walletcore.AccountMeta{}, fmt.Errorf("invalid account %q", addr)
		}
		from = common.HexToAddress(addr)
	}
	acc, ok := a.keyring.Account(from)
	if !ok {
		return walletcore.AccountMeta{}, fmt.Errorf("%w: %s", walletcore.ErrAccountNotFound, from.Hex())
	}
	return acc, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
