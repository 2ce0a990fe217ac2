package walletcore

import (
	"context"
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uniswap/walletcore/internal/nonce"
)

// NonceParams selects the (account, chain) pair to compute a nonce for.
type NonceParams struct {
	Account             common.Address
	ChainID             uint64
	SubmitViaPrivateRPC bool
}

// PendingNonceSource lists the nonces held by unconfirmed local transactions.
type PendingNonceSource interface {
	PendingNonces(from common.Address, chainID uint64) []uint64
}

// NonceOracle computes the next nonce of an account on a chain. The node and the store are read
// anew for every transaction; the only state kept between calls is the set of reserved nonces
// and the highest nonce the network accepted from this process.
type NonceOracle struct {
	providers ProviderResolver
	pending   PendingNonceSource
	tracker   *nonce.Tracker
}

// NewNonceOracle creates an oracle reading the node through providers and local pending
// transactions from pending.
func NewNonceOracle(providers ProviderResolver, pending PendingNonceSource) *NonceOracle {
	return &NonceOracle{
		providers: providers,
		pending:   pending,
		tracker:   nonce.NewTracker(),
	}
}

// floor returns max(node count, highest local pending nonce + 1) and the number of local
// pending transactions at or above the node count.
func (o *NonceOracle) floor(ctx context.Context, p NonceParams) (uint64, int, string, error) {
	if p.Account == (common.Address{}) {
		return 0, 0, "", ErrFromAddressZero
	}
	provider, err := o.providers.Provider(p.ChainID, p.SubmitViaPrivateRPC)
	if err != nil {
		return 0, 0, "", err
	}

	baseline, err := provider.PendingNonceAt(ctx, p.Account)
	if err != nil {
		return 0, 0, "", fmt.Errorf("couldn't get transaction count from %s: %w", provider.Name(), err)
	}

	next := baseline
	pendingCount := 0
	for _, n := range o.pending.PendingNonces(p.Account, p.ChainID) {
		if n < baseline {
			continue
		}
		pendingCount++
		if n+1 > next {
			next = n + 1
		}
	}

	if next != baseline {
		logger.WithFields(logger.Fields{
			"wallet":        p.Account.Hex(),
			"network":       provider.Name(),
			"chain_id":      p.ChainID,
			"node_count":    baseline,
			"local_next":    next,
			"local_pending": pendingCount,
		}).Debug("nonceOracle: node count lags local pending transactions")
	}
	return next, pendingCount, provider.Name(), nil
}

// GetNextNonce returns the nonce the next transaction would use, without reserving it.
func (o *NonceOracle) GetNextNonce(ctx context.Context, p NonceParams) (CalculatedNonce, error) {
	floor, pendingCount, _, err := o.floor(ctx, p)
	if err != nil {
		return CalculatedNonce{}, err
	}
	next, err := o.tracker.Peek(p.Account, p.ChainID, floor)
	if err != nil {
		return CalculatedNonce{}, err
	}
	return CalculatedNonce{Nonce: next, PendingCount: pendingCount}, nil
}

// AcquireNonce computes the next nonce and reserves it until ReleaseNonce. A concurrent prepare
// for the same account and chain gets a different nonce even before either reaches the store.
func (o *NonceOracle) AcquireNonce(ctx context.Context, p NonceParams) (CalculatedNonce, error) {
	// Node and store reads happen outside the tracker lock.
	floor, pendingCount, networkName, err := o.floor(ctx, p)
	if err != nil {
		return CalculatedNonce{}, err
	}
	result, err := o.tracker.Reserve(p.Account, p.ChainID, networkName, floor)
	if err != nil {
		return CalculatedNonce{}, err
	}
	return CalculatedNonce{Nonce: result.Nonce, PendingCount: pendingCount}, nil
}

// HoldNonce reserves a nonce the caller picked itself, such as the nonce of a replacement, so
// AcquireNonce skips it until ReleaseNonce or CommitNonce.
func (o *NonceOracle) HoldNonce(account common.Address, chainID uint64, n uint64) {
	o.tracker.Hold(account, chainID, trackerNetwork(chainID), n)
}

// CommitNonce ends the reservation of a nonce the network accepted. Later acquisitions start
// above it even when their node and store reads predate the submission.
func (o *NonceOracle) CommitNonce(account common.Address, chainID uint64, n uint64) {
	o.tracker.Commit(account, chainID, trackerNetwork(chainID), n)
}

// ReleaseNonce drops a reservation made by AcquireNonce. It is safe to call for a nonce that
// was never reserved.
func (o *NonceOracle) ReleaseNonce(account common.Address, chainID uint64, n uint64) {
	o.tracker.Release(account, chainID, trackerNetwork(chainID), n)
}

func trackerNetwork(chainID uint64) string {
	return fmt.Sprintf("chain-%d", chainID)
}
