package walletcore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniswap/walletcore/testutil"
)

func TestNonceOracle_GetNextNonce(t *testing.T) {
	ctx := context.Background()
	addr := testAccount.Address

	t.Run("node count when nothing is pending locally", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(addr, 5)

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: addr, ChainID: testutil.ChainIDMainnet})
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n.Nonce)
		assert.Equal(t, 0, n.PendingCount)
	})

	t.Run("local pending transactions ahead of the node", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(addr, 5)
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("a", addr, 1, 5, StatusPending)))
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("b", addr, 1, 6, StatusPending)))

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: addr, ChainID: testutil.ChainIDMainnet})
		require.NoError(t, err)
		assert.Equal(t, uint64(7), n.Nonce)
		assert.Equal(t, 2, n.PendingCount)
	})

	t.Run("pending records below the node count are ignored", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(addr, 5)
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("old", addr, 1, 3, StatusPending)))

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: addr, ChainID: testutil.ChainIDMainnet})
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n.Nonce)
		assert.Equal(t, 0, n.PendingCount)
	})

	t.Run("cancelling and replacing records still hold their nonce", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(addr, 5)
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("c", addr, 1, 5, StatusCancelling)))
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("r", addr, 1, 6, StatusReplacing)))

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: addr, ChainID: testutil.ChainIDMainnet})
		require.NoError(t, err)
		assert.Equal(t, uint64(7), n.Nonce)
	})

	t.Run("terminal records do not hold their nonce", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(addr, 5)
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("f", addr, 1, 5, StatusFailed)))

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: addr, ChainID: testutil.ChainIDMainnet})
		require.NoError(t, err)
		assert.Equal(t, uint64(5), n.Nonce)
	})

	t.Run("chains and accounts are independent", func(t *testing.T) {
		env := newTestEnv(t)
		env.mainnet.SetNonce(addr, 5)
		env.arbitrum.SetNonce(addr, 2)
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("m", addr, 1, 9, StatusPending)))
		require.NoError(t, env.store.AddTransaction(ctx, pendingRecord("o", otherSigner.Address, testutil.ChainIDArbitrum, 9, StatusPending)))

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: addr, ChainID: testutil.ChainIDArbitrum})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n.Nonce)
	})

	t.Run("private rpc is asked when requested", func(t *testing.T) {
		env := newTestEnv(t)
		private := testutil.NewFakeProvider("mainnet-private")
		env.providers.private[testutil.ChainIDMainnet] = private
		env.mainnet.SetNonce(addr, 5)
		private.SetNonce(addr, 8)

		n, err := env.service.GetNextNonce(ctx, NonceParams{Account: addr, ChainID: testutil.ChainIDMainnet, SubmitViaPrivateRPC: true})
		require.NoError(t, err)
		assert.Equal(t, uint64(8), n.Nonce)
		assert.Equal(t, 0, env.mainnet.NonceCalls())
	})
}

func TestNonceOracle_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("zero account", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.service.GetNextNonce(ctx, NonceParams{ChainID: 1})
		assert.ErrorIs(t, err, ErrFromAddressZero)
	})

	t.Run("unsupported chain", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.service.GetNextNonce(ctx, NonceParams{Account: testAccount.Address, ChainID: 999})
		assert.ErrorIs(t, err, ErrUnsupportedChain)
	})

	t.Run("provider failure is not papered over", func(t *testing.T) {
		env := newTestEnv(t)
		boom := errors.New("connection refused")
		env.mainnet.FailNonce(boom)

		_, err := env.service.GetNextNonce(ctx, NonceParams{Account: testAccount.Address, ChainID: 1})
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "mainnet")
	})
}

func TestNonceOracle_AcquireIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	oracle := NewNonceOracle(env.providers, env.store)
	env.mainnet.SetNonce(testAccount.Address, 10)

	const workers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := oracle.AcquireNonce(context.Background(), NonceParams{Account: testAccount.Address, ChainID: 1})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[n.Nonce], "nonce %d handed out twice", n.Nonce)
			seen[n.Nonce] = true
		}()
	}
	wg.Wait()

	for n := uint64(10); n < 10+workers; n++ {
		assert.True(t, seen[n], "nonce %d missing", n)
	}
}

func TestNonceOracle_ReleaseAndCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	oracle := NewNonceOracle(env.providers, env.store)
	addr := testAccount.Address
	env.mainnet.SetNonce(addr, 3)
	params := NonceParams{Account: addr, ChainID: 1}

	n, err := oracle.AcquireNonce(ctx, params)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n.Nonce)

	peek, err := oracle.GetNextNonce(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), peek.Nonce, "reserved nonce is skipped")

	oracle.ReleaseNonce(addr, 1, n.Nonce)
	peek, err = oracle.GetNextNonce(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), peek.Nonce, "released nonce is free again")

	n, err = oracle.AcquireNonce(ctx, params)
	require.NoError(t, err)
	oracle.CommitNonce(addr, 1, n.Nonce)

	// The node still reports 3: the accepted transaction is not visible to it yet.
	peek, err = oracle.GetNextNonce(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), peek.Nonce)
}

func TestNonceOracle_HoldSkipsCallerChosenNonce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	oracle := NewNonceOracle(env.providers, env.store)
	env.mainnet.SetNonce(testAccount.Address, 7)

	oracle.HoldNonce(testAccount.Address, 1, 7)
	n, err := oracle.AcquireNonce(ctx, NonceParams{Account: testAccount.Address, ChainID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n.Nonce)

	_, err = oracle.GetNextNonce(ctx, NonceParams{Account: common.Address{}, ChainID: 1})
	assert.ErrorIs(t, err, ErrFromAddressZero)
}
