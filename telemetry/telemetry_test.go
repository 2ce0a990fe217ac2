package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uniswap/walletcore"
	"github.com/uniswap/walletcore/internal/circuitbreaker"
)

func TestMetrics_TrackSubmitted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	event := walletcore.SubmissionEvent{
		ChainID:               1,
		Hash:                  common.HexToHash("0x01"),
		Type:                  walletcore.TransactionTypeSwap,
		Routing:               walletcore.RoutingClassic,
		TransactionOriginType: walletcore.TransactionOriginInternal,
	}
	m.TrackSubmitted(ctx, event)
	m.TrackSubmitted(ctx, event)
	event.ViaPrivateRPC = true
	m.TrackSubmitted(ctx, event)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubmittedTotal.WithLabelValues("1", "swap", string(walletcore.RoutingClassic), string(walletcore.TransactionOriginInternal), "false", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubmittedTotal.WithLabelValues("1", "swap", string(walletcore.RoutingClassic), string(walletcore.TransactionOriginInternal), "true", "false")))
}

func TestMetrics_TrackFailed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TrackFailed(context.Background(), walletcore.StageSign, 42161)

	expected := `
# HELP walletcore_transaction_failures_total Transactions that failed before acceptance, by stage
# TYPE walletcore_transaction_failures_total counter
walletcore_transaction_failures_total{chain_id="42161",stage="` + walletcore.StageSign + `"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "walletcore_transaction_failures_total"))
}

func TestMetrics_ObserveCircuit(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveCircuit("mainnet", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, float64(circuitbreaker.StateOpen), testutil.ToFloat64(m.CircuitState.WithLabelValues("mainnet")))
}

func TestBus_Delivers(t *testing.T) {
	bus := NewBus(zap.NewNop(), 8)
	defer bus.Close()

	got := make(chan walletcore.PendingNotification, 2)
	unsubscribe := bus.Subscribe(func(_ context.Context, n walletcore.PendingNotification) {
		got <- n
	})

	bus.NotifyPending(context.Background(), walletcore.PendingNotification{TxID: "a", ChainID: 1})
	select {
	case n := <-got:
		assert.Equal(t, "a", n.TxID)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	unsubscribe()
	bus.NotifyPending(context.Background(), walletcore.PendingNotification{TxID: "b", ChainID: 1})
	select {
	case n := <-got:
		t.Fatalf("unsubscribed handler got %s", n.TxID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_RecoversHandlerPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	bus := NewBus(zap.New(core), 8)
	defer bus.Close()

	done := make(chan struct{})
	bus.Subscribe(func(context.Context, walletcore.PendingNotification) { panic("boom") })
	bus.Subscribe(func(context.Context, walletcore.PendingNotification) { close(done) })

	bus.NotifyPending(context.Background(), walletcore.PendingNotification{TxID: "a"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler not called")
	}
	assert.Eventually(t, func() bool { return logs.FilterMessage("notification handler panicked").Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBus_ClosedDrops(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	bus := NewBus(zap.New(core), 1)
	bus.Close()

	bus.NotifyPending(context.Background(), walletcore.PendingNotification{TxID: "late"})
	entries := logs.FilterMessage("dropping notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, ErrBusClosed.Error(), entries[0].ContextMap()["error"])
}
