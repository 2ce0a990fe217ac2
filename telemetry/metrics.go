// Package telemetry turns submission analytics into prometheus metrics and dispatches
// pending-transaction notifications.
package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uniswap/walletcore"
	"github.com/uniswap/walletcore/internal/circuitbreaker"
)

// Metrics implements walletcore.AnalyticsSink.
type Metrics struct {
	SubmittedTotal *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	CircuitState   *prometheus.GaugeVec
}

// NewMetrics registers the walletcore metrics with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SubmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "walletcore_transactions_submitted_total",
			Help: "Transactions accepted by the network",
		}, []string{"chain_id", "type", "routing", "origin", "private_rpc", "sync"}),
		FailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "walletcore_transaction_failures_total",
			Help: "Transactions that failed before acceptance, by stage",
		}, []string{"chain_id", "stage"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walletcore_rpc_circuit_state",
			Help: "Circuit breaker state per RPC endpoint (0 closed, 1 open, 2 half-open)",
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) TrackSubmitted(_ context.Context, e walletcore.SubmissionEvent) {
	m.SubmittedTotal.WithLabelValues(
		chainLabel(e.ChainID),
		string(e.Type),
		string(e.Routing),
		string(e.TransactionOriginType),
		strconv.FormatBool(e.ViaPrivateRPC),
		strconv.FormatBool(e.Sync),
	).Inc()
}

func (m *Metrics) TrackFailed(_ context.Context, stage string, chainID uint64) {
	m.FailedTotal.WithLabelValues(chainLabel(chainID), stage).Inc()
}

// ObserveCircuit records a breaker transition. It fits circuitbreaker.Settings.OnStateChange.
func (m *Metrics) ObserveCircuit(name string, _, to circuitbreaker.State) {
	m.CircuitState.WithLabelValues(name).Set(float64(to))
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
