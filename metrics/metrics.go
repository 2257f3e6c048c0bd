// Package metrics exposes Prometheus collectors for the card bridge and the
// keybox updater.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HelperStartsTotal counts card daemon processes spawned.
	HelperStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ironcard_scdaemon_starts_total",
		Help: "Total number of card daemon processes spawned",
	})

	// HelperExitsTotal counts card daemon exits observed by the reaper.
	HelperExitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ironcard_scdaemon_exits_total",
		Help: "Total number of card daemon process exits",
	})

	// ActiveSessions tracks registered client sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ironcard_sessions_active",
		Help: "Current number of client sessions registered with the supervisor",
	})

	// TransactionsTotal counts card daemon transactions by command verb and result.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ironcard_transactions_total",
		Help: "Total number of card daemon transactions",
	}, []string{"command", "result"})

	// TransactionDuration tracks transaction latency.
	TransactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ironcard_transaction_duration_seconds",
		Help:    "Card daemon transaction duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	// PinCachePutsTotal counts PINCACHE_PUT status lines by outcome.
	PinCachePutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ironcard_pincache_puts_total",
		Help: "Total number of PIN cache put requests",
	}, []string{"result"}) // "stored", "flushed", "ignored" or "failed"

	// KeyboxUpdatesTotal counts keybox mutations by operation and result.
	KeyboxUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ironcard_keybox_updates_total",
		Help: "Total number of keybox file mutations",
	}, []string{"op", "result"})
)

// RecordTransaction records the outcome and latency of one transaction.
func RecordTransaction(command string, err error, seconds float64) {
	TransactionsTotal.WithLabelValues(command, resultLabel(err)).Inc()
	TransactionDuration.WithLabelValues(command).Observe(seconds)
}

// RecordPinCachePut records a PIN cache put outcome.
func RecordPinCachePut(result string) {
	PinCachePutsTotal.WithLabelValues(result).Inc()
}

// RecordKeyboxUpdate records a keybox mutation outcome.
func RecordKeyboxUpdate(op string, err error) {
	KeyboxUpdatesTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
