// Package metrics exposes the sync server's Prometheus instrumentation:
// package-level prometheus.Collector vars plus a sync.Once-guarded
// MustRegister, instead of a struct threaded through every component.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_push_total",
			Help: "Total number of POST /sync/push requests, by outcome.",
		},
		[]string{"outcome"},
	)

	PullTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_pull_total",
			Help: "Total number of GET /sync/pull requests.",
		},
		[]string{},
	)

	StoreHead = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_store_head",
			Help: "Current head (highest assigned globalSequence) of a store.",
		},
		[]string{"store_id"},
	)

	LedgerAppendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharing_ledger_append_total",
			Help: "Total number of sharing ledger appends, by stream and outcome.",
		},
		[]string{"stream", "outcome"},
	)

	collectors = []prometheus.Collector{
		PushTotal,
		PullTotal,
		StoreHead,
		LedgerAppendTotal,
	}

	registerOnce sync.Once
)

// Register registers all collectors with the default Prometheus registry.
// Idempotent.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}
