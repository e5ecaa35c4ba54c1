// internal/pool/metrics.go
package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gate_pool_active_workers",
		Help: "Whether a live worker exists for a tenant.",
	}, []string{"tenant"})
	workersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gate_pool_workers_started_total",
		Help: "Workers started since process start.",
	})
	workersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gate_pool_workers_reaped_total",
		Help: "Idle workers evicted by the reaper.",
	})
)
