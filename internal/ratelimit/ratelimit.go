// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the admission verdict for one request. Both backends report the
// same shape so callers stay implementation-agnostic.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at"` // epoch seconds when the window resets
}

// Limiter admits or denies one request for a key (tenant id).
type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
}

var (
	admissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gate_admission_total",
		Help: "Admission decisions by outcome.",
	}, []string{"outcome"})
	remainingQuota = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gate_admission_remaining",
		Help: "Remaining requests in the current window per tenant.",
	}, []string{"tenant"})
)

// New builds the admission controller: Redis-backed windows when a client is
// available (multi-instance deployments), in-process windows otherwise. The
// result always fails open on backend errors.
func New(rdb *redis.Client, limit int, window time.Duration, log *zap.SugaredLogger) Limiter {
	var inner Limiter
	if rdb != nil {
		inner = NewRedisLimiter(rdb, limit, window)
	} else {
		inner = NewMemoryLimiter(limit, window)
	}
	return &failOpen{inner: inner, limit: limit, window: window, log: log}
}

// failOpen allows the request when the backend errors; blocking all traffic
// on a Redis outage would be worse than briefly losing rate enforcement.
type failOpen struct {
	inner  Limiter
	limit  int
	window time.Duration
	log    *zap.SugaredLogger
}

func (f *failOpen) Check(ctx context.Context, key string) (Decision, error) {
	d, err := f.inner.Check(ctx, key)
	if err != nil {
		f.log.Warnw("rate limit backend error, failing open", "key", key, "err", err)
		now := time.Now()
		d = Decision{Allowed: true, Limit: f.limit, Remaining: f.limit, ResetAt: now.Add(f.window).Unix()}
	}
	if d.Allowed {
		admissionTotal.WithLabelValues("allowed").Inc()
	} else {
		admissionTotal.WithLabelValues("denied").Inc()
	}
	remainingQuota.WithLabelValues(key).Set(float64(d.Remaining))
	return d, nil
}
