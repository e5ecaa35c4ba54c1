// internal/ratelimit/memory.go
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowState struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps fixed windows per key in process memory. Single-instance
// fallback for when no Redis is configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowState
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*windowState),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (m *MemoryLimiter) Check(ctx context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w, ok := m.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &windowState{count: 1, resetAt: now.Add(m.window)}
		m.windows[key] = w
		return Decision{Allowed: true, Limit: m.limit, Remaining: m.limit - 1, ResetAt: w.resetAt.Unix()}, nil
	}
	if w.count < m.limit {
		w.count++
		return Decision{Allowed: true, Limit: m.limit, Remaining: m.limit - w.count, ResetAt: w.resetAt.Unix()}, nil
	}
	// Denied requests do not consume the window.
	return Decision{Allowed: false, Limit: m.limit, Remaining: 0, ResetAt: w.resetAt.Unix()}, nil
}
