// internal/pool/pool.go
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"toolgate/pkg/credentials"
)

// CredentialSource supplies a currently-valid credential per tenant.
// *credentials.Refresher is the production implementation.
type CredentialSource interface {
	Valid(ctx context.Context, tenantID string) (credentials.Credential, error)
}

// Handle is one pooled worker plus its sharing bookkeeping. Refcounts are
// mutated only under the pool's lock.
type Handle struct {
	TenantID  string
	worker    Worker
	refCount  int
	lastUsed  time.Time
	createdAt time.Time
}

// Tools returns the descriptor list cached at worker-ready time.
func (h *Handle) Tools() []ToolDescriptor { return h.worker.Tools() }

// Call invokes a tool on the underlying worker.
func (h *Handle) Call(ctx context.Context, tool string, args []byte) ([]byte, error) {
	return h.worker.Call(ctx, tool, args)
}

// EntryStat is a read-only snapshot of one pool entry.
type EntryStat struct {
	TenantID string    `json:"tenant_id"`
	RefCount int       `json:"ref_count"`
	LastUsed time.Time `json:"last_used"`
	Created  time.Time `json:"created"`
	Tools    int       `json:"tools"`
}

// Pool maps each tenant to at most one live worker, shared across concurrent
// acquirers and reclaimed after a real idle period.
type Pool struct {
	creds        CredentialSource
	launcher     Launcher
	idleLimit    time.Duration
	reapInterval time.Duration
	clock        clock.Clock
	log          *zap.SugaredLogger

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*Handle

	reaperOn   bool
	stopOnce   sync.Once
	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New builds the pool and starts its idle reaper. Call Shutdown to stop the
// reaper and close every worker.
func New(creds CredentialSource, launcher Launcher, idleLimit, reapInterval time.Duration, log *zap.SugaredLogger) *Pool {
	p := newPool(creds, launcher, idleLimit, reapInterval, clock.New(), log)
	p.startReaper()
	return p
}

func (p *Pool) startReaper() {
	p.reaperOn = true
	go p.reapLoop()
}

func newPool(creds CredentialSource, launcher Launcher, idleLimit, reapInterval time.Duration, clk clock.Clock, log *zap.SugaredLogger) *Pool {
	return &Pool{
		creds:        creds,
		launcher:     launcher,
		idleLimit:    idleLimit,
		reapInterval: reapInterval,
		clock:        clk,
		log:          log,
		entries:      make(map[string]*Handle),
		reaperStop:   make(chan struct{}),
		reaperDone:   make(chan struct{}),
	}
}

// Acquire returns the tenant's worker handle, starting one if none exists.
// Creation is single-flight per tenant: concurrent acquirers for the same
// tenant converge on one spawn and share the resulting handle.
func (p *Pool) Acquire(ctx context.Context, tenantID string) (*Handle, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id required")
	}
	for {
		if h := p.retain(tenantID); h != nil {
			return h, nil
		}
		v, err, _ := p.group.Do(tenantID, func() (any, error) {
			// A finished flight may already have registered the entry.
			p.mu.Lock()
			h, ok := p.entries[tenantID]
			p.mu.Unlock()
			if ok {
				return h, nil
			}
			return p.create(ctx, tenantID)
		})
		if err != nil {
			return nil, err
		}
		h := v.(*Handle)
		// The flight result may have been reaped between Do returning and
		// this retain; loop and create again in that unlikely case.
		p.mu.Lock()
		if cur, ok := p.entries[tenantID]; ok && cur == h {
			h.refCount++
			h.lastUsed = p.clock.Now()
			p.mu.Unlock()
			return h, nil
		}
		p.mu.Unlock()
	}
}

// retain bumps an existing entry's refcount, or returns nil if absent.
func (p *Pool) retain(tenantID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.entries[tenantID]
	if !ok {
		return nil
	}
	h.refCount++
	h.lastUsed = p.clock.Now()
	return h
}

// create obtains a valid credential, starts the worker, and registers the
// handle with refcount zero (the acquirer increments it). On any failure the
// map is left clean so the next acquire retries from scratch.
func (p *Pool) create(ctx context.Context, tenantID string) (*Handle, error) {
	cred, err := p.creds.Valid(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	w, err := p.launcher.Start(ctx, cred)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	h := &Handle{TenantID: tenantID, worker: w, lastUsed: now, createdAt: now}
	p.mu.Lock()
	p.entries[tenantID] = h
	p.mu.Unlock()
	workersStarted.Inc()
	activeWorkers.WithLabelValues(tenantID).Set(1)
	p.log.Infow("worker started", "tenant", tenantID, "tools", len(w.Tools()))
	return h, nil
}

// Release drops one reference. Releasing a tenant with no entry is tolerated:
// callers release unconditionally, including after failed or already-evicted
// acquires.
func (p *Pool) Release(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.entries[tenantID]
	if !ok {
		p.log.Debugw("release for tenant with no pooled worker", "tenant", tenantID)
		return
	}
	if h.refCount == 0 {
		p.log.Warnw("release would underflow refcount, clamped at zero", "tenant", tenantID)
		return
	}
	h.refCount--
	h.lastUsed = p.clock.Now()
}

// ReapIdle evicts every entry that has no references and has been idle past
// the limit. Close failures are logged and never block removal.
func (p *Pool) ReapIdle(now time.Time) {
	p.mu.Lock()
	var victims []*Handle
	for id, h := range p.entries {
		if h.refCount == 0 && now.Sub(h.lastUsed) > p.idleLimit {
			delete(p.entries, id)
			victims = append(victims, h)
		}
	}
	p.mu.Unlock()
	for _, h := range victims {
		if err := h.worker.Close(); err != nil {
			p.log.Warnw("worker close during reap", "tenant", h.TenantID, "err", err)
		}
		workersReaped.Inc()
		activeWorkers.WithLabelValues(h.TenantID).Set(0)
		p.log.Infow("idle worker reaped", "tenant", h.TenantID, "idle", now.Sub(h.lastUsed).String())
	}
}

func (p *Pool) reapLoop() {
	defer close(p.reaperDone)
	ticker := p.clock.Ticker(p.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.ReapIdle(p.clock.Now())
		case <-p.reaperStop:
			return
		}
	}
}

// Stats returns a snapshot of all live entries.
func (p *Pool) Stats() []EntryStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EntryStat, 0, len(p.entries))
	for _, h := range p.entries {
		out = append(out, EntryStat{
			TenantID: h.TenantID,
			RefCount: h.refCount,
			LastUsed: h.lastUsed,
			Created:  h.createdAt,
			Tools:    len(h.worker.Tools()),
		})
	}
	return out
}

// Shutdown stops the reaper and closes every worker regardless of refcount.
// Used on graceful process termination; errors are logged, not returned.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.reaperStop) })
	if p.reaperOn {
		select {
		case <-p.reaperDone:
		case <-ctx.Done():
		}
	}
	p.mu.Lock()
	victims := make([]*Handle, 0, len(p.entries))
	for id, h := range p.entries {
		delete(p.entries, id)
		victims = append(victims, h)
	}
	p.mu.Unlock()
	for _, h := range victims {
		if err := h.worker.Close(); err != nil {
			p.log.Warnw("worker close during shutdown", "tenant", h.TenantID, "err", err)
		}
		activeWorkers.WithLabelValues(h.TenantID).Set(0)
	}
	p.log.Infow("pool shut down", "workers_closed", len(victims))
}
