package pool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"toolgate/pkg/config"
	"toolgate/pkg/credentials"
)

type fakeCreds struct {
	cred credentials.Credential
	err  error
}

func (f fakeCreds) Valid(ctx context.Context, tenantID string) (credentials.Credential, error) {
	if f.err != nil {
		return credentials.Credential{}, f.err
	}
	c := f.cred
	c.TenantID = tenantID
	return c, nil
}

type fakeWorker struct {
	tools  []ToolDescriptor
	closed atomic.Int32
}

func (w *fakeWorker) Tools() []ToolDescriptor { return w.tools }
func (w *fakeWorker) Call(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}
func (w *fakeWorker) Close() error {
	w.closed.Add(1)
	return nil
}

type fakeLauncher struct {
	starts atomic.Int32
	err    error
	gate   chan struct{} // if set, Start blocks until closed
	last   atomic.Pointer[credentials.Credential]
	mu     sync.Mutex
	made   []*fakeWorker
}

func (l *fakeLauncher) Start(ctx context.Context, cred credentials.Credential) (Worker, error) {
	l.starts.Add(1)
	l.last.Store(&cred)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	w := &fakeWorker{tools: []ToolDescriptor{{Name: "echo"}}}
	l.mu.Lock()
	l.made = append(l.made, w)
	l.mu.Unlock()
	return w, nil
}

func testPool(launcher Launcher, creds CredentialSource, clk clock.Clock) *Pool {
	return newPool(creds, launcher, 5*time.Minute, time.Minute, clk, zap.NewNop().Sugar())
}

func TestConcurrentAcquireStartsOneWorker(t *testing.T) {
	launcher := &fakeLauncher{gate: make(chan struct{})}
	p := testPool(launcher, fakeCreds{cred: credentials.Credential{AccessToken: "tok"}}, clock.New())

	const n = 16
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), "t1")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // let every acquirer reach the flight
	close(launcher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), launcher.starts.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, handles[0], handles[i])
	}
	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, n, stats[0].RefCount)
}

func TestAcquireReleaseBalancesToZero(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(launcher, fakeCreds{cred: credentials.Credential{AccessToken: "tok"}}, clock.New())

	const n = 5
	for i := 0; i < n; i++ {
		_, err := p.Acquire(context.Background(), "t1")
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		p.Release("t1")
	}
	stats := p.Stats()
	require.Len(t, stats, 1, "entry stays until the idle window elapses")
	assert.Equal(t, 0, stats[0].RefCount)
}

func TestReleaseUnknownTenantIsNoop(t *testing.T) {
	p := testPool(&fakeLauncher{}, fakeCreds{}, clock.New())
	p.Release("nobody") // must not panic or create state
	assert.Empty(t, p.Stats())
}

func TestReleaseClampsAtZero(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(launcher, fakeCreds{cred: credentials.Credential{AccessToken: "tok"}}, clock.New())
	_, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	p.Release("t1")
	p.Release("t1") // extra release is clamped, not negative
	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].RefCount)
}

func TestReapIdleEvictsOnlyIdlePastLimit(t *testing.T) {
	mock := clock.NewMock()
	launcher := &fakeLauncher{}
	p := testPool(launcher, fakeCreds{cred: credentials.Credential{AccessToken: "tok"}}, mock)
	ctx := context.Background()

	// busy: held reference, ancient lastUsed must not matter
	_, err := p.Acquire(ctx, "busy")
	require.NoError(t, err)
	// idle-old: released, then time passes beyond the limit
	_, err = p.Acquire(ctx, "idle-old")
	require.NoError(t, err)
	p.Release("idle-old")

	mock.Add(6 * time.Minute)

	// idle-fresh: released just now
	_, err = p.Acquire(ctx, "idle-fresh")
	require.NoError(t, err)
	p.Release("idle-fresh")

	p.ReapIdle(mock.Now())

	stats := p.Stats()
	byTenant := map[string]EntryStat{}
	for _, s := range stats {
		byTenant[s.TenantID] = s
	}
	assert.Contains(t, byTenant, "busy", "referenced entries are never reaped")
	assert.Contains(t, byTenant, "idle-fresh", "inside the idle window")
	assert.NotContains(t, byTenant, "idle-old")

	require.Len(t, launcher.made, 3)
	var closed int
	for _, w := range launcher.made {
		closed += int(w.closed.Load())
	}
	assert.Equal(t, 1, closed, "only the evicted worker is closed")
}

func TestReapedTenantGetsFreshWorker(t *testing.T) {
	mock := clock.NewMock()
	launcher := &fakeLauncher{}
	p := testPool(launcher, fakeCreds{cred: credentials.Credential{AccessToken: "tok"}}, mock)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)
	p.Release("t1")
	mock.Add(10 * time.Minute)
	p.ReapIdle(mock.Now())
	require.Empty(t, p.Stats())

	h, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(2), launcher.starts.Load())
}

func TestStartupFailureLeavesMapClean(t *testing.T) {
	launcher := &fakeLauncher{err: ErrStartup}
	p := testPool(launcher, fakeCreds{cred: credentials.Credential{AccessToken: "tok"}}, clock.New())

	_, err := p.Acquire(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrStartup)
	assert.Empty(t, p.Stats())

	// Next acquire retries the spawn instead of seeing a zombie entry.
	_, err = p.Acquire(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrStartup)
	assert.Equal(t, int32(2), launcher.starts.Load())
}

func TestAcquireNotOnboardedTenant(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(launcher, fakeCreds{err: credentials.ErrNotOnboarded}, clock.New())

	_, err := p.Acquire(context.Background(), "ghost")
	assert.ErrorIs(t, err, credentials.ErrNotOnboarded)
	assert.Equal(t, int32(0), launcher.starts.Load(), "no worker spawn without credentials")
}

func TestAcquireEmptyTenantID(t *testing.T) {
	p := testPool(&fakeLauncher{}, fakeCreds{}, clock.New())
	_, err := p.Acquire(context.Background(), "")
	assert.Error(t, err)
}

func TestBackgroundReaperEvicts(t *testing.T) {
	mock := clock.NewMock()
	launcher := &fakeLauncher{}
	p := testPool(launcher, fakeCreds{cred: credentials.Credential{AccessToken: "tok"}}, mock)
	p.startReaper()
	defer p.Shutdown(context.Background())

	_, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	p.Release("t1")

	time.Sleep(20 * time.Millisecond) // let the reaper set up its ticker
	mock.Add(10 * time.Minute)

	require.Eventually(t, func() bool {
		return len(p.Stats()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesEverythingRegardlessOfRefcount(t *testing.T) {
	launcher := &fakeLauncher{}
	p := testPool(launcher, fakeCreds{cred: credentials.Credential{AccessToken: "tok"}}, clock.New())
	p.startReaper()

	_, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "t2")
	require.NoError(t, err)
	p.Release("t2")

	p.Shutdown(context.Background())

	assert.Empty(t, p.Stats())
	require.Len(t, launcher.made, 2)
	for _, w := range launcher.made {
		assert.Equal(t, int32(1), w.closed.Load())
	}
}

func TestAcquireBootstrapsCredentialFromLinkedAccount(t *testing.T) {
	store := credentials.NewMemoryStore(zap.NewNop().Sugar())
	store.PutAccount(credentials.LinkedAccount{
		TenantID:    "t1",
		AccessToken: "abc",
		LocationRef: "loc1",
	})
	refresher := credentials.NewRefresher(store, config.Config{RefreshTimeout: 5 * time.Second}, zap.NewNop().Sugar())
	launcher := &fakeLauncher{}
	p := testPool(launcher, refresher, clock.New())

	_, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), launcher.starts.Load())
	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].RefCount)

	used := launcher.last.Load()
	require.NotNil(t, used)
	assert.Equal(t, "abc", used.AccessToken)
	assert.Equal(t, "loc1", used.LocationRef)

	created, err := store.Find(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "abc", created.AccessToken)
}
