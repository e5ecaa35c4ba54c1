package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	l := NewMemoryLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "tenantX")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining, "remaining strictly decreases")
		assert.Equal(t, now.Add(time.Minute).Unix(), d.ResetAt)
	}

	d, err := l.Check(ctx, "tenantX")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	// Still denied, remaining pinned at zero.
	d, err = l.Check(ctx, "tenantX")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	// Past the reset the window starts over.
	now = now.Add(time.Minute + time.Second)
	d, err = l.Check(ctx, "tenantX")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	ctx := context.Background()

	d, _ := l.Check(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = l.Check(ctx, "a")
	assert.False(t, d.Allowed)

	d, _ = l.Check(ctx, "b")
	assert.True(t, d.Allowed, "tenant b has its own window")
}

func TestMemoryLimiterSixtyPerMinute(t *testing.T) {
	l := NewMemoryLimiter(60, time.Minute)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		d, err := l.Check(ctx, "tenantX")
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i+1)
	}
	d, err := l.Check(ctx, "tenantX")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

type errLimiter struct{}

func (errLimiter) Check(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("backend down")
}

func TestFailOpenAllowsOnBackendError(t *testing.T) {
	f := &failOpen{inner: errLimiter{}, limit: 60, window: time.Minute, log: zap.NewNop().Sugar()}
	d, err := f.Check(context.Background(), "tenantX")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 60, d.Limit)
}
