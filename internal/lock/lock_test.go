package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	first, ok, err := l.TryLock(ctx, "activate", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "activate", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.TryLock(ctx, "update", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	require.NoError(t, first.Unlock(ctx))
	_, ok, err = l.TryLock(ctx, "activate", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockerExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	stale, ok, err := l.TryLock(ctx, "activate", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	fresh, ok, err := l.TryLock(ctx, "activate", time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expired lock can be taken over")

	require.NoError(t, stale.Unlock(ctx))
	_, ok, err = l.TryLock(ctx, "activate", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "stale unlock must not release the new holder")

	require.NoError(t, fresh.Unlock(ctx))
}

func TestLocalLockerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := NewLocalLocker().TryLock(ctx, "activate", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
}
