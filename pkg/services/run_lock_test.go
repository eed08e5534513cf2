package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLockerContract is shared by the memory and Redis lockers.
func runLockerContract(t *testing.T, locker RunLocker) {
	ctx := context.Background()
	project := uuid.New()
	first, second := uuid.New(), uuid.New()

	ok, err := locker.Acquire(ctx, project, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(ctx, project, second)
	require.NoError(t, err)
	assert.False(t, ok, "second run must be rejected while the first holds the lock")

	locked, err := locker.Locked(ctx, project)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, locker.Refresh(ctx, project, first))

	// A stale holder cannot release someone else's lock.
	require.NoError(t, locker.Release(ctx, project, second))
	locked, err = locker.Locked(ctx, project)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, locker.Release(ctx, project, first))
	locked, err = locker.Locked(ctx, project)
	require.NoError(t, err)
	assert.False(t, locked)

	ok, err = locker.Acquire(ctx, project, second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, locker.Release(ctx, project, second))

	// Locks are per project.
	other := uuid.New()
	ok, err = locker.Acquire(ctx, project, first)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = locker.Acquire(ctx, other, second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, locker.Release(ctx, project, first))
	require.NoError(t, locker.Release(ctx, other, second))
}

func TestMemoryRunLocker(t *testing.T) {
	runLockerContract(t, NewMemoryRunLocker())
}
