package locking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qualia-backend/domain/core/entities"
	"qualia-backend/infrastructure/persistence/memory"
	"qualia-backend/infrastructure/presence"
	pkgerrors "qualia-backend/pkg/errors"
)

func newTestManager(t *testing.T, store *memory.Store, pres *presence.MemoryStore) *Manager {
	t.Helper()
	return NewManager(store, pres, NewIdentity(), zap.NewNop())
}

func TestAcquireRelease_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	mgr := newTestManager(t, store, pres)

	acquired, err := mgr.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	rec, err := store.Get(ctx, "entity-1")
	require.NoError(t, err)
	assert.Equal(t, mgr.OwnerID(), rec.LockOwner)
	require.NotNil(t, rec.LockExpiresAt)

	require.NoError(t, mgr.Release(ctx, "entity-1"))

	rec, err = store.Get(ctx, "entity-1")
	require.NoError(t, err)
	assert.Empty(t, rec.LockOwner)
	assert.Nil(t, rec.LockExpiresAt)

	live, err := pres.IsLive(ctx, "entity-1", mgr.OwnerID())
	require.NoError(t, err)
	assert.False(t, live)
}

func TestAcquire_ContendedByLiveHolder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	holder := newTestManager(t, store, pres)
	challenger := newTestManager(t, store, pres)

	acquired, err := holder.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = challenger.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	assert.False(t, acquired, "live holder must not be preempted")

	// contention must not leave the challenger's liveness key behind
	live, err := pres.IsLive(ctx, "entity-1", challenger.OwnerID())
	require.NoError(t, err)
	assert.False(t, live)
}

func TestAcquire_StealsFromDeadOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	holder := newTestManager(t, store, pres)
	challenger := newTestManager(t, store, pres)

	acquired, err := holder.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	// the holder crashes: its liveness key auto-deletes, the lock
	// fields stay behind
	pres.Disconnect("entity-1", holder.OwnerID())

	acquired, err = challenger.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	assert.True(t, acquired)

	rec, err := store.Get(ctx, "entity-1")
	require.NoError(t, err)
	assert.Equal(t, challenger.OwnerID(), rec.LockOwner)
}

func TestAcquire_PreconditionRejects(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	mgr := newTestManager(t, store, pres)

	acquired, err := mgr.Acquire(ctx, "entity-1", time.Minute, func(rec *entities.EntityRecord) bool {
		return rec.CurrentVersionID != "" // never true for a fresh entity
	})
	require.NoError(t, err)
	assert.False(t, acquired)

	rec, err := store.Get(ctx, "entity-1")
	require.NoError(t, err)
	assert.Empty(t, rec.LockOwner)
}

func TestRunExclusive_ReleasesOnError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	mgr := newTestManager(t, store, pres)

	ran, err := mgr.RunExclusive(ctx, "entity-1", time.Minute, nil, func(ctx context.Context) error {
		return errors.New("work exploded")
	})
	require.True(t, ran)
	require.EqualError(t, err, "work exploded")

	rec, err := store.Get(ctx, "entity-1")
	require.NoError(t, err)
	assert.Empty(t, rec.LockOwner, "lock must not outlive a failing holder")
}

func TestRunExclusive_SkipsWorkWhenContended(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	holder := newTestManager(t, store, pres)
	challenger := newTestManager(t, store, pres)

	acquired, err := holder.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	ran, err := challenger.RunExclusive(ctx, "entity-1", time.Minute, nil, func(ctx context.Context) error {
		t.Fatal("work must not run under contention")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestWaitForRelease_ResolvesOnRelease(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	holder := newTestManager(t, store, pres)
	waiter := newTestManager(t, store, pres)

	acquired, err := holder.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	done := make(chan error, 1)
	go func() {
		done <- waiter.WaitForRelease(ctx, "entity-1", 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, holder.Release(ctx, "entity-1"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waitForRelease did not resolve after release")
	}
}

func TestWaitForRelease_ResolvesOnHolderDeath(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	holder := newTestManager(t, store, pres)
	waiter := newTestManager(t, store, pres)

	acquired, err := holder.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	done := make(chan error, 1)
	go func() {
		done <- waiter.WaitForRelease(ctx, "entity-1", 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	pres.Disconnect("entity-1", holder.OwnerID())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waitForRelease did not notice the dead holder")
	}
}

func TestWaitForRelease_Timeout(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	holder := newTestManager(t, store, pres)
	waiter := newTestManager(t, store, pres)

	acquired, err := holder.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	err = waiter.WaitForRelease(ctx, "entity-1", 100*time.Millisecond)
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeTimeout))
}

func TestUpdateGuarded_FailsAfterSteal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pres := presence.NewMemoryStore()
	holder := newTestManager(t, store, pres)
	thief := newTestManager(t, store, pres)

	acquired, err := holder.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	// the holder dies and its lock is stolen mid-cycle
	pres.Disconnect("entity-1", holder.OwnerID())
	acquired, err = thief.Acquire(ctx, "entity-1", time.Minute, nil)
	require.NoError(t, err)
	require.True(t, acquired)

	err = holder.UpdateGuarded(ctx, "entity-1", func(rec *entities.EntityRecord) error {
		rec.Balance += 100
		return nil
	})
	assert.True(t, pkgerrors.IsType(err, pkgerrors.ErrorTypeLockVerification))

	rec, err := store.Get(ctx, "entity-1")
	require.NoError(t, err)
	assert.Zero(t, rec.Balance)
}
