package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qualia-backend/domain/core/entities"
	"qualia-backend/infrastructure/persistence/memory"
)

type recordingIntegrator struct {
	mu         sync.Mutex
	integrated map[string]int
	compacted  map[string]int
	block      chan struct{} // when non-nil, IntegrateMessages waits on it
}

func newRecordingIntegrator() *recordingIntegrator {
	return &recordingIntegrator{
		integrated: make(map[string]int),
		compacted:  make(map[string]int),
	}
}

func (r *recordingIntegrator) IntegrateMessages(ctx context.Context, entityID string) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrated[entityID]++
	return nil
}

func (r *recordingIntegrator) CompactIfNeeded(ctx context.Context, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compacted[entityID]++
	return nil
}

func (r *recordingIntegrator) integrations(entityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.integrated[entityID]
}

func (r *recordingIntegrator) compactions(entityID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compacted[entityID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDispatcher_IntegratesOnDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	integrator := newRecordingIntegrator()
	dispatcher := NewDispatcher(store, integrator, zap.NewNop())

	go dispatcher.Run(ctx)

	msg := entities.NewPendingMessage("entity-1", "sender", "hello", nil, time.Now())
	require.NoError(t, store.Append(ctx, msg))

	waitFor(t, func() bool { return integrator.integrations("entity-1") >= 1 })
	waitFor(t, func() bool { return integrator.compactions("entity-1") >= 1 })
}

func TestDispatcher_SerializesPerEntity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	integrator := newRecordingIntegrator()
	integrator.block = make(chan struct{})
	dispatcher := NewDispatcher(store, integrator, zap.NewNop())

	go dispatcher.Run(ctx)

	// First delivery starts a run that blocks; the rest arrive while it
	// is in flight and must coalesce into at most one follow-up run.
	for i := 0; i < 5; i++ {
		msg := entities.NewPendingMessage("entity-1", "sender", "m", nil, time.Now())
		require.NoError(t, store.Append(ctx, msg))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, integrator.integrations("entity-1"), "run should still be blocked")

	close(integrator.block)

	waitFor(t, func() bool { return integrator.integrations("entity-1") >= 1 })
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, integrator.integrations("entity-1"), 2, "bursts must coalesce")
}

func TestDispatcher_IndependentEntitiesRunConcurrently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	integrator := newRecordingIntegrator()
	dispatcher := NewDispatcher(store, integrator, zap.NewNop())

	go dispatcher.Run(ctx)

	require.NoError(t, store.Append(ctx, entities.NewPendingMessage("entity-a", "s", "m", nil, time.Now())))
	require.NoError(t, store.Append(ctx, entities.NewPendingMessage("entity-b", "s", "m", nil, time.Now())))

	waitFor(t, func() bool {
		return integrator.integrations("entity-a") >= 1 && integrator.integrations("entity-b") >= 1
	})
}

func TestDispatcher_NotifyTriggersCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	integrator := newRecordingIntegrator()
	dispatcher := NewDispatcher(store, integrator, zap.NewNop())

	go dispatcher.Run(ctx)

	dispatcher.Notify(ctx, "entity-1")
	waitFor(t, func() bool { return integrator.integrations("entity-1") >= 1 })
}

func TestDispatcher_NotifyContextDoesNotBindWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	integrator := newRecordingIntegrator()
	dispatcher := NewDispatcher(store, integrator, zap.NewNop())

	go dispatcher.Run(ctx)

	// First touch of the entity comes from a short-lived caller, the way
	// an HTTP request does. Its cancellation must not kill the worker.
	callerCtx, callerCancel := context.WithCancel(context.Background())
	callerCancel()
	dispatcher.Notify(callerCtx, "entity-1")

	msg := entities.NewPendingMessage("entity-1", "sender", "hello", nil, time.Now())
	require.NoError(t, store.Append(ctx, msg))

	waitFor(t, func() bool { return integrator.integrations("entity-1") >= 1 })
}

func TestDispatcher_DrainsBacklogFromBeforeRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	integrator := newRecordingIntegrator()

	// Messages already due before the dispatcher subscribes must still
	// be picked up, not lost to the subscription race.
	require.NoError(t, store.Append(ctx, entities.NewPendingMessage("entity-1", "sender", "early", nil, time.Now().Add(-time.Second))))
	require.NoError(t, store.Append(ctx, entities.NewPendingMessage("entity-2", "sender", "early", nil, time.Now().Add(-time.Second))))

	dispatcher := NewDispatcher(store, integrator, zap.NewNop())
	go dispatcher.Run(ctx)

	waitFor(t, func() bool {
		return integrator.integrations("entity-1") >= 1 && integrator.integrations("entity-2") >= 1
	})
}

func TestDispatcher_FutureDeliveryWaits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore()
	integrator := newRecordingIntegrator()
	dispatcher := NewDispatcher(store, integrator, zap.NewNop())

	go dispatcher.Run(ctx)

	msg := entities.NewPendingMessage("entity-1", "sender", "later", nil, time.Now().Add(150*time.Millisecond))
	require.NoError(t, store.Append(ctx, msg))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, integrator.integrations("entity-1"), "must not fire before delivery time")

	waitFor(t, func() bool { return integrator.integrations("entity-1") >= 1 })
}
