package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"qualia-backend/application/ports"
	"qualia-backend/pkg/observability"
)

// Integrator is the slice of the integration service the dispatcher
// drives: fold pending messages into an entity's graph, then shrink the
// graph if it has outgrown its budget.
type Integrator interface {
	IntegrateMessages(ctx context.Context, entityID string) error
	CompactIfNeeded(ctx context.Context, entityID string) error
}

// Dispatcher fans message deliveries into one worker per entity. Each
// worker coalesces whatever arrived while it was busy into a single
// follow-up run, so bursts collapse into few integration cycles and no
// delivery is ever dropped.
type Dispatcher struct {
	messages      ports.MessageRepository
	integrator    Integrator
	logger        *zap.Logger
	metrics       *observability.Metrics
	sweepInterval time.Duration

	mu      sync.Mutex
	runCtx  context.Context
	workers map[string]*entityWorker
	wg      sync.WaitGroup
}

func NewDispatcher(messages ports.MessageRepository, integrator Integrator, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		messages:      messages,
		integrator:    integrator,
		logger:        logger,
		sweepInterval: time.Minute,
		workers:       make(map[string]*entityWorker),
	}
}

// Run consumes delivery notifications until the context is cancelled,
// then waits for in-flight integration cycles to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Workers live for the whole dispatcher run, not for whichever
	// request first touched their entity. Anything registered by an
	// early Notify starts now.
	d.mu.Lock()
	d.runCtx = ctx
	for _, w := range d.workers {
		if !w.started {
			d.startLocked(w)
		}
	}
	d.mu.Unlock()

	deliveries, cancel, err := d.messages.WatchDeliveries(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	// Deliveries only say "something arrived". A notification lost to a
	// crash or a full channel is recovered by the periodic sweep, which
	// re-pokes every entity this process has seen.
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				d.wg.Wait()
				return nil
			}
			if d.metrics != nil {
				d.metrics.PendingMessagesSeen.Inc()
			}
			d.workerFor(msg.EntityID).poke()
		case <-ticker.C:
			d.mu.Lock()
			for _, w := range d.workers {
				w.poke()
			}
			d.mu.Unlock()
		}
	}
}

// SetMetrics attaches Prometheus collectors for delivery throughput.
func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	d.metrics = metrics
}

// Notify schedules an integration cycle for an entity outside the
// delivery stream, for callers that already know work is pending. The
// context scopes only the notification: the worker it wakes runs on the
// dispatcher's own lifecycle.
func (d *Dispatcher) Notify(_ context.Context, entityID string) {
	d.workerFor(entityID).poke()
}

func (d *Dispatcher) workerFor(entityID string) *entityWorker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if w, ok := d.workers[entityID]; ok {
		return w
	}
	w := &entityWorker{
		entityID:   entityID,
		integrator: d.integrator,
		logger:     d.logger.With(zap.String("entity_id", entityID)),
		wake:       make(chan struct{}, 1),
	}
	d.workers[entityID] = w
	if d.runCtx != nil {
		d.startLocked(w)
	}
	return w
}

// startLocked launches the worker goroutine on the run context. Callers
// hold d.mu.
func (d *Dispatcher) startLocked(w *entityWorker) {
	w.started = true
	ctx := d.runCtx
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		w.run(ctx)
	}()
}

// entityWorker serializes integration for one entity. The wake channel
// holds at most one pending signal; pokes during a run coalesce into
// exactly one more run.
type entityWorker struct {
	entityID   string
	integrator Integrator
	logger     *zap.Logger
	wake       chan struct{}
	started    bool
}

func (w *entityWorker) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *entityWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		if err := w.integrator.IntegrateMessages(ctx, w.entityID); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Integration cycle failed", zap.Error(err))
			continue
		}

		if err := w.integrator.CompactIfNeeded(ctx, w.entityID); err != nil && ctx.Err() == nil {
			w.logger.Error("Compaction check failed", zap.Error(err))
		}
	}
}
