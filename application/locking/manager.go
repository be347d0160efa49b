package locking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/entities"
	pkgerrors "qualia-backend/pkg/errors"
	"qualia-backend/pkg/observability"
)

// Precondition lets callers make acquisition conditional on business
// state. Returning false fails the acquisition regardless of lock status.
type Precondition func(*entities.EntityRecord) bool

// Manager provides per-entity mutual exclusion across processes. The
// authoritative lock state is the (expiry, owner) pair embedded in the
// entity record; the presence store supplies liveness only, which is what
// makes stealing from a crashed holder safe.
type Manager struct {
	entities ports.EntityRepository
	presence ports.PresenceStore
	identity *Identity
	logger   *zap.Logger

	// safetyMargin pads the expiry check so clock skew between workers
	// cannot produce two holders
	safetyMargin time.Duration
	livenessPoll time.Duration

	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]ports.PresenceSession
}

// SetMetrics attaches Prometheus collectors for lock outcomes.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

func (m *Manager) countAcquisition(result string) {
	if m.metrics != nil {
		m.metrics.LockAcquisitions.WithLabelValues(result).Inc()
	}
}

// NewManager creates a lock manager bound to one process identity
func NewManager(
	entityRepo ports.EntityRepository,
	presence ports.PresenceStore,
	identity *Identity,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		entities:     entityRepo,
		presence:     presence,
		identity:     identity,
		logger:       logger,
		safetyMargin: 5 * time.Second,
		livenessPoll: time.Second,
		sessions:     make(map[string]ports.PresenceSession),
	}
}

// Acquire attempts to take the entity's lock for the given duration.
// A false return without error means someone else is working on this
// entity; that is a normal outcome, not a failure.
func (m *Manager) Acquire(ctx context.Context, entityID string, duration time.Duration, precondition Precondition) (bool, error) {
	ownerID := m.identity.Owner().String()

	// The liveness key goes in before the authoritative lock attempt so
	// any other party that reads the lock can immediately verify us.
	session, err := m.presence.Announce(ctx, entityID, ownerID)
	if err != nil {
		return false, pkgerrors.Wrap(err, "announcing presence")
	}

	record, err := m.entities.GetOrCreate(ctx, entityID)
	if err != nil {
		m.closeSession(ctx, session)
		return false, err
	}

	// Probe the recorded holder's liveness outside the transaction; the
	// transaction below re-checks that the holder has not changed since.
	observedOwner := record.LockOwner
	observedLive := false
	if observedOwner != "" {
		observedLive, err = m.presence.IsLive(ctx, entityID, observedOwner)
		if err != nil {
			m.closeSession(ctx, session)
			return false, pkgerrors.Wrap(err, "checking holder liveness")
		}
	}

	now := time.Now()
	acquired, err := m.entities.Update(ctx, entityID, func(rec *entities.EntityRecord) (bool, error) {
		if precondition != nil && !precondition(rec) {
			return false, nil
		}
		if rec.Locked() && !rec.LockExpired(now, m.safetyMargin) && rec.LockOwner != ownerID {
			// Held and unexpired. Stealing is allowed only from the
			// exact holder we probed and found dead.
			if rec.LockOwner != observedOwner || observedLive {
				return false, nil
			}
			m.logger.Info("Stealing lock from dead owner",
				zap.String("entityID", entityID),
				zap.String("deadOwner", rec.LockOwner),
			)
		}
		rec.SetLock(ownerID, now.Add(duration))
		return true, nil
	})
	if err != nil {
		m.closeSession(ctx, session)
		m.countAcquisition("error")
		return false, err
	}
	if !acquired {
		m.closeSession(ctx, session)
		m.countAcquisition("contended")
		m.logger.Debug("Lock not acquired",
			zap.String("entityID", entityID),
			zap.String("owner", ownerID),
		)
		return false, nil
	}

	m.mu.Lock()
	m.sessions[entityID] = session
	m.mu.Unlock()

	m.countAcquisition("acquired")
	m.logger.Debug("Lock acquired",
		zap.String("entityID", entityID),
		zap.String("owner", ownerID),
		zap.Duration("duration", duration),
	)
	return true, nil
}

// Release transactionally clears the lock fields if this process still
// holds them, then withdraws the liveness key
func (m *Manager) Release(ctx context.Context, entityID string) error {
	ownerID := m.identity.Owner().String()

	cleared, err := m.entities.Update(ctx, entityID, func(rec *entities.EntityRecord) (bool, error) {
		if rec.LockOwner != ownerID {
			return false, nil
		}
		rec.ClearLock()
		return true, nil
	})
	if err != nil {
		return err
	}
	if !cleared {
		// Already stolen or released; the key still comes out.
		m.logger.Warn("Lock already released or owned by someone else",
			zap.String("entityID", entityID),
			zap.String("owner", ownerID),
		)
	}

	m.mu.Lock()
	session := m.sessions[entityID]
	delete(m.sessions, entityID)
	m.mu.Unlock()

	if session != nil {
		return m.closeSession(ctx, session)
	}
	return nil
}

// RunExclusive acquires the lock, runs work, and releases on every path
// out, including a panic or error in work. A false return means the lock
// was contended and work never ran.
func (m *Manager) RunExclusive(ctx context.Context, entityID string, duration time.Duration, precondition Precondition, work func(ctx context.Context) error) (bool, error) {
	acquired, err := m.Acquire(ctx, entityID, duration, precondition)
	if err != nil || !acquired {
		return false, err
	}

	defer func() {
		if releaseErr := m.Release(ctx, entityID); releaseErr != nil {
			m.logger.Error("Failed to release lock",
				zap.String("entityID", entityID),
				zap.Error(releaseErr),
			)
		}
	}()

	return true, work(ctx)
}

// WaitForRelease blocks until the entity's lock is cleared, its holder's
// liveness key disappears, or the timeout elapses
func (m *Manager) WaitForRelease(ctx context.Context, entityID string, timeout time.Duration) error {
	record, err := m.entities.Get(ctx, entityID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if released, err := m.releasedOrDead(ctx, entityID, record); err != nil || released {
		return err
	}

	updates, cancel, err := m.entities.Watch(ctx, entityID)
	if err != nil {
		return err
	}
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Liveness disappearance does not touch the entity document, so the
	// watch alone cannot observe a crashed holder; poll for it.
	ticker := time.NewTicker(m.livenessPoll)
	defer ticker.Stop()

	current := record.Clone()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return pkgerrors.NewTimeoutError("waitForRelease")
		case rec, ok := <-updates:
			if !ok {
				return pkgerrors.NewInternalError("entity watch closed")
			}
			current = rec.Clone()
			if released, err := m.releasedOrDead(ctx, entityID, current); err != nil || released {
				return err
			}
		case <-ticker.C:
			if released, err := m.releasedOrDead(ctx, entityID, current); err != nil || released {
				return err
			}
		}
	}
}

// UpdateGuarded runs an entity-record transaction that re-verifies this
// process still owns the lock at commit time. Every write to a
// lock-guarded document must go through this or through the commit path's
// equivalent check; otherwise a dead-owner steal between work start and
// commit silently produces two writers.
func (m *Manager) UpdateGuarded(ctx context.Context, entityID string, mutate func(*entities.EntityRecord) error) error {
	ownerID := m.identity.Owner().String()

	verified, err := m.entities.Update(ctx, entityID, func(rec *entities.EntityRecord) (bool, error) {
		if rec.LockOwner != ownerID {
			return false, nil
		}
		if err := mutate(rec); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !verified {
		return pkgerrors.NewLockVerificationError(entityID, ownerID)
	}
	return nil
}

// OwnerID returns this process's lock-owner id
func (m *Manager) OwnerID() string {
	return m.identity.Owner().String()
}

func (m *Manager) releasedOrDead(ctx context.Context, entityID string, rec *entities.EntityRecord) (bool, error) {
	if !rec.Locked() {
		return true, nil
	}
	live, err := m.presence.IsLive(ctx, entityID, rec.LockOwner)
	if err != nil {
		return false, pkgerrors.Wrap(err, "checking holder liveness")
	}
	return !live, nil
}

func (m *Manager) closeSession(ctx context.Context, session ports.PresenceSession) error {
	if err := session.Close(ctx); err != nil {
		m.logger.Warn("Failed to close presence session", zap.Error(err))
		return err
	}
	return nil
}
