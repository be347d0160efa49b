package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qualia-backend/application/ports"
	"qualia-backend/domain/core/aggregates"
	"qualia-backend/domain/core/entities"
	pkgerrors "qualia-backend/pkg/errors"
)

// Store is an in-memory document store implementing every persistence
// port. It backs tests and local development; the mutex makes each
// read-modify-write linearizable per document, matching the transactional
// guarantees of the real store.
type Store struct {
	mu       sync.Mutex
	entities map[string]*entities.EntityRecord
	versions map[string]map[string]*aggregates.GraphVersion
	messages map[string]*entities.PendingMessage
	msgOrder []string
	audits   map[string]*entities.AuditRecord

	entityWatchers   map[string]map[int]chan entities.EntityRecord
	deliveryWatchers map[int]chan entities.PendingMessage
	nextWatcherID    int
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		entities:         make(map[string]*entities.EntityRecord),
		versions:         make(map[string]map[string]*aggregates.GraphVersion),
		messages:         make(map[string]*entities.PendingMessage),
		audits:           make(map[string]*entities.AuditRecord),
		entityWatchers:   make(map[string]map[int]chan entities.EntityRecord),
		deliveryWatchers: make(map[int]chan entities.PendingMessage),
	}
}

var (
	_ ports.EntityRepository  = (*Store)(nil)
	_ ports.VersionRepository = (*Store)(nil)
	_ ports.MessageRepository = (*Store)(nil)
	_ ports.AuditRepository   = (*Store)(nil)
	_ ports.IntegrationStore  = (*Store)(nil)
)

// GetOrCreate returns the entity record, creating it on first reference
func (s *Store) GetOrCreate(ctx context.Context, entityID string) (*entities.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[entityID]
	if !ok {
		rec = &entities.EntityRecord{
			ID:        entityID,
			CreatedAt: time.Now(),
		}
		s.entities[entityID] = rec
	}
	return rec.Clone(), nil
}

// Get retrieves an entity record
func (s *Store) Get(ctx context.Context, entityID string) (*entities.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[entityID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("entity " + entityID)
	}
	return rec.Clone(), nil
}

// Update runs an atomic read-modify-write against the record
func (s *Store) Update(ctx context.Context, entityID string, mutate func(*entities.EntityRecord) (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[entityID]
	if !ok {
		return false, pkgerrors.NewNotFoundError("entity " + entityID)
	}

	candidate := rec.Clone()
	commit, err := mutate(candidate)
	if err != nil {
		return false, err
	}
	if !commit {
		return false, nil
	}

	s.entities[entityID] = candidate
	s.notifyEntityLocked(candidate)
	return true, nil
}

// Watch subscribes to entity record changes
func (s *Store) Watch(ctx context.Context, entityID string) (<-chan entities.EntityRecord, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan entities.EntityRecord, 16)
	id := s.nextWatcherID
	s.nextWatcherID++

	if s.entityWatchers[entityID] == nil {
		s.entityWatchers[entityID] = make(map[int]chan entities.EntityRecord)
	}
	s.entityWatchers[entityID][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if watchers, ok := s.entityWatchers[entityID]; ok {
			delete(watchers, id)
		}
	}
	return ch, cancel, nil
}

// Save persists a graph version
func (s *Store) Save(ctx context.Context, version *aggregates.GraphVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveVersionLocked(version)
	return nil
}

// Load retrieves a graph version by id
func (s *Store) Load(ctx context.Context, entityID, versionID string) (*aggregates.GraphVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[entityID][versionID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("graph version " + versionID)
	}
	return cloneVersion(v), nil
}

// SetNextVersion stamps the best-effort forward pointer
func (s *Store) SetNextVersion(ctx context.Context, entityID, versionID, nextVersionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[entityID][versionID]
	if !ok {
		return pkgerrors.NewNotFoundError("graph version " + versionID)
	}
	v.NextVersionID = nextVersionID
	return nil
}

// Append adds a message to the log
func (s *Store) Append(ctx context.Context, message *entities.PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *message
	s.messages[message.ID] = &clone
	s.msgOrder = append(s.msgOrder, message.ID)

	if clone.Delivered(time.Now()) {
		s.notifyDeliveryLocked(&clone)
	} else {
		wait := time.Until(clone.DeliverAt)
		id := clone.ID
		time.AfterFunc(wait, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if msg, ok := s.messages[id]; ok && !msg.Acknowledged {
				s.notifyDeliveryLocked(msg)
			}
		})
	}
	return nil
}

// ListUnacknowledged returns delivered, unintegrated messages oldest first
func (s *Store) ListUnacknowledged(ctx context.Context, entityID string) ([]*entities.PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []*entities.PendingMessage
	for _, id := range s.msgOrder {
		msg := s.messages[id]
		if msg.EntityID != entityID || msg.Acknowledged || !msg.Delivered(now) {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DeliverAt.Before(out[j].DeliverAt)
	})
	return out, nil
}

// WatchDeliveries streams messages as their delivery time passes. The
// backlog that is already due is replayed into the new subscription so a
// consumer that attaches late sees everything still unacknowledged, the
// same at-least-once contract the polling adapter gives.
func (s *Store) WatchDeliveries(ctx context.Context) (<-chan entities.PendingMessage, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan entities.PendingMessage, 64)
	id := s.nextWatcherID
	s.nextWatcherID++
	s.deliveryWatchers[id] = ch

	now := time.Now()
	for _, msgID := range s.msgOrder {
		msg := s.messages[msgID]
		if msg.Acknowledged || !msg.Delivered(now) {
			continue
		}
		select {
		case ch <- *msg:
		default:
		}
	}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.deliveryWatchers, id)
	}
	return ch, cancel, nil
}

// Record persists an audit record
func (s *Store) Record(ctx context.Context, record *entities.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	s.audits[record.ID] = &clone
	return nil
}

// RecordFailure stamps the error text onto an existing record
func (s *Store) RecordFailure(ctx context.Context, auditID, errorText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.audits[auditID]
	if !ok {
		return pkgerrors.NewNotFoundError("audit record " + auditID)
	}
	rec.ErrorText = errorText
	return nil
}

// StampFinalVersion marks compaction-run records with the settled version
func (s *Store) StampFinalVersion(ctx context.Context, auditIDs []string, finalVersionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range auditIDs {
		if rec, ok := s.audits[id]; ok {
			rec.FinalVersionID = finalVersionID
		}
	}
	return nil
}

// ListByEntity returns audit records for an entity, newest first
func (s *Store) ListByEntity(ctx context.Context, entityID string, limit int) ([]*entities.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entities.AuditRecord
	for _, rec := range s.audits {
		if rec.EntityID != entityID {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CommitIntegration applies one integration cycle atomically
func (s *Store) CommitIntegration(ctx context.Context, commit ports.IntegrationCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[commit.EntityID]
	if !ok {
		return pkgerrors.NewNotFoundError("entity " + commit.EntityID)
	}
	if rec.LockOwner != commit.OwnerID {
		return pkgerrors.NewLockVerificationError(commit.EntityID, commit.OwnerID)
	}
	if rec.CurrentVersionID != commit.PriorVersionID {
		return pkgerrors.NewConflictError("current version moved from " + commit.PriorVersionID)
	}

	s.saveVersionLocked(commit.NewVersion)
	if prior, ok := s.versions[commit.EntityID][commit.PriorVersionID]; ok {
		prior.NextVersionID = commit.NewVersion.ID
	}

	updated := rec.Clone()
	updated.CurrentVersionID = commit.NewVersion.ID
	updated.Balance += commit.BalanceDelta
	s.entities[commit.EntityID] = updated

	for _, id := range commit.AckMessageIDs {
		if msg, ok := s.messages[id]; ok {
			msg.Acknowledged = true
		}
	}

	if commit.AuditID != "" {
		if audit, ok := s.audits[commit.AuditID]; ok {
			audit.ResultVersionID = commit.NewVersion.ID
		}
	}

	s.notifyEntityLocked(updated)
	return nil
}

func (s *Store) saveVersionLocked(version *aggregates.GraphVersion) {
	if s.versions[version.EntityID] == nil {
		s.versions[version.EntityID] = make(map[string]*aggregates.GraphVersion)
	}
	s.versions[version.EntityID][version.ID] = cloneVersion(version)
}

func (s *Store) notifyEntityLocked(rec *entities.EntityRecord) {
	for _, ch := range s.entityWatchers[rec.ID] {
		select {
		case ch <- *rec.Clone():
		default:
			// slow watcher; it will catch up on the next change
		}
	}
}

func (s *Store) notifyDeliveryLocked(msg *entities.PendingMessage) {
	for _, ch := range s.deliveryWatchers {
		select {
		case ch <- *msg:
		default:
		}
	}
}

func cloneVersion(v *aggregates.GraphVersion) *aggregates.GraphVersion {
	nodes := make(map[string]*entities.Node, len(v.Nodes))
	for id, n := range v.Nodes {
		nodes[id] = n.Clone()
	}
	out := *v
	out.Nodes = nodes
	return &out
}
