package ports

import (
	"context"

	"qualia-backend/domain/core/aggregates"
	"qualia-backend/domain/core/entities"
)

// EntityRepository is the port for the per-qualia anchor documents.
// This is a port in hexagonal architecture - the domain doesn't know
// about the implementation.
type EntityRepository interface {
	// GetOrCreate returns the entity record, creating it on first reference
	GetOrCreate(ctx context.Context, entityID string) (*entities.EntityRecord, error)

	// Get retrieves an entity record
	Get(ctx context.Context, entityID string) (*entities.EntityRecord, error)

	// Update runs an atomic read-modify-write transaction against the
	// record. The mutate callback receives a private copy; returning
	// false aborts without writing. Update retries internally on
	// write contention, so mutate must be pure on its argument.
	Update(ctx context.Context, entityID string, mutate func(*entities.EntityRecord) (bool, error)) (bool, error)

	// Watch subscribes to record changes. The returned cancel func must
	// be called to release the subscription.
	Watch(ctx context.Context, entityID string) (<-chan entities.EntityRecord, func(), error)
}

// VersionRepository is the port for immutable graph-version documents
type VersionRepository interface {
	// Save persists a new graph version
	Save(ctx context.Context, version *aggregates.GraphVersion) error

	// Load retrieves a version by id
	Load(ctx context.Context, entityID, versionID string) (*aggregates.GraphVersion, error)

	// SetNextVersion stamps the best-effort forward pointer on a
	// superseded version. Failures here are logged, never fatal: the
	// chain is a secondary index, reconciled lazily.
	SetNextVersion(ctx context.Context, entityID, versionID, nextVersionID string) error
}

// MessageRepository is the port for the append-only pending-message log
type MessageRepository interface {
	// Append adds a message to the log
	Append(ctx context.Context, message *entities.PendingMessage) error

	// ListUnacknowledged returns the delivered-but-unintegrated messages
	// for an entity, oldest first
	ListUnacknowledged(ctx context.Context, entityID string) ([]*entities.PendingMessage, error)

	// WatchDeliveries streams messages as their delivery time passes.
	// The cancel func releases the subscription.
	WatchDeliveries(ctx context.Context) (<-chan entities.PendingMessage, func(), error)
}

// AuditRepository is the port for proposal audit records
type AuditRepository interface {
	// Record persists an audit record before its batch is applied
	Record(ctx context.Context, record *entities.AuditRecord) error

	// RecordFailure stamps the error text onto an existing record
	RecordFailure(ctx context.Context, auditID, errorText string) error

	// StampFinalVersion marks every listed record with the version a
	// compaction run finally settled on
	StampFinalVersion(ctx context.Context, auditIDs []string, finalVersionID string) error

	// ListByEntity returns audit records for an entity, newest first
	ListByEntity(ctx context.Context, entityID string, limit int) ([]*entities.AuditRecord, error)
}

// IntegrationCommit describes the atomic commit of one integration cycle.
// Every field is applied inside a single store transaction that re-checks
// lock ownership and the current-version pointer; any update to a
// lock-guarded document outside this path is a correctness bug.
type IntegrationCommit struct {
	EntityID       string
	OwnerID        string // lock owner performing the commit
	PriorVersionID string // entity's pointer must still be this
	NewVersion     *aggregates.GraphVersion
	AckMessageIDs  []string
	BalanceDelta   int64  // summed monetary amounts of integrated messages
	AuditID        string // record to stamp with the result version id
}

// IntegrationStore is the transactional port used at commit time
type IntegrationStore interface {
	// CommitIntegration atomically writes the new version, advances the
	// entity's current-version pointer, credits the balance, acknowledges
	// the integrated messages and stamps the audit record. It fails with
	// a lock-verification error if the lock owner or prior version no
	// longer match.
	CommitIntegration(ctx context.Context, commit IntegrationCommit) error
}
