package entities

import "time"

// EntityRecord is the per-qualia anchor document. It carries the pointer
// to the live graph version and the embedded lock fields. The record is
// created on first reference and never deleted; only the lock manager and
// the integration service mutate it.
type EntityRecord struct {
	ID               string     `json:"id" dynamodbav:"EntityID"`
	Balance          int64      `json:"balance" dynamodbav:"Balance"`
	CurrentVersionID string     `json:"current_version_id" dynamodbav:"CurrentVersionID"`
	LockExpiresAt    *time.Time `json:"lock_expires_at,omitempty" dynamodbav:"LockExpiresAt,omitempty"`
	LockOwner        string     `json:"lock_owner,omitempty" dynamodbav:"LockOwner,omitempty"`
	CreatedAt        time.Time  `json:"created_at" dynamodbav:"CreatedAt"`
}

// Locked reports whether the record carries lock fields at all. Whether
// that lock is actually live is the lock manager's call: it also weighs
// expiry and holder liveness.
func (e *EntityRecord) Locked() bool {
	return e.LockOwner != "" && e.LockExpiresAt != nil
}

// LockExpired reports whether the recorded expiry has passed by more than
// the given safety margin
func (e *EntityRecord) LockExpired(now time.Time, margin time.Duration) bool {
	if e.LockExpiresAt == nil {
		return true
	}
	return now.Sub(*e.LockExpiresAt) > margin
}

// ClearLock removes the lock fields
func (e *EntityRecord) ClearLock() {
	e.LockOwner = ""
	e.LockExpiresAt = nil
}

// SetLock stamps the lock fields
func (e *EntityRecord) SetLock(owner string, expiresAt time.Time) {
	e.LockOwner = owner
	e.LockExpiresAt = &expiresAt
}

// Clone returns a deep copy of the record
func (e *EntityRecord) Clone() *EntityRecord {
	out := *e
	if e.LockExpiresAt != nil {
		t := *e.LockExpiresAt
		out.LockExpiresAt = &t
	}
	return &out
}
