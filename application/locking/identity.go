package locking

import "qualia-backend/domain/core/valueobjects"

// Identity is the process-scoped lock-owner identity. It is created once
// per process and injected through constructors rather than held in a
// package-level cache, so tests can run several "processes" in one binary
// without cross-contamination.
type Identity struct {
	owner valueobjects.OwnerID
}

// NewIdentity mints a fresh random identity for this process
func NewIdentity() *Identity {
	return &Identity{owner: valueobjects.NewOwnerID()}
}

// Owner returns the owner id
func (i *Identity) Owner() valueobjects.OwnerID {
	return i.owner
}
