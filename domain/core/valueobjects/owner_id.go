package valueobjects

import (
	"errors"

	"github.com/google/uuid"
)

// OwnerID is a value object identifying one lock-holding process.
// It is deliberately not a persistent device identity: every process
// restart mints a fresh one, so stale identities never need their own
// expiry handling.
type OwnerID struct {
	value string
}

// NewOwnerID creates a new random OwnerID
func NewOwnerID() OwnerID {
	return OwnerID{value: uuid.New().String()}
}

// NewOwnerIDFromString creates an OwnerID from an existing string
func NewOwnerIDFromString(id string) (OwnerID, error) {
	if id == "" {
		return OwnerID{}, errors.New("owner ID cannot be empty")
	}
	return OwnerID{value: id}, nil
}

// String returns the string representation of the OwnerID
func (id OwnerID) String() string {
	return id.value
}

// Equals checks if two OwnerIDs are equal
func (id OwnerID) Equals(other OwnerID) bool {
	return id.value == other.value
}

// IsZero checks if the OwnerID is the zero value
func (id OwnerID) IsZero() bool {
	return id.value == ""
}
