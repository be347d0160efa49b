package ports

import "context"

// PresenceSession is one live announcement in the presence store. Closing
// it cancels the auto-delete registration and removes the key; a process
// crash removes the key without Close ever running.
type PresenceSession interface {
	Close(ctx context.Context) error
}

// PresenceStore is the port for the ephemeral liveness service. It is
// used only for liveness checks, never for authoritative lock state.
// Keys are scoped as locks/{entity}/{owner}.
type PresenceStore interface {
	// Announce writes the liveness key for an owner, registered to
	// auto-delete when the writer disconnects
	Announce(ctx context.Context, entityID, ownerID string) (PresenceSession, error)

	// IsLive reports whether the owner's liveness key is present
	IsLive(ctx context.Context, entityID, ownerID string) (bool, error)
}
