package domain

import "context"

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// FriendGraph answers the one social question the grant formula needs.
type FriendGraph interface {
	// FriendCountOnProject counts the user's friends that have contributed
	// at least one result to the project.
	FriendCountOnProject(ctx context.Context, user UserID, projectShortName string) (int, error)
}

// Authenticator checks the token a client attaches to its reports.
type Authenticator interface {
	// Authenticate returns ErrUnauthorized when token does not belong to user.
	Authenticate(ctx context.Context, user UserID, token string) error
}
