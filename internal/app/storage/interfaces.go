// Package storage defines the session persistence boundary and the
// canonical record encoding shared by every backend.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

var (
	// ErrNotFound is returned by Load when the account has no session.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned by Create when a session is present.
	ErrAlreadyExists = errors.New("session already exists")
)

// SessionRepository persists one session record per account.
type SessionRepository interface {
	// Load returns the stored session or ErrNotFound.
	Load(ctx context.Context, accountID string) (trade.Session, error)
	// Create stores a new session and fails with ErrAlreadyExists if one is
	// already present. It never overwrites.
	Create(ctx context.Context, session trade.Session) error
	// Save overwrites the whole record.
	Save(ctx context.Context, session trade.Session) error
}

// HealthChecker is implemented by backends that can report liveness.
type HealthChecker interface {
	Health(ctx context.Context) error
}
