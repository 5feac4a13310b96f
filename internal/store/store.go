// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/drprepper/drprepper/internal/domain"
)

// Repository defines the interface for persisting sessions and transcripts.
type Repository interface {
	// GetSession retrieves a session, transcript included, by user ID.
	// Returns (nil, nil) when no session exists.
	GetSession(ctx context.Context, userID string) (*domain.Session, error)

	// UpsertSession creates or updates the session row (stage pointers,
	// thread ID, intake, disclaimer flag). Transcript entries are written
	// through AppendMessages.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// AppendMessages persists new transcript entries in order. Messages are
	// append-only; nothing is ever updated or removed per session.
	AppendMessages(ctx context.Context, userID string, msgs []domain.Message) error

	// UpdateLastSeen updates the last_seen_at timestamp for a session.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CleanupExpiredSessions removes sessions (and their transcripts) idle
	// longer than ttl. Returns the number of sessions removed.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
