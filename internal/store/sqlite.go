package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drprepper/drprepper/internal/domain"
	"github.com/drprepper/drprepper/internal/shared"
	_ "modernc.org/sqlite"
)

// writeRetries bounds retry attempts for SQLITE_BUSY conflicts.
const writeRetries = 3

// withWriteRetry retries fn with exponential backoff on SQLite concurrency
// errors (SQLITE_BUSY, "database is locked").
func withWriteRetry(fn func() error) error {
	baseDelay := 50 * time.Millisecond
	var err error
	for i := 0; i < writeRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeRetries-1 {
			return err
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("database locked, retrying write", "attempt", i+1, "delay", delay)
		time.Sleep(delay)
	}
	return err
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes session writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT PRIMARY KEY,
		thread_id TEXT,
		current_stage INTEGER NOT NULL DEFAULT 0,
		max_stage INTEGER NOT NULL DEFAULT 0,
		disclaimer_accepted INTEGER NOT NULL DEFAULT 0,
		intake_json TEXT,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		stage INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSession retrieves a session and its transcript by user ID.
func (s *SQLiteStore) GetSession(ctx context.Context, userID string) (*domain.Session, error) {
	query := `
		SELECT user_id, thread_id, current_stage, max_stage, disclaimer_accepted,
		       intake_json, last_seen_at, created_at, updated_at
		FROM sessions WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var session domain.Session
	var threadID, intakeJSON sql.NullString
	var currentStage, maxStage int
	var disclaimer int
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&session.UserID, &threadID, &currentStage, &maxStage, &disclaimer,
		&intakeJSON, &lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.ThreadID = threadID.String
	session.CurrentStage = domain.Stage(currentStage)
	session.MaxStageReached = domain.Stage(maxStage)
	session.DisclaimerAccepted = disclaimer != 0
	session.LastSeenAt = time.Unix(lastSeen, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)

	if intakeJSON.Valid && intakeJSON.String != "" {
		var intake domain.Intake
		if err := json.Unmarshal([]byte(intakeJSON.String), &intake); err != nil {
			return nil, fmt.Errorf("decode intake: %w", err)
		}
		session.Intake = &intake
	}

	transcript, err := s.loadTranscript(ctx, userID)
	if err != nil {
		return nil, err
	}
	session.Transcript = transcript

	return &session, nil
}

func (s *SQLiteStore) loadTranscript(ctx context.Context, userID string) ([]domain.Message, error) {
	query := `
		SELECT id, role, stage, content, created_at
		FROM messages WHERE user_id = ? ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var transcript []domain.Message
	for rows.Next() {
		var msg domain.Message
		var stage int
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Role, &stage, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Stage = domain.Stage(stage)
		msg.CreatedAt = time.Unix(createdAt, 0)
		transcript = append(transcript, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return transcript, nil
}

// UpsertSession creates or updates the session row. Retries on SQLITE_BUSY.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	return withWriteRetry(func() error { return s.upsertSessionOnce(ctx, session) })
}

func (s *SQLiteStore) upsertSessionOnce(ctx context.Context, session *domain.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	var intakeJSON interface{}
	if session.Intake != nil {
		data, err := json.Marshal(session.Intake)
		if err != nil {
			return fmt.Errorf("encode intake: %w", err)
		}
		intakeJSON = string(data)
	}

	var threadID interface{}
	if session.ThreadID != "" {
		threadID = session.ThreadID
	}

	query := `
	INSERT INTO sessions (
		user_id, thread_id, current_stage, max_stage, disclaimer_accepted,
		intake_json, last_seen_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		thread_id = COALESCE(excluded.thread_id, sessions.thread_id),
		current_stage = excluded.current_stage,
		max_stage = excluded.max_stage,
		disclaimer_accepted = excluded.disclaimer_accepted,
		intake_json = COALESCE(excluded.intake_json, sessions.intake_json),
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		session.UserID, threadID, int(session.CurrentStage), int(session.MaxStageReached),
		boolToInt(session.DisclaimerAccepted), intakeJSON,
		session.LastSeenAt.Unix(), session.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// AppendMessages persists new transcript entries in order. Retries on
// SQLITE_BUSY.
func (s *SQLiteStore) AppendMessages(ctx context.Context, userID string, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return withWriteRetry(func() error { return s.appendMessagesOnce(ctx, userID, msgs) })
}

func (s *SQLiteStore) appendMessagesOnce(ctx context.Context, userID string, msgs []domain.Message) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO messages (id, user_id, role, stage, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	for _, msg := range msgs {
		if _, err := tx.ExecContext(ctx, query,
			msg.ID, userID, string(msg.Role), int(msg.Stage), msg.Content, msg.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a session.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE sessions SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// CleanupExpiredSessions removes sessions idle longer than ttl, transcripts
// included.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	threshold := time.Now().Add(-ttl).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id IN (SELECT user_id FROM sessions WHERE last_seen_at < ?)`,
		threshold,
	); err != nil {
		return 0, fmt.Errorf("cleanup expired transcripts: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup tx: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
