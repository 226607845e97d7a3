// Package sqlite stores scan sessions in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
	"github.com/khanhnv2901/seca-scan/internal/shared/security"
)

//go:embed schema.sql
var schemaFS embed.FS

const dbFileName = "sessions.db"

// SessionRepository implements session.Repository on top of database/sql.
type SessionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates results_dir/sessions.db if needed and applies the schema.
func Open(resultsDir string, logger *zap.Logger) (*SessionRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(resultsDir, constants.DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	path, err := security.ResolveWithin(resultsDir, dbFileName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	repo, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite session store ready", zap.String("path", path))
	return repo, nil
}

// New wraps an open database. The schema is applied immediately.
func New(db *sql.DB, logger *zap.Logger) (*SessionRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := applySchema(db); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SessionRepository{db: db, logger: logger}, nil
}

func applySchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Save upserts the session snapshot.
func (r *SessionRepository) Save(ctx context.Context, s *session.Session) error {
	snap := s.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, state, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			state = excluded.state,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		snap.ID, snap.Title, string(snap.State), snap.CreatedAt.UnixNano(), time.Now().UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("%w: save session %s: %v", sharedErrors.ErrRepositoryOperation, snap.ID, err)
	}
	return nil
}

// FindByID loads one session.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*session.Session, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find session %s: %v", sharedErrors.ErrRepositoryOperation, id, err)
	}
	return decode(payload)
}

// FindAll returns every stored session, newest first. Rows that fail to
// decode are logged and skipped.
func (r *SessionRepository) FindAll(ctx context.Context) ([]*session.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, payload FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", sharedErrors.ErrRepositoryOperation, err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("%w: scan session row: %v", sharedErrors.ErrRepositoryOperation, err)
		}
		s, err := decode(payload)
		if err != nil {
			r.logger.Warn("skipping unreadable session", zap.String("session", id), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", sharedErrors.ErrRepositoryOperation, err)
	}
	return out, nil
}

// Delete removes one session.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete session %s: %v", sharedErrors.ErrRepositoryOperation, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete session %s: %v", sharedErrors.ErrRepositoryOperation, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", sharedErrors.ErrSessionNotFound, id)
	}
	return nil
}

// Close releases the database handle.
func (r *SessionRepository) Close() error {
	return r.db.Close()
}

func decode(payload []byte) (*session.Session, error) {
	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", sharedErrors.ErrDeserializationFailed, err)
	}
	return session.Reconstruct(snap), nil
}
