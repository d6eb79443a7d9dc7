// Package sessionstore is the SessionRepository adapter: the narrow
// interface the core calls to persist session rows in the relational store
// owned elsewhere, per SPEC_FULL.md §1 ("the relational store for
// sessions/messages/... is specified only as a repository interface the
// core calls"). It is grounded on the teacher's internal/persistence
// package's SQLite WAL/busy_timeout/migration idiom, repurposed from
// tab-persistence rows to session rows.
package sessionstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/sandbox-executor/internal/sessionregistry"
)

// Row is the persisted projection of a session record. The core never
// reads this back to drive behavior — Session Registry (C1) is the
// authoritative in-memory source per §4.1 — it is written for external
// observability and crash forensics only.
type Row struct {
	ID           string
	Name         string
	Backend      string
	Status       string
	RepoURL      string
	Branch       string
	WorkspaceDir string
	CreatedAt    time.Time
	LastActivity time.Time
	ClosedAt     *time.Time
	CloseReason  string
}

// Repository is the interface the core depends on; Store is its SQLite
// implementation, but callers (sessionregistry's caller, the HTTP edge)
// should depend on this interface so a fake can stand in for tests.
type Repository interface {
	Upsert(row Row) error
	MarkClosed(id, reason string) error
	Get(id string) (Row, bool, error)
	Close() error
}

// Store persists session rows to SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at dbPath, applying the
// WAL/busy_timeout tuning the teacher used for its write-heavy tab store.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			backend        TEXT NOT NULL,
			status         TEXT NOT NULL,
			repo_url       TEXT NOT NULL DEFAULT '',
			branch         TEXT NOT NULL DEFAULT '',
			workspace_dir  TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			last_activity  TEXT NOT NULL,
			closed_at      TEXT,
			close_reason   TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or updates a session row.
func (s *Store) Upsert(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, name, backend, status, repo_url, branch, workspace_dir, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			workspace_dir = excluded.workspace_dir,
			last_activity = excluded.last_activity
	`, row.ID, row.Name, row.Backend, row.Status, row.RepoURL, row.Branch, row.WorkspaceDir,
		row.CreatedAt.Format(time.RFC3339), row.LastActivity.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", row.ID, err)
	}
	return nil
}

// MarkClosed records the close reason and timestamp for a session.
func (s *Store) MarkClosed(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE sessions SET status = 'stopped', closed_at = ?, close_reason = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), reason, id)
	if err != nil {
		return fmt.Errorf("mark session %s closed: %w", id, err)
	}
	return nil
}

// Get fetches a single session row.
func (s *Store) Get(id string) (Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row Row
	var createdAt, lastActivity string
	var closedAt sql.NullString

	err := s.db.QueryRow(`
		SELECT id, name, backend, status, repo_url, branch, workspace_dir, created_at, last_activity, closed_at, close_reason
		FROM sessions WHERE id = ?
	`, id).Scan(&row.ID, &row.Name, &row.Backend, &row.Status, &row.RepoURL, &row.Branch, &row.WorkspaceDir,
		&createdAt, &lastActivity, &closedAt, &row.CloseReason)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("get session %s: %w", id, err)
	}

	row.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	row.LastActivity, _ = time.Parse(time.RFC3339, lastActivity)
	if closedAt.Valid {
		if t, err := time.Parse(time.RFC3339, closedAt.String); err == nil {
			row.ClosedAt = &t
		}
	}
	return row, true, nil
}

// RowFromSession projects a sessionregistry.Session into a persisted Row.
func RowFromSession(s sessionregistry.Session) Row {
	return Row{
		ID:           s.ID,
		Name:         s.Name,
		Backend:      string(s.Backend),
		Status:       string(s.Status),
		RepoURL:      s.RepoURL,
		Branch:       s.Branch,
		WorkspaceDir: s.WorkspaceDir,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// SyncOnCreate persists a freshly provisioned session. Errors are logged,
// not propagated: the external store is a collaborator, not a dependency
// that should fail the hot path if it is briefly unavailable.
func SyncOnCreate(repo Repository, s sessionregistry.Session) {
	if repo == nil {
		return
	}
	if err := repo.Upsert(RowFromSession(s)); err != nil {
		slog.Warn("session repository upsert failed", "session_id", s.ID, "err", err)
	}
}

// SyncOnClose records a session's closure in the external store.
func SyncOnClose(repo Repository, id, reason string) {
	if repo == nil {
		return
	}
	if err := repo.MarkClosed(id, reason); err != nil {
		slog.Warn("session repository close-mark failed", "session_id", id, "err", err)
	}
}
