package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore is the default single-host registry backend.
type SQLiteStore struct {
	db    *sql.DB
	locks contextLocks
}

// OpenSQLite opens (creating if needed) the registry database and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// Serialize at the pool level: modernc sqlite handles one writer.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetOrCreate(ctx context.Context, contextID, title string, labels []string) (*Record, error) {
	unlock := s.locks.lock(contextID)
	defer unlock()

	if rec, err := s.get(ctx, contextID); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		ContextID:  contextID,
		InternalID: uuid.NewString(),
		Title:      title,
		Status:     StatusOpen,
		Labels:     append([]string{contextID}, labels...),
		Notes:      []string{},
		Links:      []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	labelsJSON, _ := json.Marshal(rec.Labels)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (context_id, internal_id, title, status, labels, notes, links, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '[]', '[]', ?, ?)
		 ON CONFLICT (context_id) DO NOTHING`,
		rec.ContextID, rec.InternalID, rec.Title, rec.Status, string(labelsJSON), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert context %s: %w", contextID, err)
	}
	// Re-read: a concurrent creator may have won the conflict.
	return s.get(ctx, contextID)
}

func (s *SQLiteStore) Get(ctx context.Context, contextID string) (*Record, error) {
	return s.get(ctx, contextID)
}

func (s *SQLiteStore) get(ctx context.Context, contextID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT context_id, internal_id, title, status, labels, notes, links, created_at, updated_at
		 FROM contexts WHERE context_id = ?`, contextID)
	return scanRecord(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var labels, notes, links string
	err := row.Scan(&rec.ContextID, &rec.InternalID, &rec.Title, &rec.Status,
		&labels, &notes, &links, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan context: %w", err)
	}
	json.Unmarshal([]byte(labels), &rec.Labels)
	json.Unmarshal([]byte(notes), &rec.Notes)
	json.Unmarshal([]byte(links), &rec.Links)
	return &rec, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, contextID string, status Status) error {
	unlock := s.locks.lock(contextID)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET status = ?, updated_at = ? WHERE context_id = ?`,
		status, time.Now().UTC(), contextID)
	if err != nil {
		return fmt.Errorf("set status %s: %w", contextID, err)
	}
	return requireRow(res, contextID)
}

func (s *SQLiteStore) AppendNote(ctx context.Context, contextID, note string) error {
	unlock := s.locks.lock(contextID)
	defer unlock()

	return s.mutateJSON(ctx, contextID, func(rec *Record) {
		rec.Notes = append(rec.Notes, NoteLine(time.Now(), note))
	})
}

func (s *SQLiteStore) AddLabels(ctx context.Context, contextID string, labels ...string) error {
	unlock := s.locks.lock(contextID)
	defer unlock()

	return s.mutateJSON(ctx, contextID, func(rec *Record) {
		for _, l := range labels {
			if !rec.HasLabel(l) {
				rec.Labels = append(rec.Labels, l)
			}
		}
	})
}

func (s *SQLiteStore) Link(ctx context.Context, contextID, otherContextID string) error {
	unlock := s.locks.lock(contextID)
	defer unlock()

	return s.mutateJSON(ctx, contextID, func(rec *Record) {
		for _, l := range rec.Links {
			if l == otherContextID {
				return
			}
		}
		rec.Links = append(rec.Links, otherContextID)
	})
}

// mutateJSON applies fn to the record and writes back the JSON columns.
// Callers hold the per-context lock, so read-modify-write is safe.
func (s *SQLiteStore) mutateJSON(ctx context.Context, contextID string, fn func(*Record)) error {
	rec, err := s.get(ctx, contextID)
	if err != nil {
		return err
	}
	fn(rec)
	labels, _ := json.Marshal(rec.Labels)
	notes, _ := json.Marshal(rec.Notes)
	links, _ := json.Marshal(rec.Links)
	_, err = s.db.ExecContext(ctx,
		`UPDATE contexts SET labels = ?, notes = ?, links = ?, updated_at = ? WHERE context_id = ?`,
		string(labels), string(notes), string(links), time.Now().UTC(), contextID)
	if err != nil {
		return fmt.Errorf("update context %s: %w", contextID, err)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, query string) ([]*Record, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT context_id, internal_id, title, status, labels, notes, links, created_at, updated_at
		 FROM contexts
		 WHERE lower(context_id) LIKE ? OR lower(title) LIKE ? OR lower(labels) LIKE ?
		 ORDER BY updated_at DESC`,
		pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("search contexts: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, contextID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, contextID)
	}
	return nil
}

// contextLocks serializes writers per context id. Context ids are
// disjoint between writers by construction, so contention is rare; the
// stripe map just makes the discipline explicit.
type contextLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (c *contextLocks) lock(contextID string) (unlock func()) {
	c.mu.Lock()
	if c.m == nil {
		c.m = make(map[string]*sync.Mutex)
	}
	l, ok := c.m[contextID]
	if !ok {
		l = &sync.Mutex{}
		c.m[contextID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}
