package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore is the registry backend for multi-host deployments, selected by
// JIB_POSTGRES_DSN. Schema matches the sqlite backend.
type PGStore struct {
	db    *sql.DB
	locks contextLocks
}

// OpenPG connects to Postgres and ensures the schema exists.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contexts (
			context_id  TEXT PRIMARY KEY,
			internal_id TEXT NOT NULL,
			title       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'open',
			labels      JSONB NOT NULL DEFAULT '[]',
			notes       JSONB NOT NULL DEFAULT '[]',
			links       JSONB NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure contexts table: %w", err)
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) GetOrCreate(ctx context.Context, contextID, title string, labels []string) (*Record, error) {
	unlock := s.locks.lock(contextID)
	defer unlock()

	now := time.Now().UTC()
	allLabels := append([]string{contextID}, labels...)
	labelsJSON, _ := json.Marshal(allLabels)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (context_id, internal_id, title, status, labels, notes, links, created_at, updated_at)
		 VALUES ($1, $2, $3, 'open', $4, '[]', '[]', $5, $5)
		 ON CONFLICT (context_id) DO NOTHING`,
		contextID, uuid.NewString(), title, string(labelsJSON), now)
	if err != nil {
		return nil, fmt.Errorf("insert context %s: %w", contextID, err)
	}
	return s.Get(ctx, contextID)
}

func (s *PGStore) Get(ctx context.Context, contextID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT context_id, internal_id, title, status, labels, notes, links, created_at, updated_at
		 FROM contexts WHERE context_id = $1`, contextID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PGStore) SetStatus(ctx context.Context, contextID string, status Status) error {
	unlock := s.locks.lock(contextID)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET status = $1, updated_at = $2 WHERE context_id = $3`,
		status, time.Now().UTC(), contextID)
	if err != nil {
		return fmt.Errorf("set status %s: %w", contextID, err)
	}
	return requireRow(res, contextID)
}

func (s *PGStore) AppendNote(ctx context.Context, contextID, note string) error {
	unlock := s.locks.lock(contextID)
	defer unlock()

	line, _ := json.Marshal(NoteLine(time.Now(), note))
	res, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET notes = notes || $1::jsonb, updated_at = $2 WHERE context_id = $3`,
		string(line), time.Now().UTC(), contextID)
	if err != nil {
		return fmt.Errorf("append note %s: %w", contextID, err)
	}
	return requireRow(res, contextID)
}

func (s *PGStore) AddLabels(ctx context.Context, contextID string, labels ...string) error {
	unlock := s.locks.lock(contextID)
	defer unlock()

	return s.mutate(ctx, contextID, func(rec *Record) {
		for _, l := range labels {
			if !rec.HasLabel(l) {
				rec.Labels = append(rec.Labels, l)
			}
		}
	})
}

func (s *PGStore) Link(ctx context.Context, contextID, otherContextID string) error {
	unlock := s.locks.lock(contextID)
	defer unlock()

	return s.mutate(ctx, contextID, func(rec *Record) {
		for _, l := range rec.Links {
			if l == otherContextID {
				return
			}
		}
		rec.Links = append(rec.Links, otherContextID)
	})
}

func (s *PGStore) mutate(ctx context.Context, contextID string, fn func(*Record)) error {
	rec, err := s.Get(ctx, contextID)
	if err != nil {
		return err
	}
	fn(rec)
	labels, _ := json.Marshal(rec.Labels)
	links, _ := json.Marshal(rec.Links)
	_, err = s.db.ExecContext(ctx,
		`UPDATE contexts SET labels = $1, links = $2, updated_at = $3 WHERE context_id = $4`,
		string(labels), string(links), time.Now().UTC(), contextID)
	if err != nil {
		return fmt.Errorf("update context %s: %w", contextID, err)
	}
	return nil
}

func (s *PGStore) Search(ctx context.Context, query string) ([]*Record, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT context_id, internal_id, title, status, labels, notes, links, created_at, updated_at
		 FROM contexts
		 WHERE lower(context_id) LIKE $1 OR lower(title) LIKE $1 OR lower(labels::text) LIKE $1
		 ORDER BY updated_at DESC`, pattern)
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

// Open selects a backend: Postgres when dsn is set, sqlite otherwise.
func Open(sqlitePath, dsn string) (Store, error) {
	if dsn != "" {
		return OpenPG(dsn)
	}
	return OpenSQLite(sqlitePath)
}
