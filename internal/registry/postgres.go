package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the store can be exercised with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateProjects = `
        CREATE TABLE IF NOT EXISTS projects (
            id         BIGSERIAL PRIMARY KEY,
            username   TEXT NOT NULL UNIQUE,
            email      TEXT NOT NULL DEFAULT '',
            url        TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );`

	sqlListProjects = `SELECT username, email, url FROM projects ORDER BY id;`

	// xmax is non-zero only for rows rewritten by the ON CONFLICT branch.
	sqlUpsertProject = `
        INSERT INTO projects (username, email, url)
        VALUES ($1, $2, $3)
        ON CONFLICT (username) DO UPDATE SET
            email = EXCLUDED.email,
            url = EXCLUDED.url,
            updated_at = now()
        RETURNING (xmax <> 0) AS updated;`

	sqlDeleteProject         = `DELETE FROM projects WHERE username = $1;`
	sqlDeleteMatchingProject = `DELETE FROM projects WHERE username = $1 AND email = $2;`
)

// PostgresStore keeps registry entries in the `projects` table shared with the cloud dashboard.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore verifies the connection and makes sure the table exists.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateProjects); err != nil {
		return nil, fmt.Errorf("failed to ensure projects table: %w", err)
	}
	return &PostgresStore{pool: pool, log: logger.Named("registry")}, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, sqlListProjects)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.Username, &e.Email, &e.URL)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan projects: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, nickname, email, projectRef string) (bool, error) {
	entry, err := newEntry(nickname, email, projectRef)
	if err != nil {
		return false, err
	}

	var updated bool
	if err := s.pool.QueryRow(ctx, sqlUpsertProject, entry.Username, entry.Email, entry.URL).Scan(&updated); err != nil {
		return false, fmt.Errorf("failed to upsert project %s: %w", entry.Username, err)
	}
	s.log.Info("Registry entry saved.", zap.String("nickname", entry.Username), zap.Bool("updated", updated))
	return updated, nil
}

func (s *PostgresStore) Delete(ctx context.Context, nickname string) error {
	return s.exec(ctx, sqlDeleteProject, nickname)
}

func (s *PostgresStore) DeleteMatching(ctx context.Context, nickname, email string) error {
	return s.exec(ctx, sqlDeleteMatchingProject, nickname, email)
}

func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
