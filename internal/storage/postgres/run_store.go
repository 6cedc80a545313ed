package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/news-crawler/internal/store"
)

// RunStore implements store.RunRepository over the crawl_runs and
// run_domain_stats tables.
type RunStore struct {
	db DB
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore builds a RunStore over db.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &RunStore{db: db}, nil
}

// EnsureSchema creates both tables when they do not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS crawl_runs (
	id            UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
)`,
		`CREATE TABLE IF NOT EXISTS run_domain_stats (
	run_id      UUID NOT NULL REFERENCES crawl_runs (id),
	domain      TEXT NOT NULL,
	fetched     BIGINT NOT NULL DEFAULT 0,
	failed      BIGINT NOT NULL DEFAULT 0,
	duplicates  BIGINT NOT NULL DEFAULT 0,
	discovered  BIGINT NOT NULL DEFAULT 0,
	bytes_total BIGINT NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, domain)
)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create run tables: %w", err)
		}
	}
	return nil
}

// StartRun inserts a running row. A duplicate start is a no-op.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.db.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("insert crawl run: %w", err)
	}
	return nil
}

// FinishRun marks a run completed with a status and optional error message.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.db.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("finish crawl run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish crawl run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// AddDomainStats adds delta to the (run, domain) counters.
func (s *RunStore) AddDomainStats(
	ctx context.Context,
	runID uuid.UUID,
	domain string,
	delta store.DomainDelta,
	at time.Time,
) error {
	query := `
		INSERT INTO run_domain_stats (run_id, domain, fetched, failed, duplicates, discovered, bytes_total, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, domain) DO UPDATE SET
			fetched = run_domain_stats.fetched + EXCLUDED.fetched,
			failed = run_domain_stats.failed + EXCLUDED.failed,
			duplicates = run_domain_stats.duplicates + EXCLUDED.duplicates,
			discovered = run_domain_stats.discovered + EXCLUDED.discovered,
			bytes_total = run_domain_stats.bytes_total + EXCLUDED.bytes_total,
			last_update = GREATEST(run_domain_stats.last_update, EXCLUDED.last_update);
	`
	_, err := s.db.Exec(ctx, query,
		runID,
		domain,
		delta.Fetched,
		delta.Failed,
		delta.Duplicates,
		delta.Discovered,
		delta.Bytes,
		at,
	)
	if err != nil {
		return fmt.Errorf("upsert domain stats: %w", err)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM crawl_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get crawl run: %w", err)
	}
	return run, nil
}

// ListDomainStats returns a page of a run's domain counters.
func (s *RunStore) ListDomainStats(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.DomainStats, error) {
	query := `
		SELECT domain, fetched, failed, duplicates, discovered, bytes_total, last_update
		FROM run_domain_stats
		WHERE run_id = $1
		ORDER BY fetched DESC, domain ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list domain stats: %w", err)
	}
	defer rows.Close()

	var out []store.DomainStats
	for rows.Next() {
		var ds store.DomainStats
		if err := rows.Scan(
			&ds.Domain,
			&ds.Fetched,
			&ds.Failed,
			&ds.Duplicates,
			&ds.Discovered,
			&ds.Bytes,
			&ds.LastUpdate,
		); err != nil {
			return nil, fmt.Errorf("scan domain stats: %w", err)
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain stats: %w", err)
	}
	return out, nil
}
