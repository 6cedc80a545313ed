package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("crawl run not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one row of crawl_runs.
type Run struct {
	ID           uuid.UUID
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
}

// DomainDelta is an increment to a run's per-domain counters.
type DomainDelta struct {
	Fetched    int64
	Failed     int64
	Duplicates int64
	Discovered int64
	Bytes      int64
}

// IsZero reports whether applying d would change nothing.
func (d DomainDelta) IsZero() bool {
	return d == DomainDelta{}
}

// DomainStats models one row of run_domain_stats.
type DomainStats struct {
	Domain     string
	Fetched    int64
	Failed     int64
	Duplicates int64
	Discovered int64
	Bytes      int64
	LastUpdate time.Time
}

// RunRepository persists run lifecycle and per-domain counters.
type RunRepository interface {
	// StartRun inserts the run, or leaves an existing row untouched.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// FinishRun records the final status and optional error message.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddDomainStats applies delta to the (run, domain) row, creating it when
	// missing.
	AddDomainStats(ctx context.Context, runID uuid.UUID, domain string, delta DomainDelta, at time.Time) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListDomainStats pages through a run's per-domain counters ordered by
	// fetched count, busiest first.
	ListDomainStats(ctx context.Context, runID uuid.UUID, limit, offset int) ([]DomainStats, error)
}
