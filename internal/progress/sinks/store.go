package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/progress"
	"github.com/JakeFAU/news-crawler/internal/store"
)

// StoreSink persists run lifecycle events and per-domain counters through a
// store.RunRepository. Domain deltas are collapsed per batch so a busy domain
// costs one write per flush.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order: a run start is written before any
// domain counters and a run finish after them.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[domainKey]*domainAgg)
	var finishes []progress.Event

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, evt.RunUUID(), evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			finishes = append(finishes, evt)
		default:
			accumulate(deltas, evt)
		}
	}

	for key, agg := range deltas {
		if agg.delta.IsZero() {
			continue
		}
		if err := s.repo.AddDomainStats(ctx, key.runID, key.domain, agg.delta, agg.at); err != nil {
			return fmt.Errorf("add domain stats: %w", err)
		}
	}

	for _, evt := range finishes {
		status := store.RunSuccess
		var note *string
		if evt.Stage == progress.StageRunError {
			status = store.RunError
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
		}
		if err := s.repo.FinishRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}

func accumulate(deltas map[domainKey]*domainAgg, evt progress.Event) {
	if evt.Domain == "" {
		return
	}
	key := domainKey{runID: evt.RunUUID(), domain: evt.Domain}
	agg := deltas[key]
	if agg == nil {
		agg = &domainAgg{}
		deltas[key] = agg
	}
	switch evt.Stage {
	case progress.StageFetchDone:
		agg.delta.Fetched++
		agg.delta.Bytes += evt.Bytes
	case progress.StageFetchError:
		agg.delta.Failed++
	case progress.StageDuplicate:
		agg.delta.Duplicates++
	case progress.StageDiscovered:
		agg.delta.Discovered += evt.Count
	default:
		return
	}
	if evt.TS.After(agg.at) {
		agg.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type domainKey struct {
	runID  uuid.UUID
	domain string
}

type domainAgg struct {
	delta store.DomainDelta
	at    time.Time
}
