package state

import (
	"fmt"
	"time"
)

// Summary is a point-in-time view of the run.
type Summary struct {
	StartTime   time.Time                         `json:"startTime"`
	Elapsed     time.Duration                     `json:"elapsed"`
	ElapsedText string                            `json:"elapsedText"`
	RunID       string                            `json:"runID,omitempty"`
	Overall     Overall                           `json:"overall"`
	Categories  map[string]Progress               `json:"categories"`
	Domains     map[string]DomainSummary          `json:"domains"`
	Sources     map[string]map[string]SourceStats `json:"sources"`
}

// Overall are run-wide totals.
type Overall struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Listings  int `json:"listings"`
}

// DomainSummary is the timing view of one domain.
type DomainSummary struct {
	SuccessCount int     `json:"successCount"`
	FailureCount int     `json:"failureCount"`
	TotalTime    float64 `json:"totalTime"`
	AverageTime  float64 `json:"averageTime"`
}

// GetSummary builds a consistent summary under a single lock.
func (s *Store) GetSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.doc.CrawlerInfo.StartTime
	elapsed := s.clock.Now().Sub(start)
	st := s.doc.Stats
	out := Summary{
		StartTime:   start,
		Elapsed:     elapsed,
		ElapsedText: FormatDuration(elapsed),
		RunID:       s.doc.CrawlerInfo.RunID,
		Overall: Overall{
			Processed: st.URLsProcessed,
			Succeeded: st.URLsSucceeded,
			Failed:    st.URLsFailed,
			Skipped:   st.URLsSkipped,
			Listings:  st.ListingsProcessed,
		},
		Categories: make(map[string]Progress, len(s.doc.Categories)),
		Domains:    make(map[string]DomainSummary, len(s.doc.Domains)),
		Sources:    make(map[string]map[string]SourceStats, len(s.doc.Categories)),
	}
	for name, cp := range s.doc.Categories {
		out.Categories[name] = progressOf(cp)
		if len(cp.Sources) == 0 {
			continue
		}
		sources := make(map[string]SourceStats, len(cp.Sources))
		for src, ss := range cp.Sources {
			sources[src] = *ss
		}
		out.Sources[name] = sources
	}
	for name, ds := range s.doc.Domains {
		out.Domains[name] = DomainSummary{
			SuccessCount: ds.SuccessCount,
			FailureCount: ds.FailureCount,
			TotalTime:    ds.TotalTime,
			AverageTime:  ds.AverageTime,
		}
	}
	return out
}

// FormatDuration renders d as "1h 2m 3s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%dh %dm %ds", total/3600, total%3600/60, total%60)
}
