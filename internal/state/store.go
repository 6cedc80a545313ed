// Package state tracks crawl progress and persists it as a single JSON
// document with rotating backups, so a crashed run can resume where it
// stopped.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/clock"
	"github.com/JakeFAU/news-crawler/internal/crawler"
)

const (
	defaultBackupCount = 3
	defaultVersion     = "1.0"
)

// Config controls persistence.
type Config struct {
	Path string
	// BackupCount is how many .bakN generations to keep.
	BackupCount int
	// AutosaveInterval enables a background Save loop once Start is called.
	// Zero disables it.
	AutosaveInterval time.Duration
	Version          string
	RunID            string
	Clock            crawler.Clock
	Logger           *zap.Logger
}

// Outcome is the result of processing one target.
type Outcome struct {
	URL       string
	Category  string
	SourceURL string
	Success   bool
	Duration  time.Duration
	Err       error
	// Listing marks section pages; they are tallied apart from articles and
	// are not added to the completed or failed sets.
	Listing bool
}

// Store is the crawl state. All methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	saveMu sync.Mutex
	cfg    Config
	doc    *Document
	clock  crawler.Clock
	logger *zap.Logger

	startOnce sync.Once
	started   atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	// beforeRename runs against the pending temp file just before the
	// atomic replace.
	beforeRename func(tmpPath string) error
}

// New builds a Store and loads any existing state from disk. Unreadable
// state never fails construction; it falls back to backups, then to empty.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if cfg.BackupCount < 0 {
		cfg.BackupCount = 0
	} else if cfg.BackupCount == 0 {
		cfg.BackupCount = defaultBackupCount
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		doc:    newDocument(clk.Now(), cfg.Version),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.Load()
	if cfg.RunID != "" {
		s.mu.Lock()
		s.doc.CrawlerInfo.RunID = cfg.RunID
		s.mu.Unlock()
	}
	return s, nil
}

// RegisterCategory adds a category or updates its target.
func (s *Store) RegisterCategory(name string, target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.categoryLocked(name)
	cp.TargetCount = target
}

// RegisterDomain adds a domain or refreshes its last-access time.
func (s *Store) RegisterDomain(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domainLocked(name)
}

// RecordStart notes that url is about to be processed.
func (s *Store) RecordStart(url, category, sourceURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.categoryLocked(category)
	s.domainLocked(domainOf(url))
	if sourceURL != "" {
		src := domainOf(sourceURL)
		if _, ok := cp.Sources[src]; !ok {
			cp.Sources[src] = &SourceStats{}
		}
	}
}

// RecordCompletion records the outcome of an article or listing.
func (s *Store) RecordCompletion(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	domain := domainOf(o.URL)
	cp := s.categoryLocked(o.Category)
	ds := s.domainLocked(domain)

	if o.Listing {
		cp.ListingCount++
		s.doc.Stats.ListingsProcessed++
		return
	}

	cp.ProcessedCount++
	cp.LastProcessedAt = &now
	rec := URLRecord{Category: o.Category, Domain: domain, Timestamp: now, SourceURL: o.SourceURL}
	delete(s.doc.SkippedURLs, o.URL)
	if o.Success {
		cp.SuccessCount++
		ds.SuccessCount++
		delete(s.doc.FailedURLs, o.URL)
		s.doc.CompletedURLs[o.URL] = rec
	} else {
		cp.FailureCount++
		ds.FailureCount++
		if o.Err != nil {
			rec.Error = o.Err.Error()
		} else {
			rec.Error = "unknown error"
		}
		delete(s.doc.CompletedURLs, o.URL)
		s.doc.FailedURLs[o.URL] = rec
	}

	if o.SourceURL != "" {
		src := domainOf(o.SourceURL)
		ss, ok := cp.Sources[src]
		if !ok {
			ss = &SourceStats{}
			cp.Sources[src] = ss
		}
		ss.Count++
		if o.Success {
			ss.SuccessCount++
		} else {
			ss.FailureCount++
		}
	}

	if o.Duration > 0 {
		ds.TotalTime += o.Duration.Seconds()
	}
	if n := ds.SuccessCount + ds.FailureCount; n > 0 {
		ds.AverageTime = ds.TotalTime / float64(n)
	}

	st := &s.doc.Stats
	cc := st.ByCategory[o.Category]
	if cc == nil {
		cc = &CategoryCounters{}
		st.ByCategory[o.Category] = cc
	}
	st.URLsProcessed++
	cc.Processed++
	if o.Success {
		st.URLsSucceeded++
		cc.Succeeded++
	} else {
		st.URLsFailed++
		cc.Failed++
	}
}

// RecordSkip marks url as handled without counting it as a success or a
// failure, e.g. near-duplicate or low-quality content.
func (s *Store) RecordSkip(url, category, sourceURL, reason, duplicateOf string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.SkippedURLs[url]; ok {
		return
	}
	cp := s.categoryLocked(category)
	cp.SkippedCount++
	s.doc.Stats.URLsSkipped++
	s.doc.SkippedURLs[url] = SkipRecord{
		Category:    category,
		Domain:      domainOf(url),
		Timestamp:   s.clock.Now(),
		SourceURL:   sourceURL,
		Reason:      reason,
		DuplicateOf: duplicateOf,
		Score:       score,
	}
}

// HasProcessed reports whether url already completed, failed, or was
// skipped.
func (s *Store) HasProcessed(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.CompletedURLs[url]; ok {
		return true
	}
	if _, ok := s.doc.FailedURLs[url]; ok {
		return true
	}
	_, ok := s.doc.SkippedURLs[url]
	return ok
}

// CompletedURLs returns the completed URLs of a category, or of every
// category when category is empty.
func (s *Store) CompletedURLs(category string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.doc.CompletedURLs))
	for url, rec := range s.doc.CompletedURLs {
		if category == "" || rec.Category == category {
			out = append(out, url)
		}
	}
	return out
}

// Progress is a category's standing against its target.
type Progress struct {
	TargetCount    int     `json:"targetCount"`
	ProcessedCount int     `json:"processedCount"`
	SuccessCount   int     `json:"successCount"`
	FailureCount   int     `json:"failureCount"`
	SkippedCount   int     `json:"skippedCount"`
	Completion     float64 `json:"completionPercentage"`
}

// CategoryProgress returns the progress of one category. Unknown
// categories report zeros.
func (s *Store) CategoryProgress(name string) Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.doc.Categories[name]
	if !ok {
		return Progress{}
	}
	return progressOf(cp)
}

// DomainStats returns a copy of a domain's stats.
func (s *Store) DomainStats(name string) (DomainStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.doc.Domains[name]
	if !ok {
		return DomainStats{}, false
	}
	return *ds, true
}

// CategoriesComplete reports whether every category with a positive target
// has reached it. It is false when no category has a target.
func (s *Store) CategoriesComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	withTarget := 0
	for _, cp := range s.doc.Categories {
		if cp.TargetCount <= 0 {
			continue
		}
		withTarget++
		if cp.SuccessCount < cp.TargetCount {
			return false
		}
	}
	return withTarget > 0
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() (Document, error) {
	s.mu.Lock()
	data, err := json.Marshal(s.doc)
	s.mu.Unlock()
	if err != nil {
		return Document{}, fmt.Errorf("marshal state: %w", err)
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return Document{}, fmt.Errorf("unmarshal state: %w", err)
	}
	out.fill()
	return out, nil
}

// Start launches the autosave loop when an interval is configured. It
// stops when ctx ends or Close is called.
func (s *Store) Start(ctx context.Context) {
	if s.cfg.AutosaveInterval <= 0 {
		return
	}
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.autosave(ctx)
	})
}

func (s *Store) autosave(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Save(); err != nil {
				s.logger.Warn("autosave failed", zap.Error(err))
			}
		}
	}
}

// Close stops autosave and writes a final snapshot.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.started.Load() {
			<-s.done
		}
		err = s.Save()
	})
	return err
}

func (s *Store) categoryLocked(name string) *CategoryProgress {
	cp, ok := s.doc.Categories[name]
	if !ok {
		cp = &CategoryProgress{Sources: make(map[string]*SourceStats)}
		s.doc.Categories[name] = cp
		s.logger.Debug("registered category", zap.String("category", name))
	}
	return cp
}

func (s *Store) domainLocked(name string) *DomainStats {
	now := s.clock.Now()
	ds, ok := s.doc.Domains[name]
	if !ok {
		ds = &DomainStats{FirstSeen: now}
		s.doc.Domains[name] = ds
	}
	ds.LastAccessed = now
	return ds
}

func progressOf(cp *CategoryProgress) Progress {
	p := Progress{
		TargetCount:    cp.TargetCount,
		ProcessedCount: cp.ProcessedCount,
		SuccessCount:   cp.SuccessCount,
		FailureCount:   cp.FailureCount,
		SkippedCount:   cp.SkippedCount,
	}
	if cp.TargetCount > 0 {
		p.Completion = float64(cp.SuccessCount) / float64(cp.TargetCount) * 100
	}
	return p
}

func domainOf(rawURL string) string {
	d, err := crawler.DomainOf(rawURL)
	if err != nil {
		return "unknown"
	}
	return d
}
