// Package saver accumulates discovered article URLs per category and
// flushes them to <dir>/<category>.json as sorted JSON arrays.
package saver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/clock"
	"github.com/JakeFAU/news-crawler/internal/crawler"
)

const defaultFlushThreshold = 20

// ErrInvalidCategory is returned for names that cannot be used as a file name.
var ErrInvalidCategory = errors.New("invalid category name")

var categoryPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Config controls where and how often URLs are flushed.
type Config struct {
	Dir string
	// FlushThreshold is the number of new URLs that triggers a flush.
	FlushThreshold int
	Clock          crawler.Clock
	Logger         *zap.Logger
}

// Saver is safe for concurrent use. Flushes hold the saver lock, so writers
// to any category wait for an in-progress flush.
type Saver struct {
	mu      sync.Mutex
	cfg     Config
	clock   crawler.Clock
	logger  *zap.Logger
	sets    map[string]map[string]struct{}
	pending map[string]int
}

// New creates the output directory and loads every existing artifact.
func New(cfg Config) (*Saver, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = defaultFlushThreshold
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", cfg.Dir, err)
	}
	s := &Saver{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		sets:    make(map[string]map[string]struct{}),
		pending: make(map[string]int),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Saver) loadAll() error {
	paths, err := filepath.Glob(filepath.Join(s.cfg.Dir, "*.json"))
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	for _, path := range paths {
		category := strings.TrimSuffix(filepath.Base(path), ".json")
		if !categoryPattern.MatchString(category) {
			continue
		}
		urls, err := s.readArtifact(path)
		if err != nil {
			return err
		}
		set := s.setLocked(category)
		for _, u := range urls {
			set[u] = struct{}{}
		}
		s.logger.Debug("loaded artifact", zap.String("category", category), zap.Int("urls", len(urls)))
	}
	return nil
}

// AddURLs merges urls into the category set and returns how many were new.
// It flushes when flushNow is set or enough new URLs have accumulated.
func (s *Saver) AddURLs(category string, urls []string, flushNow bool) (int, error) {
	if !categoryPattern.MatchString(category) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.setLocked(category)
	added := 0
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := set[u]; ok {
			continue
		}
		set[u] = struct{}{}
		added++
	}
	s.pending[category] += added

	if flushNow || s.pending[category] >= s.cfg.FlushThreshold {
		if err := s.flushLocked(category); err != nil {
			return added, err
		}
	}
	return added, nil
}

// FlushToFile writes the union of the in-memory set and the file on disk.
func (s *Saver) FlushToFile(category string) error {
	if !categoryPattern.MatchString(category) {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(category)
}

// FlushAll flushes every known category and joins the errors.
func (s *Saver) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for category := range s.sets {
		if err := s.flushLocked(category); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Contains reports whether url is known for category.
func (s *Saver) Contains(category, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[category][url]
	return ok
}

// Count returns the number of URLs known for category.
func (s *Saver) Count(category string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets[category])
}

// Categories returns the known categories, sorted.
func (s *Saver) Categories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets))
	for c := range s.sets {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *Saver) flushLocked(category string) error {
	path := s.artifactPath(category)
	onDisk, err := s.readArtifact(path)
	if err != nil {
		return err
	}
	set := s.setLocked(category)
	for _, u := range onDisk {
		set[u] = struct{}{}
	}

	urls := make([]string, 0, len(set))
	for u := range set {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	data, err := json.MarshalIndent(urls, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s urls: %w", category, err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.pending[category] = 0
	s.logger.Debug("flushed urls", zap.String("category", category), zap.Int("urls", len(urls)))
	return nil
}

// readArtifact returns the URLs in path. A missing file yields nothing; a
// corrupt one is moved aside so the next write does not clobber it.
func (s *Saver) readArtifact(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		quarantine := path + ".corrupt-" + strconv.FormatInt(s.clock.Now().Unix(), 10)
		if renameErr := os.Rename(path, quarantine); renameErr != nil {
			return nil, fmt.Errorf("quarantine %s: %w", path, renameErr)
		}
		s.logger.Warn("quarantined corrupt artifact",
			zap.String("path", path),
			zap.String("moved_to", quarantine),
			zap.Error(err),
		)
		return nil, nil
	}
	return urls, nil
}

func (s *Saver) setLocked(category string) map[string]struct{} {
	set, ok := s.sets[category]
	if !ok {
		set = make(map[string]struct{})
		s.sets[category] = set
	}
	return set
}

func (s *Saver) artifactPath(category string) string {
	return filepath.Join(s.cfg.Dir, category+".json")
}
