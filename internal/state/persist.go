package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/metrics"
)

// Save writes an atomic snapshot. Existing backups shift one generation
// and the current file becomes .bak1 before the new file replaces it.
func (s *Store) Save() error {
	err := s.save()
	metrics.ObserveStateSave(err)
	if err != nil {
		s.logger.Warn("state save failed", zap.String("path", s.cfg.Path), zap.Error(err))
	}
	return err
}

func (s *Store) save() error {
	// saveMu is held from snapshot to rename so files land in snapshot order.
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	now := s.clock.Now()
	info := &s.doc.CrawlerInfo
	info.LastUpdated = now
	info.TotalRuntime = now.Sub(info.StartTime).Seconds()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := s.rotateBackups(); err != nil {
		s.logger.Warn("state backup rotation failed", zap.Error(err))
	}

	pf, err := renameio.NewPendingFile(s.cfg.Path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer pf.Cleanup() //nolint:errcheck // no-op after a successful replace
	if _, err := pf.Write(data); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(pf.Name()); err != nil {
			return fmt.Errorf("before rename: %w", err)
		}
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (s *Store) rotateBackups() error {
	n := s.cfg.BackupCount
	if n <= 0 {
		return nil
	}
	current, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read current state: %w", err)
	}
	if err := os.Remove(s.backupPath(n)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove oldest backup: %w", err)
	}
	for i := n - 1; i >= 1; i-- {
		err := os.Rename(s.backupPath(i), s.backupPath(i+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("shift backup %d: %w", i, err)
		}
	}
	if err := renameio.WriteFile(s.backupPath(1), current, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

func (s *Store) backupPath(generation int) string {
	return s.cfg.Path + ".bak" + strconv.Itoa(generation)
}

// Load replaces in-memory state with the first valid file among the
// primary and its backups, in order. When none validates, state is reset
// to empty. It returns the path used, or "" for a fresh state.
func (s *Store) Load() string {
	candidates := []string{s.cfg.Path}
	for i := 1; i <= s.cfg.BackupCount; i++ {
		candidates = append(candidates, s.backupPath(i))
	}
	for _, path := range candidates {
		doc, err := readDocument(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("state file rejected", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		s.mu.Lock()
		s.doc = doc
		s.mu.Unlock()
		s.logger.Info("state loaded",
			zap.String("path", path),
			zap.Int("completed", len(doc.CompletedURLs)),
			zap.Int("failed", len(doc.FailedURLs)),
		)
		return path
	}
	s.mu.Lock()
	s.doc = newDocument(s.clock.Now(), s.cfg.Version)
	s.mu.Unlock()
	return ""
}

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("state missing key %q", key)
		}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	doc.fill()
	return &doc, nil
}
