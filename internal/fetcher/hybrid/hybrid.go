// Package hybrid fetches pages statically first and promotes them to a
// browser backend only when the static HTML looks like a JavaScript shell.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

// Backend pairs a static and a rendering backend.
type Backend struct {
	static   crawler.Backend
	dynamic  crawler.Backend
	detector Detector
	logger   *zap.Logger
}

// New builds a hybrid backend. Both backends are required.
func New(static, dynamic crawler.Backend, detector Detector, logger *zap.Logger) (*Backend, error) {
	if static == nil || dynamic == nil {
		return nil, fmt.Errorf("static and dynamic backends are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{static: static, dynamic: dynamic, detector: detector, logger: logger}, nil
}

// Open opens the static handle now and the browser handle on first use.
func (b *Backend) Open(ctx context.Context) (crawler.Handle, error) {
	h, err := b.static.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open static session: %w", err)
	}
	return &Session{backend: b, static: h}, nil
}

// Session is one hybrid handle.
type Session struct {
	backend *Backend
	static  crawler.Handle

	mu      sync.Mutex
	dynamic crawler.Handle
	closed  bool

	promotions atomic.Int64
}

// Promotions reports how many navigations fell through to the browser.
func (s *Session) Promotions() int64 {
	return s.promotions.Load()
}

// Navigate returns the static page unless the detector asks for a render.
func (s *Session) Navigate(ctx context.Context, url string) (*crawler.Page, error) {
	page, err := s.static.Navigate(ctx, url)
	if err != nil {
		return nil, err
	}
	if !s.backend.detector.NeedsRender(page) {
		return page, nil
	}
	dyn, err := s.dynamicHandle(ctx)
	if err != nil {
		return nil, crawler.NewError(crawler.KindBackendCrashed, url, err)
	}
	s.promotions.Add(1)
	s.backend.logger.Debug("promoting to browser", zap.String("url", url), zap.Int("static_bytes", len(page.Body)))
	return dyn.Navigate(ctx, url)
}

func (s *Session) dynamicHandle(ctx context.Context) (crawler.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.dynamic != nil {
		return s.dynamic, nil
	}
	h, err := s.backend.dynamic.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	s.dynamic = h
	return h, nil
}

// Reset resets both handles.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	dyn := s.dynamic
	s.mu.Unlock()
	err := s.static.Reset(ctx)
	if dyn != nil {
		err = errors.Join(err, dyn.Reset(ctx))
	}
	return err
}

// Close closes both handles. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dyn := s.dynamic
	s.dynamic = nil
	s.mu.Unlock()
	err := s.static.Close()
	if dyn != nil {
		err = errors.Join(err, dyn.Close())
	}
	return err
}
