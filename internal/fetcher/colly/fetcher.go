// Package collyfetcher implements crawler.Backend for static pages using
// gocolly. It executes no JavaScript.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Backend hands out sessions that share one HTTP transport.
type Backend struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Backend.
func New(cfg Config) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Backend{cfg: cfg, transport: newHTTPTransport()}
}

// Open returns a session. Static sessions hold no process, so Open never
// blocks.
func (b *Backend) Open(ctx context.Context) (crawler.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open collector: %w", err)
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(b.transport)
	if b.cfg.UserAgent != "" {
		c.UserAgent = b.cfg.UserAgent
	}
	c.SetRequestTimeout(b.cfg.Timeout)
	return &Session{cfg: b.cfg, base: c}, nil
}

// Session wraps a base collector that is cloned per navigation.
type Session struct {
	cfg  Config
	base *colly.Collector
}

// Navigate executes a single GET.
func (s *Session) Navigate(ctx context.Context, url string) (*crawler.Page, error) {
	var (
		page     crawler.Page
		fetchErr error
	)
	collector := s.base.Clone()
	s.configureHooks(collector, url, time.Now(), &page, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return nil, err
	}
	return &page, nil
}

// Reset is a no-op; there is no in-flight state to abort.
func (s *Session) Reset(context.Context) error { return nil }

// Close is a no-op; the transport is shared by the backend.
func (s *Session) Close() error { return nil }

func (s *Session) configureHooks(
	hooks collectorHooks,
	url string,
	start time.Time,
	result *crawler.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range s.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.Page{
			URL:        url,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
