package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/config"
	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/fetcher/hybrid"
	"github.com/JakeFAU/news-crawler/internal/orchestrator"
)

type staticBackend struct{ body string }

func (b staticBackend) Open(context.Context) (crawler.Handle, error) {
	return staticHandle(b), nil
}

type staticHandle staticBackend

func (h staticHandle) Navigate(_ context.Context, url string) (*crawler.Page, error) {
	return &crawler.Page{
		URL:        url,
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Body:       []byte(h.body),
	}, nil
}

func (staticHandle) Reset(context.Context) error { return nil }

func (staticHandle) Close() error { return nil }

func loadConfig(t *testing.T, extra string) config.Config {
	t.Helper()
	dir := t.TempDir()
	body := `
crawler:
  workers: 1
  drain_timeout: 2s
rate_limit:
  default_delay: 1ms
  min_delay: 1ms
  max_delay: 10ms
retry:
  max_attempts: 1
archive:
  backend: memory
state:
  path: ` + filepath.Join(dir, "state.json") + `
output:
  dir: ` + filepath.Join(dir, "urls") + `
categories:
  - name: world
    target: 5
    sources:
      - url: https://news.test/world
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop(),
		WithBackend(staticBackend{body: `<html><body><h1>World</h1><a href="https://elsewhere.test/story">away</a></body></html>`}),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewWiresComponents(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, loadConfig(t, ""))
	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Frontier)
	assert.NotNil(t, a.Pool)
	assert.NotNil(t, a.State)
	assert.NotNil(t, a.Saver)
	assert.NotNil(t, a.Hub)
	assert.Nil(t, a.Runs)
	assert.Equal(t, []string{"world"}, a.Catalog.Names())
	assert.Equal(t, a.RunID.String(), a.State.GetSummary().RunID)
}

func TestSeedAndRun(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, "")
	a := newTestApp(t, cfg)

	n, err := a.Seed()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Orchestrator.Run(ctx))

	st := a.Orchestrator.Status()
	assert.Equal(t, orchestrator.StateStopped, st.State)
	assert.Equal(t, "frontier exhausted", st.StopReason)
	assert.Equal(t, int64(1), st.Counters.Listings)
	assert.FileExists(t, cfg.State.Path)
}

func TestAPIServerServesStatus(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, loadConfig(t, ""))
	rec := httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"orchestrator"`)
	assert.Contains(t, rec.Body.String(), `"frontier"`)

	rec = httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+a.RunID.String(), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewRejectsBadSiteSelectors(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, "")
	cfg.Sites = []config.SiteConfig{{Domain: "news.test"}}
	_, err := New(context.Background(), cfg, zap.NewNop(),
		WithBackend(staticBackend{}),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "news.test")
}

func TestNewArchiveNone(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, "")
	cfg.Archive.Backend = config.ArchiveNone
	a := newTestApp(t, cfg)
	assert.NotNil(t, a.Orchestrator)
}

func TestBuildBackend(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, "")
	for _, name := range []string{config.BackendChromedp, config.BackendColly, config.BackendHybrid} {
		cfg.Crawler.Backend = name
		b, err := buildBackend(cfg, zap.NewNop())
		require.NoError(t, err, name)
		require.NotNil(t, b, name)
		if name == config.BackendHybrid {
			assert.IsType(t, &hybrid.Backend{}, b)
		}
	}

	cfg.Crawler.Backend = "netscape"
	_, err := buildBackend(cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "netscape"))
}

func TestFrontierConfigSelectsSeenSet(t *testing.T) {
	t.Parallel()

	fc := frontierConfig(config.FrontierConfig{Seen: "exact", ShareBasis: "completed"}, zap.NewNop())
	assert.Nil(t, fc.Seen)
	assert.EqualValues(t, "completed", fc.ShareBasis)

	fc = frontierConfig(config.FrontierConfig{Seen: "bloom", BloomCapacity: 1000, BloomFPRate: 0.01}, zap.NewNop())
	assert.NotNil(t, fc.Seen)
}

type fixedIDs string

func (f fixedIDs) NewID() (string, error) { return string(f), nil }

func TestNewUsesIDGenerator(t *testing.T) {
	t.Parallel()

	const id = "0190a5f4-1234-7000-8000-00000000abcd"
	a, err := New(context.Background(), loadConfig(t, ""), zap.NewNop(),
		WithBackend(staticBackend{}),
		WithRegisterer(prometheus.NewRegistry()),
		WithIDGenerator(fixedIDs(id)),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Equal(t, id, a.RunID.String())

	_, err = New(context.Background(), loadConfig(t, ""), zap.NewNop(),
		WithBackend(staticBackend{}),
		WithRegisterer(prometheus.NewRegistry()),
		WithIDGenerator(fixedIDs("run-1")),
	)
	require.Error(t, err)
}
