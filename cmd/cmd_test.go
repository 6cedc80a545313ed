package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-crawler/internal/app"
	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/state"
)

type listingBackend struct{}

func (listingBackend) Open(context.Context) (crawler.Handle, error) { return listingHandle{}, nil }

type listingHandle struct{}

func (listingHandle) Navigate(_ context.Context, url string) (*crawler.Page, error) {
	return &crawler.Page{
		URL:        url,
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><body><a href="https://elsewhere.test/a">a</a></body></html>`),
	}, nil
}

func (listingHandle) Reset(context.Context) error { return nil }

func (listingHandle) Close() error { return nil }

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	body := `
logging:
  development: false
  level: error
rate_limit:
  default_delay: 1ms
  min_delay: 1ms
  max_delay: 10ms
archive:
  backend: none
state:
  path: ` + statePath + `
output:
  dir: ` + filepath.Join(dir, "urls") + `
categories:
  - name: world
    target: 3
    sources:
      - url: https://news.test/world
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, statePath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlThenSummary(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(ctx context.Context, e *env) (*app.App, error) {
		return app.New(ctx, e.cfg, e.logger,
			app.WithBackend(listingBackend{}),
			app.WithRegisterer(prometheus.NewRegistry()),
		)
	}

	cfgPath, statePath := writeConfig(t)
	_, err := execute(t, "crawl", "--config", cfgPath)
	require.NoError(t, err)
	require.FileExists(t, statePath)

	out, err := execute(t, "summary", "--config", cfgPath)
	require.NoError(t, err)

	var summary state.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Contains(t, summary.Categories, "world")
	assert.Equal(t, 3, summary.Categories["world"].TargetCount)
	assert.NotEmpty(t, summary.RunID)
}

func TestSummaryWithoutState(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := execute(t, "summary", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"categories"`)
}

func TestRootRejectsMissingConfig(t *testing.T) {
	_, err := execute(t, "summary", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestResolveEnvRequiresInit(t *testing.T) {
	_, err := resolveEnv(context.Background())
	require.Error(t, err)
}
