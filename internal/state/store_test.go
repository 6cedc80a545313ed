package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-crawler/internal/clock"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, path string) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	s, err := New(Config{Path: path, Clock: clk})
	require.NoError(t, err)
	return s, clk
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestRecordCompletionMovesURLBetweenSets(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t, filepath.Join(t.TempDir(), "state.json"))
	s.RegisterCategory("business", 2)
	s.RecordStart("https://a.com/x", "business", "https://a.com/business")

	clk.Advance(2 * time.Second)
	s.RecordCompletion(Outcome{
		URL: "https://a.com/x", Category: "business", SourceURL: "https://a.com/business",
		Err: errors.New("boom"), Duration: 2 * time.Second,
	})
	require.True(t, s.HasProcessed("https://a.com/x"))

	s.RecordCompletion(Outcome{
		URL: "https://a.com/x", Category: "business", SourceURL: "https://a.com/business",
		Success: true, Duration: time.Second,
	})

	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, doc.CompletedURLs, "https://a.com/x")
	assert.NotContains(t, doc.FailedURLs, "https://a.com/x")

	cp := doc.Categories["business"]
	assert.Equal(t, 2, cp.ProcessedCount)
	assert.Equal(t, cp.SuccessCount+cp.FailureCount, cp.ProcessedCount)
	assert.Equal(t, 2, cp.Sources["a.com"].Count)

	ds, ok := s.DomainStats("a.com")
	require.True(t, ok)
	assert.InDelta(t, 3.0, ds.TotalTime, 1e-9)
	assert.InDelta(t, 1.5, ds.AverageTime, 1e-9)
	assert.Equal(t, t0, ds.FirstSeen)
}

func TestFailureRecordsDefaultMessage(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, filepath.Join(t.TempDir(), "state.json"))
	s.RecordCompletion(Outcome{URL: "https://b.com/1", Category: "tech"})

	doc, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "unknown error", doc.FailedURLs["https://b.com/1"].Error)
	assert.Equal(t, 1, doc.Stats.URLsFailed)
	assert.Equal(t, 1, doc.Stats.ByCategory["tech"].Failed)
}

func TestListingsAndSkipsAreCountedApart(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, filepath.Join(t.TempDir(), "state.json"))
	s.RegisterCategory("news", 5)
	s.RecordCompletion(Outcome{URL: "https://a.com/news", Category: "news", Success: true, Listing: true})
	s.RecordSkip("https://a.com/dup", "news", "https://a.com/news", "duplicate", "https://a.com/orig", 0.93)
	s.RecordSkip("https://a.com/dup", "news", "https://a.com/news", "duplicate", "https://a.com/orig", 0.93)

	assert.False(t, s.HasProcessed("https://a.com/news"), "listings are re-crawled on resume")
	assert.True(t, s.HasProcessed("https://a.com/dup"))

	p := s.CategoryProgress("news")
	assert.Equal(t, 0, p.ProcessedCount)
	assert.Equal(t, 1, p.SkippedCount)

	sum := s.GetSummary()
	assert.Equal(t, 1, sum.Overall.Listings)
	assert.Equal(t, 1, sum.Overall.Skipped)
	assert.Equal(t, 0, sum.Overall.Processed)
}

func TestCategoriesComplete(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, filepath.Join(t.TempDir(), "state.json"))
	assert.False(t, s.CategoriesComplete(), "no targets means not complete")

	s.RegisterCategory("a", 1)
	s.RegisterCategory("b", 0)
	assert.False(t, s.CategoriesComplete())

	s.RecordCompletion(Outcome{URL: "https://x.com/1", Category: "a", Success: true})
	assert.True(t, s.CategoriesComplete())
	assert.InDelta(t, 100.0, s.CategoryProgress("a").Completion, 1e-9)
	assert.Equal(t, Progress{}, s.CategoryProgress("missing"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, clk := newTestStore(t, path)
	s.RegisterCategory("business", 3)
	s.RecordCompletion(Outcome{URL: "https://a.com/1", Category: "business", Success: true, Duration: time.Second})
	clk.Advance(90 * time.Second)
	require.NoError(t, s.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	var raw map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range requiredKeys {
		assert.Contains(t, raw, key)
	}

	loaded, _ := newTestStore(t, path)
	assert.True(t, loaded.HasProcessed("https://a.com/1"))
	assert.Equal(t, 3, loaded.CategoryProgress("business").TargetCount)

	doc, err := loaded.Snapshot()
	require.NoError(t, err)
	assert.InDelta(t, 90.0, doc.CrawlerInfo.TotalRuntime, 1e-9)
	assert.Equal(t, t0, doc.CrawlerInfo.StartTime)
}

func TestSaveRotatesBackups(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	clk := clock.NewManual(t0)
	s, err := New(Config{Path: path, Clock: clk, BackupCount: 2})
	require.NoError(t, err)

	urls := []string{"https://a.com/1", "https://a.com/2", "https://a.com/3", "https://a.com/4"}
	for _, u := range urls {
		s.RecordCompletion(Outcome{URL: u, Category: "c", Success: true})
		require.NoError(t, s.Save())
	}

	count := func(p string) int {
		doc, err := readDocument(p)
		require.NoError(t, err)
		return len(doc.CompletedURLs)
	}
	assert.Equal(t, 4, count(path))
	assert.Equal(t, 3, count(path+".bak1"))
	assert.Equal(t, 2, count(path+".bak2"))
	assert.NoFileExists(t, path+".bak3")
}

func TestFailedWriteLeavesPrimaryIntact(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s, _ := newTestStore(t, path)
	s.RecordCompletion(Outcome{URL: "https://a.com/1", Category: "c", Success: true})
	require.NoError(t, s.Save())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	s.RecordCompletion(Outcome{URL: "https://a.com/2", Category: "c", Success: true})
	s.beforeRename = func(tmp string) error {
		require.NoError(t, os.Truncate(tmp, 0))
		return errors.New("disk yanked")
	}
	require.Error(t, s.Save())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Contains(t, []string{"state.json", "state.json.bak1"}, e.Name(), "temp file must be cleaned up")
	}
}

func TestLoadRecoversFromTruncatedPrimary(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s, _ := newTestStore(t, path)
	s.RecordCompletion(Outcome{URL: "https://a.com/1", Category: "c", Success: true})
	require.NoError(t, s.Save())

	s.RecordCompletion(Outcome{URL: "https://a.com/2", Category: "c", Success: true})
	s.beforeRename = func(tmp string) error { return os.Truncate(tmp, 0) }
	require.NoError(t, s.Save())

	loaded, _ := newTestStore(t, path)
	assert.Equal(t, path+".bak1", loaded.Load())
	assert.True(t, loaded.HasProcessed("https://a.com/1"))
	assert.False(t, loaded.HasProcessed("https://a.com/2"))
}

func TestLoadRejectsMissingKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s, _ := newTestStore(t, path)
	s.RecordCompletion(Outcome{URL: "https://a.com/1", Category: "c", Success: true})
	require.NoError(t, s.Save())
	require.NoError(t, s.Save())

	require.NoError(t, os.WriteFile(path, []byte(`{"crawlerInfo":{},"categories":{}}`), 0o600))

	loaded, _ := newTestStore(t, path)
	assert.Equal(t, path+".bak1", loaded.Load())
	assert.True(t, loaded.HasProcessed("https://a.com/1"))
}

func TestLoadFallsBackToEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(path+".bak1", []byte("[]"), 0o600))

	s, _ := newTestStore(t, path)
	assert.Empty(t, s.Load())
	sum := s.GetSummary()
	assert.Zero(t, sum.Overall.Processed)
	assert.Empty(t, sum.Categories)
}

func TestSparseFileIsFilled(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	sparse := `{"crawlerInfo":{},"categories":{"c":null},"domains":null,"completedURLs":{},"failedURLs":null,"stats":{}}`
	require.NoError(t, os.WriteFile(path, []byte(sparse), 0o600))

	s, _ := newTestStore(t, path)
	assert.Equal(t, path, s.Load())
	s.RecordCompletion(Outcome{URL: "https://a.com/1", Category: "c", Err: errors.New("x"), SourceURL: "https://a.com"})
	assert.Equal(t, 1, s.CategoryProgress("c").FailureCount)
}

func TestNilEntriesAreRepairedOnLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	sparse := `{"crawlerInfo":{},"categories":{"world":{"targetCount":5,"sources":{"https://news.test/world":null}}},` +
		`"domains":{},"completedURLs":{},"failedURLs":{},"stats":{"byCategory":{"world":null}}}`
	require.NoError(t, os.WriteFile(path, []byte(sparse), 0o600))

	s, _ := newTestStore(t, path)
	assert.Equal(t, path, s.Load())

	var sum Summary
	require.NotPanics(t, func() { sum = s.GetSummary() })
	require.Contains(t, sum.Categories, "world")

	require.NotPanics(t, func() {
		s.RecordCompletion(Outcome{URL: "https://news.test/world/1", Category: "world", Success: true, SourceURL: "https://news.test/world"})
	})
	assert.Equal(t, 1, s.CategoryProgress("world").SuccessCount)
	require.NoError(t, s.Save())
}

func TestConcurrentSavesWriteLatestSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s, _ := newTestStore(t, path)
	s.RecordCompletion(Outcome{URL: "https://a.com/1", Category: "c", Success: true})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.beforeRename = func(string) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}

	first := make(chan error, 1)
	go func() { first <- s.Save() }()
	<-entered

	second := make(chan error, 1)
	go func() { second <- s.Save() }()
	time.Sleep(20 * time.Millisecond)
	s.RecordCompletion(Outcome{URL: "https://a.com/2", Category: "c", Success: true})
	close(release)

	require.NoError(t, <-first)
	require.NoError(t, <-second)

	doc, err := readDocument(path)
	require.NoError(t, err)
	assert.Contains(t, doc.CompletedURLs, "https://a.com/2")
}

func TestGetSummary(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t, filepath.Join(t.TempDir(), "state.json"))
	s.RegisterCategory("business", 4)
	s.RecordCompletion(Outcome{URL: "https://a.com/1", Category: "business", Success: true, Duration: 2 * time.Second, SourceURL: "https://a.com/biz"})
	s.RecordCompletion(Outcome{URL: "https://b.com/1", Category: "business", Duration: 4 * time.Second})
	clk.Advance(time.Hour + 2*time.Minute + 3*time.Second)

	sum := s.GetSummary()
	assert.Equal(t, "1h 2m 3s", sum.ElapsedText)
	assert.Equal(t, 2, sum.Overall.Processed)
	assert.Equal(t, 1, sum.Overall.Succeeded)
	assert.Equal(t, 1, sum.Overall.Failed)
	assert.InDelta(t, 25.0, sum.Categories["business"].Completion, 1e-9)
	assert.InDelta(t, 4.0, sum.Domains["b.com"].AverageTime, 1e-9)
	assert.Equal(t, 1, sum.Sources["business"]["a.com"].SuccessCount)

	// the summary is detached from the store
	sum.Sources["business"]["a.com"] = SourceStats{}
	assert.Equal(t, 1, s.GetSummary().Sources["business"]["a.com"].SuccessCount)
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0h 0m 0s"},
		{59 * time.Second, "0h 0m 59s"},
		{26*time.Hour + 5*time.Second, "26h 0m 5s"},
		{-time.Second, "0h 0m 0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestConcurrentRecordingKeepsInvariant(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, filepath.Join(t.TempDir(), "state.json"))
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := fmt.Sprintf("https://a.com/%d", i)
			s.RecordStart(url, "c", "")
			s.RecordCompletion(Outcome{URL: url, Category: "c", Success: i%3 != 0})
		}()
	}
	wg.Wait()

	p := s.CategoryProgress("c")
	assert.Equal(t, 50, p.ProcessedCount)
	assert.Equal(t, p.SuccessCount+p.FailureCount, p.ProcessedCount)
}

func TestAutosaveAndClose(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	s, err := New(Config{Path: path, AutosaveInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	s.RecordCompletion(Outcome{URL: "https://a.com/1", Category: "c", Success: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	s.RecordCompletion(Outcome{URL: "https://a.com/2", Category: "c", Success: true})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	doc, err := readDocument(path)
	require.NoError(t, err)
	assert.Len(t, doc.CompletedURLs, 2)
}
