package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/store"
)

func TestSaveArticleUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewArticleStore(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	article := crawler.Article{
		URL:          "https://news.example.com/a",
		FinalURL:     "https://news.example.com/a?amp=0",
		Category:     "world",
		Domain:       "example.com",
		SourceURL:    "https://news.example.com/world",
		Title:        "Headline",
		ContentHash:  "abc123",
		QualityScore: 72.5,
		FetchedAt:    now,
		DurationMs:   840,
	}

	mock.ExpectExec("INSERT INTO articles").
		WithArgs(
			article.URL,
			article.FinalURL,
			article.Category,
			article.Domain,
			article.SourceURL,
			article.Title,
			article.ContentHash,
			article.QualityScore,
			"gs://bucket/articles/world/0123456789abcdef.json",
			now,
			article.DurationMs,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = s.SaveArticle(context.Background(), article, "gs://bucket/articles/world/0123456789abcdef.json")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticleValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewArticleStore(mock, "news_articles")
	require.NoError(t, err)

	require.Error(t, s.SaveArticle(context.Background(), crawler.Article{}, "uri"))
	require.Error(t, s.SaveArticle(context.Background(), crawler.Article{URL: "https://a.example"}, ""))
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = NewArticleStore(mock, "articles; DROP TABLE x")
	require.Error(t, err)
	_, err = NewArticleStore(nil, "")
	require.Error(t, err)
}

func TestSaveArticleWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewArticleStore(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO articles").WillReturnError(errors.New("conn reset"))

	err = s.SaveArticle(context.Background(), crawler.Article{URL: "https://a.example/x"}, "file:///tmp/x.json")
	require.ErrorContains(t, err, "upsert article")
}

func TestArticleEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewArticleStore(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS articles").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRunStore(mock)
	require.NoError(t, err)

	runID := uuid.New()
	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(time.Hour)
	msg := "drain timed out"
	delta := store.DomainDelta{Fetched: 3, Failed: 1, Bytes: 4096}

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs(runID, start, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO run_domain_stats").
		WithArgs(runID, "example.com", int64(3), int64(1), int64(0), int64(0), int64(4096), end).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs(end, store.RunError, &msg, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, runID, start))
	require.NoError(t, s.AddDomainStats(ctx, runID, "example.com", delta, end))
	require.NoError(t, s.FinishRun(ctx, runID, end, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishUnknownRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRunStore(mock)
	require.NoError(t, err)

	runID := uuid.New()
	mock.ExpectExec("UPDATE crawl_runs").WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = s.FinishRun(context.Background(), runID, time.Now(), store.RunSuccess, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRunStore(mock)
	require.NoError(t, err)

	runID := uuid.New()
	mock.ExpectQuery("SELECT id, started_at").WithArgs(runID).WillReturnError(pgx.ErrNoRows)

	_, err = s.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDomainStats(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRunStore(mock)
	require.NoError(t, err)

	runID := uuid.New()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"domain", "fetched", "failed", "duplicates", "discovered", "bytes_total", "last_update"}).
		AddRow("news.example.com", int64(12), int64(1), int64(2), int64(40), int64(2048), at).
		AddRow("wire.example.org", int64(3), int64(0), int64(0), int64(9), int64(512), at)
	mock.ExpectQuery("SELECT domain, fetched").WithArgs(runID, 10, 0).WillReturnRows(rows)

	stats, err := s.ListDomainStats(context.Background(), runID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "news.example.com", stats[0].Domain)
	require.Equal(t, int64(12), stats[0].Fetched)
	require.Equal(t, int64(2048), stats[0].Bytes)
	require.Equal(t, at, stats[1].LastUpdate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDomainStatsQueryError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRunStore(mock)
	require.NoError(t, err)
	mock.ExpectQuery("SELECT domain, fetched").WillReturnError(errors.New("connection reset"))

	_, err = s.ListDomainStats(context.Background(), uuid.New(), 10, 0)
	require.ErrorContains(t, err, "list domain stats")
}

func TestRunEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRunStore(mock)
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_runs").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS run_domain_stats").WillReturnError(errors.New("permission denied"))

	require.ErrorContains(t, s.EnsureSchema(context.Background()), "create run tables")
}

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")
}
