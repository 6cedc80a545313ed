package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

const defaultArticleTable = "articles"

// ArticleStore indexes archived articles, one row per URL.
type ArticleStore struct {
	db    DB
	table string
}

// NewArticleStore builds a store over db. An empty table means "articles".
func NewArticleStore(db DB, table string) (*ArticleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = defaultArticleTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ArticleStore{db: db, table: table}, nil
}

// EnsureSchema creates the table when it does not exist.
func (s *ArticleStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	url           TEXT PRIMARY KEY,
	final_url     TEXT,
	category      TEXT NOT NULL,
	domain        TEXT NOT NULL,
	source_url    TEXT,
	title         TEXT,
	content_hash  TEXT NOT NULL,
	quality_score DOUBLE PRECISION,
	blob_uri      TEXT NOT NULL,
	fetched_at    TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveArticle upserts the row for article.URL. A re-crawl replaces the
// previous content hash and blob location.
func (s *ArticleStore) SaveArticle(ctx context.Context, article crawler.Article, blobURI string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("article store is not configured")
	}
	if article.URL == "" {
		return fmt.Errorf("article url is required")
	}
	if blobURI == "" {
		return fmt.Errorf("blob uri is required")
	}
	fetchedAt := article.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	url,
	final_url,
	category,
	domain,
	source_url,
	title,
	content_hash,
	quality_score,
	blob_uri,
	fetched_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (url) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	title = EXCLUDED.title,
	content_hash = EXCLUDED.content_hash,
	quality_score = EXCLUDED.quality_score,
	blob_uri = EXCLUDED.blob_uri,
	fetched_at = EXCLUDED.fetched_at,
	duration_ms = EXCLUDED.duration_ms,
	updated_at = now()`, s.table)

	args := []any{
		article.URL,
		article.FinalURL,
		article.Category,
		article.Domain,
		article.SourceURL,
		article.Title,
		article.ContentHash,
		article.QualityScore,
		blobURI,
		fetchedAt,
		article.DurationMs,
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert article: %w", err)
	}
	return nil
}
