// Package archive writes extracted articles to blob storage and, when
// configured, indexes them in Postgres and announces them on Pub/Sub.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/hash/sha256"
)

const (
	defaultPrefix   = "articles"
	noCategory      = "uncategorized"
	jsonContentType = "application/json"
)

// Config controls object naming and notifications.
type Config struct {
	// Prefix is the first path segment of every object key.
	Prefix string
	// Topic receives a Notice per archived article. Empty means the
	// publisher's default topic.
	Topic  string
	Logger *zap.Logger
}

// Notice is the message published for each archived article.
type Notice struct {
	URL         string    `json:"url"`
	Category    string    `json:"category"`
	Domain      string    `json:"domain"`
	Title       string    `json:"title"`
	BlobURI     string    `json:"blob_uri"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Attributes exposes routing fields as message attributes.
func (n Notice) Attributes() map[string]string {
	return map[string]string{"category": n.Category, "domain": n.Domain}
}

// Archiver persists articles. Index and Publisher are optional.
type Archiver struct {
	cfg    Config
	blobs  crawler.BlobStore
	index  crawler.ArticleIndex
	pub    crawler.Publisher
	logger *zap.Logger
}

// New builds an Archiver. blobs is required.
func New(cfg Config, blobs crawler.BlobStore, index crawler.ArticleIndex, pub crawler.Publisher) (*Archiver, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, blobs: blobs, index: index, pub: pub, logger: logger}, nil
}

// Key returns <prefix>/<category>/<sha256(url)[:16]>.json.
func (a *Archiver) Key(article crawler.Article) (string, error) {
	if article.URL == "" {
		return "", fmt.Errorf("article url is required")
	}
	digest, err := sha256.Key(article.URL, sha256.KeyLength)
	if err != nil {
		return "", err
	}
	category := article.Category
	if category == "" {
		category = noCategory
	}
	return path.Join(a.cfg.Prefix, category, digest+".json"), nil
}

// Archive writes article and returns its blob URI. A blob failure is
// returned; so is an index failure, after the blob is written. Publish
// failures are only logged.
func (a *Archiver) Archive(ctx context.Context, article crawler.Article) (string, error) {
	key, err := a.Key(article)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(article, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal article: %w", err)
	}
	uri, err := a.blobs.PutObject(ctx, key, jsonContentType, data)
	if err != nil {
		return "", fmt.Errorf("write article blob: %w", err)
	}
	if a.index != nil {
		if err := a.index.SaveArticle(ctx, article, uri); err != nil {
			return uri, fmt.Errorf("index article: %w", err)
		}
	}
	if a.pub != nil {
		notice := Notice{
			URL:         article.URL,
			Category:    article.Category,
			Domain:      article.Domain,
			Title:       article.Title,
			BlobURI:     uri,
			ContentHash: article.ContentHash,
			FetchedAt:   article.FetchedAt,
		}
		if id, err := a.pub.Publish(ctx, a.cfg.Topic, notice); err != nil {
			a.logger.Warn("article notification failed", zap.String("url", article.URL), zap.Error(err))
		} else {
			a.logger.Debug("article notification sent", zap.String("url", article.URL), zap.String("message_id", id))
		}
	}
	return uri, nil
}
