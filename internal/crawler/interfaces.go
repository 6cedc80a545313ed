package crawler

import (
	"context"
	"time"
)

// Backend opens browser sessions. Implementations wrap chromedp, colly, or
// test doubles.
type Backend interface {
	Open(ctx context.Context) (Handle, error)
}

// Navigator loads a URL and returns the rendered page.
type Navigator interface {
	Navigate(ctx context.Context, url string) (*Page, error)
}

// Handle is one live browser session. Navigate must be safe to call from
// several goroutines when the pool shares a session.
type Handle interface {
	Navigator
	// Reset aborts in-flight loads so the session can be reused.
	Reset(ctx context.Context) error
	Close() error
}

// Extractor turns a rendered page into title, text, and outbound links. nav
// may be nil; when set it is used for follow-up pages of the same article.
type Extractor interface {
	Extract(ctx context.Context, page *Page, nav Navigator) (Extraction, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ArticleIndex records archived articles in a queryable store.
type ArticleIndex interface {
	SaveArticle(ctx context.Context, article Article, blobURI string) error
}

// Hasher computes digests used for object keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
