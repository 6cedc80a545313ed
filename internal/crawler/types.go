package crawler

import (
	"net/http"
	"time"
)

// TargetKind distinguishes section pages that only yield links from the
// article pages that count toward category quotas.
type TargetKind int

// Target kinds.
const (
	KindArticle TargetKind = iota
	KindListing
)

// String implements fmt.Stringer.
func (k TargetKind) String() string {
	switch k {
	case KindListing:
		return "listing"
	default:
		return "article"
	}
}

// Target is a unit of crawl work. It is immutable once enqueued.
type Target struct {
	URL        string
	Category   string
	Domain     string
	SourceURL  string
	Priority   float64
	EnqueuedAt time.Time
	Kind       TargetKind
}

// Page is the rendered result of a single navigation.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Extraction is what an Extractor pulls out of a Page.
type Extraction struct {
	Title string
	Text  string
	Links []string
	Pages int
}

// Article is a processed article ready for persistence.
type Article struct {
	URL          string    `json:"url"`
	FinalURL     string    `json:"final_url,omitempty"`
	Category     string    `json:"category"`
	Domain       string    `json:"domain"`
	SourceURL    string    `json:"source_url,omitempty"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	ContentHash  string    `json:"content_hash"`
	QualityScore float64   `json:"quality_score"`
	FetchedAt    time.Time `json:"fetched_at"`
	DurationMs   int64     `json:"duration_ms"`
}
