package extractor

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/markusmobius/go-trafilatura"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

// Readability extracts the main content of arbitrary pages with trafilatura.
// It never navigates.
type Readability struct {
	// Fallback enables trafilatura's secondary extractors. Slower, but
	// better on unusual layouts.
	Fallback bool
}

// Extract implements crawler.Extractor.
func (r Readability) Extract(_ context.Context, page *crawler.Page, _ crawler.Navigator) (crawler.Extraction, error) {
	base := pageURL(page)
	doc, err := parse(page)
	if err != nil {
		return crawler.Extraction{}, crawler.NewError(crawler.KindExtractionFailed, base, err)
	}
	out := crawler.Extraction{
		Links: crawler.ResolveLinks(base, hrefs(doc.Find("a[href]"))),
		Pages: 1,
	}

	opts := trafilatura.Options{EnableFallback: r.Fallback, ExcludeComments: true}
	if u, err := url.Parse(base); err == nil {
		opts.OriginalURL = u
	}
	result, err := trafilatura.Extract(bytes.NewReader(page.Body), opts)
	if err != nil || result == nil {
		return out, crawler.NewError(crawler.KindExtractionFailed, base, ErrNoContent)
	}
	out.Title = cleanText(result.Metadata.Title)
	if out.Title == "" {
		out.Title = cleanText(doc.Find("title").First().Text())
	}
	out.Text = strings.TrimSpace(result.ContentText)
	if out.Text == "" {
		return out, crawler.NewError(crawler.KindExtractionFailed, base, ErrNoContent)
	}
	return out, nil
}
