package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

const defaultMaxPages = 5

// ErrNoContent is returned when a page yields no article text.
var ErrNoContent = errors.New("no article content found")

// SelectorConfig describes a site's article markup.
type SelectorConfig struct {
	Title   string `mapstructure:"title"`
	Content string `mapstructure:"content"`
	// Paragraph narrows text to these nodes inside Content. Empty uses "p",
	// falling back to the whole Content text when no paragraph matches.
	Paragraph string `mapstructure:"paragraph"`
	Links     string `mapstructure:"links"`
	// NextPage selects the link to an article's continuation page.
	NextPage string   `mapstructure:"next_page"`
	MaxPages int      `mapstructure:"max_pages"`
	Remove   []string `mapstructure:"remove"`
}

// Selector extracts with CSS selectors.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector returns a Selector. Content is required.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if strings.TrimSpace(cfg.Content) == "" {
		return nil, fmt.Errorf("content selector is required")
	}
	if cfg.Title == "" {
		cfg.Title = "h1"
	}
	if cfg.Paragraph == "" {
		cfg.Paragraph = "p"
	}
	if cfg.Links == "" {
		cfg.Links = "a[href]"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Selector{cfg: cfg}, nil
}

// Extract reads the first page and follows NextPage links through nav.
func (s *Selector) Extract(ctx context.Context, page *crawler.Page, nav crawler.Navigator) (crawler.Extraction, error) {
	base := pageURL(page)
	doc, err := parse(page)
	if err != nil {
		return crawler.Extraction{}, crawler.NewError(crawler.KindExtractionFailed, base, err)
	}
	out := crawler.Extraction{
		Title: cleanText(doc.Find(s.cfg.Title).First().Text()),
		Links: crawler.ResolveLinks(base, hrefs(doc.Find(s.cfg.Links))),
		Pages: 1,
	}
	parts := []string{s.text(doc)}

	visited := map[string]struct{}{base: {}}
	for next := s.nextPage(doc, base); next != "" && nav != nil && out.Pages < s.cfg.MaxPages; next = s.nextPage(doc, base) {
		if _, ok := visited[next]; ok {
			break
		}
		visited[next] = struct{}{}
		if err := ctx.Err(); err != nil {
			return crawler.Extraction{}, fmt.Errorf("follow next page: %w", err)
		}
		p, err := nav.Navigate(ctx, next)
		if err != nil {
			return crawler.Extraction{}, crawler.ClassifyNavigation(next, err)
		}
		base = pageURL(p)
		if doc, err = parse(p); err != nil {
			return crawler.Extraction{}, crawler.NewError(crawler.KindExtractionFailed, next, err)
		}
		parts = append(parts, s.text(doc))
		out.Pages++
	}

	out.Text = strings.TrimSpace(strings.Join(nonEmpty(parts), "\n\n"))
	if out.Text == "" {
		return out, crawler.NewError(crawler.KindExtractionFailed, pageURL(page), ErrNoContent)
	}
	return out, nil
}

func (s *Selector) text(doc *goquery.Document) string {
	content := doc.Find(s.cfg.Content)
	for _, sel := range s.cfg.Remove {
		content.Find(sel).Remove()
	}
	var paras []string
	content.Find(s.cfg.Paragraph).Each(func(_ int, p *goquery.Selection) {
		if t := cleanText(p.Text()); t != "" {
			paras = append(paras, t)
		}
	})
	if len(paras) == 0 {
		return cleanText(content.Text())
	}
	return strings.Join(paras, "\n")
}

func (s *Selector) nextPage(doc *goquery.Document, base string) string {
	if s.cfg.NextPage == "" {
		return ""
	}
	href, ok := doc.Find(s.cfg.NextPage).First().Attr("href")
	if !ok {
		return ""
	}
	links := crawler.ResolveLinks(base, []string{href})
	if len(links) == 0 {
		return ""
	}
	return links[0]
}

func parse(page *crawler.Page) (*goquery.Document, error) {
	if page == nil || len(page.Body) == 0 {
		return nil, fmt.Errorf("empty page body")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func pageURL(page *crawler.Page) string {
	if page == nil {
		return ""
	}
	if page.FinalURL != "" {
		return page.FinalURL
	}
	return page.URL
}

func hrefs(sel *goquery.Selection) []string {
	out := make([]string, 0, sel.Length())
	sel.Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			out = append(out, href)
		}
	})
	return out
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
