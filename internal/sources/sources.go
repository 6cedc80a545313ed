// Package sources expands the configured categories and their section
// pages into listing seeds for the frontier.
package sources

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

// Pagination describes how to walk a paginated listing.
type Pagination struct {
	Type  crawler.PaginationType `mapstructure:"type"`
	Start int                    `mapstructure:"start"`
	// Pages is how many pages to enqueue from Start. Zero means only the
	// source URL itself.
	Pages int `mapstructure:"pages"`
}

// Source is one section page of a site.
type Source struct {
	URL        string     `mapstructure:"url"`
	Priority   float64    `mapstructure:"priority"`
	Pagination Pagination `mapstructure:"pagination"`
}

// Category groups the sources that feed one quota.
type Category struct {
	Name    string   `mapstructure:"name"`
	Target  int      `mapstructure:"target"`
	Sources []Source `mapstructure:"sources"`
	// Contains, Excludes and PathPattern narrow the article links accepted
	// from this category's listings.
	Contains    []string `mapstructure:"contains"`
	Excludes    []string `mapstructure:"excludes"`
	PathPattern string   `mapstructure:"path_pattern"`
	// SameSite keeps only links on the listing's own domain.
	SameSite *bool `mapstructure:"same_site"`
}

type compiled struct {
	Category
	pattern *regexp.Regexp
}

// Catalog is the validated set of categories. It is read-only after New.
type Catalog struct {
	categories []compiled
	byName     map[string]int
}

// New validates categories and compiles their filters.
func New(categories []Category) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]int, len(categories))}
	for _, cat := range categories {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			return nil, fmt.Errorf("category name is required")
		}
		if _, dup := c.byName[name]; dup {
			return nil, fmt.Errorf("duplicate category %q", name)
		}
		if cat.Target < 0 {
			return nil, fmt.Errorf("category %q: target must be >= 0", name)
		}
		cat.Name = name
		cc := compiled{Category: cat}
		if cat.PathPattern != "" {
			re, err := regexp.Compile(cat.PathPattern)
			if err != nil {
				return nil, fmt.Errorf("category %q: compile path pattern: %w", name, err)
			}
			cc.pattern = re
		}
		for i, src := range cat.Sources {
			if _, err := crawler.NormalizeURL(src.URL); err != nil {
				return nil, fmt.Errorf("category %q source %d: %w", name, i, err)
			}
			switch src.Pagination.Type {
			case "", crawler.PaginationQuery, crawler.PaginationPath, crawler.PaginationNumeric:
			default:
				return nil, fmt.Errorf("category %q source %d: unknown pagination type %q", name, i, src.Pagination.Type)
			}
		}
		c.byName[name] = len(c.categories)
		c.categories = append(c.categories, cc)
	}
	return c, nil
}

// Names returns category names in configuration order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.categories))
	for _, cat := range c.categories {
		out = append(out, cat.Name)
	}
	return out
}

// Targets returns the quota of every category.
func (c *Catalog) Targets() map[string]int {
	out := make(map[string]int, len(c.categories))
	for _, cat := range c.categories {
		out[cat.Name] = cat.Target
	}
	return out
}

// SiteCategories returns the categories with at least one source on domain.
func (c *Catalog) SiteCategories(domain string) []string {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	var out []string
	for _, cat := range c.categories {
		for _, src := range cat.Sources {
			if d, err := crawler.DomainOf(src.URL); err == nil && d == domain {
				out = append(out, cat.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Seeds expands every source, including its pagination, into listing
// targets. Later pages get a slightly larger priority value so page one is
// fetched first.
func (c *Catalog) Seeds(now time.Time) ([]crawler.Target, error) {
	var out []crawler.Target
	for _, cat := range c.categories {
		for _, src := range cat.Sources {
			urls, err := expand(src)
			if err != nil {
				return nil, fmt.Errorf("category %q: %w", cat.Name, err)
			}
			for i, u := range urls {
				out = append(out, crawler.Target{
					URL:        u,
					Category:   cat.Name,
					SourceURL:  src.URL,
					Priority:   src.Priority + float64(i)*0.01,
					EnqueuedAt: now,
					Kind:       crawler.KindListing,
				})
			}
		}
	}
	return out, nil
}

func expand(src Source) ([]string, error) {
	first, err := crawler.NormalizeURL(src.URL)
	if err != nil {
		return nil, err
	}
	urls := []string{first}
	p := src.Pagination
	if p.Pages <= 0 {
		return urls, nil
	}
	start := p.Start
	if start <= 0 {
		start = 2
	}
	for n := start; n < start+p.Pages; n++ {
		u, err := crawler.PaginationURL(src.URL, n, p.Type)
		if err != nil {
			return nil, err
		}
		if u, err = crawler.NormalizeURL(u); err == nil && u != first {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// Filter returns the link filter for a listing of category fetched from
// sourceURL. Unknown categories get a filter that only enforces the
// listing's own domain.
func (c *Catalog) Filter(category, sourceURL string) crawler.URLFilter {
	var f crawler.URLFilter
	sameSite := true
	if i, ok := c.byName[category]; ok {
		cat := c.categories[i]
		f.Contains = cat.Contains
		f.Excludes = cat.Excludes
		f.PathPattern = cat.pattern
		if cat.SameSite != nil {
			sameSite = *cat.SameSite
		}
	}
	if sameSite {
		if d, err := crawler.DomainOf(sourceURL); err == nil {
			f.Domain = d
		}
	}
	return f
}
