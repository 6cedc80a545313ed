package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// DomainOf returns the lowercase host of rawURL without a leading "www.".
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.TrimPrefix(host, "www."), nil
}

// ResolveLinks resolves hrefs against base, normalizes them, and drops
// anything that is not http(s). Order is preserved and duplicates removed.
func ResolveLinks(base string, hrefs []string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(hrefs))
	out := make([]string, 0, len(hrefs))
	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		normalized, err := NormalizeURL(abs.String())
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// URLFilter narrows discovered links. Zero-value fields are ignored.
type URLFilter struct {
	// Domain must appear in the URL host.
	Domain string
	// Contains lists substrings that must all be present.
	Contains []string
	// Excludes lists substrings that must all be absent.
	Excludes []string
	// PathPattern must match the URL path.
	PathPattern *regexp.Regexp
}

// Match reports whether rawURL passes the filter.
func (f URLFilter) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		return false
	}
	if f.Domain != "" && !strings.Contains(strings.ToLower(u.Host), strings.ToLower(f.Domain)) {
		return false
	}
	for _, s := range f.Contains {
		if !strings.Contains(rawURL, s) {
			return false
		}
	}
	for _, s := range f.Excludes {
		if strings.Contains(rawURL, s) {
			return false
		}
	}
	if f.PathPattern != nil && !f.PathPattern.MatchString(u.Path) {
		return false
	}
	return true
}

// Apply returns the URLs that pass the filter.
func (f URLFilter) Apply(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if f.Match(u) {
			out = append(out, u)
		}
	}
	return out
}

// PaginationType names how a listing page encodes its page number.
type PaginationType string

// Supported pagination styles.
const (
	PaginationQuery   PaginationType = "query"
	PaginationPath    PaginationType = "path"
	PaginationNumeric PaginationType = "numeric"
)

// PaginationURL builds the URL of page n of a listing.
//
//	query:   https://x/news?page=3
//	path:    https://x/news/page/3/
//	numeric: https://x/news/3
func PaginationURL(base string, n int, typ PaginationType) (string, error) {
	page := strconv.Itoa(n)
	switch typ {
	case PaginationQuery, "":
		u, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("page", page)
		u.RawQuery = q.Encode()
		return u.String(), nil
	case PaginationPath:
		return strings.TrimSuffix(base, "/") + "/page/" + page + "/", nil
	case PaginationNumeric:
		return strings.TrimSuffix(base, "/") + "/" + page, nil
	default:
		return "", fmt.Errorf("unknown pagination type %q", typ)
	}
}
