package extractor

import (
	"net"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

// Registry picks an extractor by registrable domain, so m.example.com and
// www.example.com share example.com's selectors.
type Registry struct {
	mu       sync.RWMutex
	byDomain map[string]crawler.Extractor
	fallback crawler.Extractor
}

// NewRegistry returns a registry that uses fallback for unknown domains.
// A nil fallback means Readability.
func NewRegistry(fallback crawler.Extractor) *Registry {
	if fallback == nil {
		fallback = Readability{}
	}
	return &Registry{byDomain: make(map[string]crawler.Extractor), fallback: fallback}
}

// Register binds an extractor to the registrable domain of host.
func (r *Registry) Register(host string, e crawler.Extractor) {
	r.mu.Lock()
	r.byDomain[RegistrableDomain(host)] = e
	r.mu.Unlock()
}

// For returns the extractor for rawURL.
func (r *Registry) For(rawURL string) crawler.Extractor {
	u, err := url.Parse(rawURL)
	if err != nil {
		return r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byDomain[RegistrableDomain(u.Hostname())]; ok {
		return e
	}
	return r.fallback
}

// RegistrableDomain returns eTLD+1 for host, or the lowercased host when
// it has none (IPs, localhost).
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.Contains(h, "[") {
		host = h
	}
	if net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}
