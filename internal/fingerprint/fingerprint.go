// Package fingerprint detects near-duplicate article text using an exact
// hash, a 64-bit SimHash, and k-word shingles indexed for candidate lookup.
package fingerprint

import (
	"container/list"
	"crypto/md5" //nolint:gosec // content identity, not security
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/bits"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ErrEmptyContent is returned when text normalizes to nothing.
var ErrEmptyContent = errors.New("empty content")

const (
	defaultThreshold   = 0.85
	defaultMaxPrints   = 10000
	defaultShingleSize = 3
	pruneFraction      = 0.2
)

// Config tunes the fingerprinter.
type Config struct {
	// Threshold is the default similarity score at or above which content
	// counts as a duplicate.
	Threshold float64
	// MaxFingerprints bounds memory; the oldest 20% are pruned past it.
	MaxFingerprints int
	// ShingleSize is the number of words per shingle.
	ShingleSize int
	Logger      *zap.Logger
}

// Fingerprint describes one stored document.
type Fingerprint struct {
	URL         string
	ContentHash string
	SimHash     uint64
	Shingles    map[string]struct{}
	Length      int
	WordCount   int
}

// Match is a stored document similar to a query.
type Match struct {
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// Stats summarizes the store.
type Stats struct {
	Fingerprints int     `json:"fingerprints"`
	Shingles     int     `json:"shingles"`
	AvgShingles  float64 `json:"avg_shingles_per_document"`
}

type entry struct {
	fp   Fingerprint
	elem *list.Element
}

// Fingerprinter stores fingerprints and answers similarity queries. It is
// safe for concurrent use.
type Fingerprinter struct {
	mu     sync.RWMutex
	cfg    Config
	prints map[string]*entry
	order  *list.List
	index  map[string]map[string]struct{}
	logger *zap.Logger
}

// New builds a Fingerprinter.
func New(cfg Config) *Fingerprinter {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.MaxFingerprints <= 0 {
		cfg.MaxFingerprints = defaultMaxPrints
	}
	if cfg.ShingleSize <= 0 {
		cfg.ShingleSize = defaultShingleSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fingerprinter{
		cfg:    cfg,
		prints: make(map[string]*entry),
		order:  list.New(),
		index:  make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// Fingerprint computes and stores the fingerprint of text under url. A URL
// fingerprinted again replaces its previous entry and becomes the newest.
func (f *Fingerprinter) Fingerprint(url, text string) (Fingerprint, error) {
	fp, ok := f.compute(url, text)
	if !ok {
		return Fingerprint{}, ErrEmptyContent
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(fp)
	return cloneFingerprint(fp), nil
}

// FindSimilar returns stored documents scoring at or above threshold,
// best first. A non-positive threshold uses the configured default.
func (f *Fingerprinter) FindSimilar(text string, threshold float64) []Match {
	q, ok := f.compute("", text)
	if !ok {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.findLocked(q, f.threshold(threshold))
}

// IsDuplicate reports the best match when it reaches threshold.
func (f *Fingerprinter) IsDuplicate(text string, threshold float64) (Match, bool) {
	matches := f.FindSimilar(text, threshold)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// CheckAndAdd atomically checks text against the store and, when it is not
// a duplicate, stores it under url. It returns the best match when one was
// found.
func (f *Fingerprinter) CheckAndAdd(url, text string, threshold float64) (Match, bool, error) {
	fp, ok := f.compute(url, text)
	if !ok {
		return Match{}, false, ErrEmptyContent
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.findLocked(fp, f.threshold(threshold)) {
		if m.URL != url {
			return m, true, nil
		}
	}
	f.storeLocked(fp)
	return Match{}, false, nil
}

// Stats reports store size.
func (f *Fingerprinter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for _, e := range f.prints {
		total += len(e.fp.Shingles)
	}
	st := Stats{Fingerprints: len(f.prints), Shingles: len(f.index)}
	if len(f.prints) > 0 {
		st.AvgShingles = float64(total) / float64(len(f.prints))
	}
	return st
}

// Clear drops every stored fingerprint.
func (f *Fingerprinter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prints = make(map[string]*entry)
	f.order.Init()
	f.index = make(map[string]map[string]struct{})
}

func (f *Fingerprinter) threshold(t float64) float64 {
	if t <= 0 {
		return f.cfg.Threshold
	}
	return t
}

func (f *Fingerprinter) compute(url, text string) (Fingerprint, bool) {
	clean := Normalize(text)
	if clean == "" {
		return Fingerprint{}, false
	}
	tokens := strings.Fields(clean)
	sum := md5.Sum([]byte(clean)) //nolint:gosec // content identity
	return Fingerprint{
		URL:         url,
		ContentHash: hex.EncodeToString(sum[:]),
		SimHash:     SimHash(tokens),
		Shingles:    Shingles(tokens, f.cfg.ShingleSize),
		Length:      utf8.RuneCountInString(text),
		WordCount:   len(tokens),
	}, true
}

func (f *Fingerprinter) findLocked(q Fingerprint, threshold float64) []Match {
	candidates := make(map[string]struct{})
	for sh := range q.Shingles {
		for url := range f.index[sh] {
			candidates[url] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		for url := range f.prints {
			candidates[url] = struct{}{}
		}
	}
	var out []Match
	for url := range candidates {
		e, ok := f.prints[url]
		if !ok {
			continue
		}
		score := Similarity(q, e.fp)
		if score >= threshold {
			out = append(out, Match{URL: url, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].URL < out[j].URL
	})
	return out
}

func (f *Fingerprinter) storeLocked(fp Fingerprint) {
	if old, ok := f.prints[fp.URL]; ok {
		f.removeLocked(old)
	}
	e := &entry{fp: fp}
	e.elem = f.order.PushBack(fp.URL)
	f.prints[fp.URL] = e
	for sh := range fp.Shingles {
		urls, ok := f.index[sh]
		if !ok {
			urls = make(map[string]struct{})
			f.index[sh] = urls
		}
		urls[fp.URL] = struct{}{}
	}
	if len(f.prints) > f.cfg.MaxFingerprints {
		f.pruneLocked()
	}
}

func (f *Fingerprinter) pruneLocked() {
	n := int(float64(f.cfg.MaxFingerprints) * pruneFraction)
	if n < 1 {
		n = 1
	}
	removed := 0
	for removed < n && f.order.Len() > 0 {
		url := f.order.Front().Value.(string)
		f.removeLocked(f.prints[url])
		removed++
	}
	f.logger.Info("pruned old fingerprints", zap.Int("removed", removed), zap.Int("remaining", len(f.prints)))
}

func (f *Fingerprinter) removeLocked(e *entry) {
	f.order.Remove(e.elem)
	delete(f.prints, e.fp.URL)
	for sh := range e.fp.Shingles {
		urls := f.index[sh]
		delete(urls, e.fp.URL)
		if len(urls) == 0 {
			delete(f.index, sh)
		}
	}
}

// Normalize lowercases text, drops punctuation and digits, and collapses
// whitespace to single spaces.
func Normalize(text string) string {
	lowered := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsLetter(r), unicode.IsMark(r), r == '_':
			return unicode.ToLower(r)
		default:
			return -1
		}
	}, text)
	return strings.Join(strings.Fields(lowered), " ")
}

// SimHash folds the low 64 bits of each token's MD5 into a majority vote
// per bit position.
func SimHash(tokens []string) uint64 {
	if len(tokens) == 0 {
		return 0
	}
	var v [64]int
	for _, tok := range tokens {
		sum := md5.Sum([]byte(tok)) //nolint:gosec // feature hashing
		h := binary.BigEndian.Uint64(sum[8:])
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				v[i]++
			} else {
				v[i]--
			}
		}
	}
	var out uint64
	for i := 0; i < 64; i++ {
		if v[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// Shingles returns the set of k-word windows. Fewer than k tokens yield the
// whole text as a single shingle.
func Shingles(tokens []string, k int) map[string]struct{} {
	out := make(map[string]struct{})
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) < k {
		out[strings.Join(tokens, " ")] = struct{}{}
		return out
	}
	for i := 0; i+k <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+k], " ")] = struct{}{}
	}
	return out
}

// Similarity averages SimHash similarity and shingle Jaccard similarity.
func Similarity(a, b Fingerprint) float64 {
	sim := 1 - float64(bits.OnesCount64(a.SimHash^b.SimHash))/64
	return (sim + Jaccard(a.Shingles, b.Shingles)) / 2
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when both are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func cloneFingerprint(fp Fingerprint) Fingerprint {
	sh := make(map[string]struct{}, len(fp.Shingles))
	for k := range fp.Shingles {
		sh[k] = struct{}{}
	}
	fp.Shingles = sh
	return fp
}
