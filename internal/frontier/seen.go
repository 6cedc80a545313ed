package frontier

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// SeenSet remembers every URL ever offered to the frontier.
type SeenSet interface {
	// TestAndAdd reports whether url was already present and records it.
	TestAndAdd(url string) bool
	Contains(url string) bool
	Len() int
}

// ExactSet is a map-backed SeenSet.
type ExactSet struct {
	urls map[string]struct{}
}

// NewExactSet returns an empty ExactSet.
func NewExactSet() *ExactSet {
	return &ExactSet{urls: make(map[string]struct{})}
}

// TestAndAdd implements SeenSet.
func (s *ExactSet) TestAndAdd(url string) bool {
	if _, ok := s.urls[url]; ok {
		return true
	}
	s.urls[url] = struct{}{}
	return false
}

// Contains implements SeenSet.
func (s *ExactSet) Contains(url string) bool {
	_, ok := s.urls[url]
	return ok
}

// Len implements SeenSet.
func (s *ExactSet) Len() int { return len(s.urls) }

// BloomSet trades exactness for bounded memory. A false positive makes the
// frontier treat an unseen URL as a duplicate; it never admits a duplicate.
type BloomSet struct {
	filter *bloom.BloomFilter
	count  int
}

// NewBloomSet sizes a filter for n URLs at false-positive rate fp.
func NewBloomSet(n uint, fp float64) *BloomSet {
	if n == 0 {
		n = 100_000
	}
	if fp <= 0 || fp >= 1 {
		fp = 0.001
	}
	return &BloomSet{filter: bloom.NewWithEstimates(n, fp)}
}

// TestAndAdd implements SeenSet.
func (s *BloomSet) TestAndAdd(url string) bool {
	present := s.filter.TestAndAddString(url)
	if !present {
		s.count++
	}
	return present
}

// Contains implements SeenSet.
func (s *BloomSet) Contains(url string) bool {
	return s.filter.TestString(url)
}

// Len reports how many distinct URLs were added.
func (s *BloomSet) Len() int { return s.count }
