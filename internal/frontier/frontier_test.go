package frontier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

type fakeGate struct {
	mu      sync.Mutex
	spacing time.Duration
	next    map[string]time.Time
}

func newFakeGate(spacing time.Duration) *fakeGate {
	return &fakeGate{spacing: spacing, next: make(map[string]time.Time)}
}

func (g *fakeGate) Reserve(domain string, now time.Time) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Before(g.next[domain]) {
		return false, g.next[domain]
	}
	g.next[domain] = now.Add(g.spacing)
	return true, g.next[domain]
}

func article(url, category string, priority float64) crawler.Target {
	return crawler.Target{URL: url, Category: category, Priority: priority}
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAddDeduplicatesByURL(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	accepted := 0
	for i := 0; i < 5; i++ {
		if f.Add(article("https://a.com/1", "news", 1)) {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, f.Size())
	assert.True(t, f.Seen("https://a.com/1"))
}

func TestAddAllowDuplicates(t *testing.T) {
	t.Parallel()

	f := New(Config{AllowDuplicates: true}, nil)
	require.True(t, f.Add(article("https://a.com/1", "news", 1)))
	require.True(t, f.Add(article("https://a.com/1", "news", 1)))
	assert.Equal(t, 2, f.Size())
}

func TestQuotaAndShareScenario(t *testing.T) {
	t.Parallel()

	f := New(Config{Quotas: map[string]int{"news": 2}, MaxDomainShare: 50}, nil)
	var got []string
	for _, u := range []string{
		"https://a.com/1", "https://a.com/2", "https://a.com/3",
		"https://b.com/1", "https://b.com/2", "https://b.com/3",
	} {
		if f.Add(article(u, "news", 1)) {
			got = append(got, u)
		}
	}
	assert.Equal(t, []string{"https://a.com/1", "https://b.com/1"}, got)

	dispatched := 0
	for i := 0; i < 6; i++ {
		if _, ok := f.Next(t0); ok {
			dispatched++
		}
	}
	assert.Equal(t, 2, dispatched)
	assert.True(t, f.IsEmpty())
}

func TestQuotaNeverExceeded(t *testing.T) {
	t.Parallel()

	f := New(Config{Quotas: map[string]int{"sport": 7}}, nil)
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if f.Add(article(fmt.Sprintf("https://s%d.com/%d", w, i), "sport", 1)) {
					accepted.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.EqualValues(t, 7, accepted.Load())
	assert.Equal(t, 7, f.Stats().Categories["sport"].Accepted)
}

func TestConcurrentAddSameURLAcceptsOnce(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Add(article("https://a.com/same", "news", 1)) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, accepted.Load())
}

func TestNextPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	require.True(t, f.Add(article("https://a.com/low-1", "news", 5)))
	require.True(t, f.Add(article("https://b.com/high", "news", 1)))
	require.True(t, f.Add(article("https://c.com/low-2", "news", 5)))

	var order []string
	for !f.IsEmpty() {
		tgt, ok := f.Next(t0)
		require.True(t, ok)
		order = append(order, tgt.URL)
	}
	assert.Equal(t, []string{"https://b.com/high", "https://a.com/low-1", "https://c.com/low-2"}, order)

	_, ok := f.Next(t0)
	assert.False(t, ok)
}

func TestNextHoldsNotReadyDomains(t *testing.T) {
	t.Parallel()

	gate := newFakeGate(2 * time.Second)
	f := New(Config{}, gate)
	require.True(t, f.Add(article("https://a.com/1", "news", 1)))
	require.True(t, f.Add(article("https://a.com/2", "news", 1)))
	require.True(t, f.Add(article("https://b.com/1", "news", 9)))

	first, ok := f.Next(t0)
	require.True(t, ok)
	assert.Equal(t, "https://a.com/1", first.URL)

	second, ok := f.Next(t0)
	require.True(t, ok)
	assert.Equal(t, "https://b.com/1", second.URL, "hot domain must not block ready work")
	assert.Equal(t, 1, f.Size())

	_, ok = f.Next(t0.Add(time.Second))
	assert.False(t, ok)
	readyAt, ok := f.NextReadyAt()
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Second), readyAt)

	third, ok := f.Next(t0.Add(2 * time.Second))
	require.True(t, ok)
	assert.Equal(t, "https://a.com/2", third.URL)
	_, ok = f.NextReadyAt()
	assert.False(t, ok)
}

func TestListingsBypassQuotaAndShare(t *testing.T) {
	t.Parallel()

	f := New(Config{Quotas: map[string]int{"news": 1}, MaxDomainShare: 10}, nil)
	require.True(t, f.Add(article("https://a.com/1", "news", 1)))
	for i := 0; i < 3; i++ {
		listing := article(fmt.Sprintf("https://a.com/section?page=%d", i), "news", 0)
		listing.Kind = crawler.KindListing
		require.True(t, f.Add(listing))
	}
	assert.False(t, f.Add(article("https://b.com/1", "news", 1)))
	assert.Equal(t, 4, f.Size())
	assert.Equal(t, 1, f.Stats().Categories["news"].Accepted)
}

func TestShareWarmupAndFairFloor(t *testing.T) {
	t.Parallel()

	strict := New(Config{MaxDomainShare: 25}, nil)
	require.True(t, strict.Add(article("https://a.com/1", "news", 1)))
	assert.False(t, strict.Add(article("https://a.com/2", "news", 1)), "single domain is capped immediately")

	warm := New(Config{MaxDomainShare: 25, ShareWarmup: 3}, nil)
	for i := 0; i < 3; i++ {
		require.True(t, warm.Add(article(fmt.Sprintf("https://a.com/%d", i), "news", 1)))
	}
	assert.False(t, warm.Add(article("https://a.com/9", "news", 1)))

	fair := New(Config{MaxDomainShare: 25, FairShareFloor: true}, nil)
	for i := 0; i < 5; i++ {
		require.True(t, fair.Add(article(fmt.Sprintf("https://a.com/%d", i), "news", 1)))
	}
	require.True(t, fair.Add(article("https://b.com/1", "news", 1)))
	// a.com holds 5/6 with two domains, above the 50% floor.
	assert.False(t, fair.Add(article("https://a.com/9", "news", 1)))
	assert.True(t, fair.Add(article("https://b.com/2", "news", 1)))
}

func TestShareIsPerCategory(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDomainShare: 50}, nil)
	require.True(t, f.Add(article("https://a.com/p1", "politics", 1)))
	require.True(t, f.Add(article("https://a.com/s1", "sport", 1)))
	assert.False(t, f.Add(article("https://a.com/p2", "politics", 1)))
}

func TestShareCompletedBasis(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxDomainShare: 50, ShareBasis: ShareCompleted}, nil)
	for i := 0; i < 4; i++ {
		require.True(t, f.Add(article(fmt.Sprintf("https://a.com/%d", i), "news", 1)), "nothing completed yet")
	}
	tgt, ok := f.Next(t0)
	require.True(t, ok)
	f.Complete(tgt, true)
	assert.False(t, f.Add(article("https://a.com/9", "news", 1)))
	assert.True(t, f.Add(article("https://b.com/1", "news", 1)))

	st := f.Stats().Categories["news"]
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, 1, st.Succeeded)
}

func TestSetQuotaClearCategoryAndStats(t *testing.T) {
	t.Parallel()

	f := New(Config{Quotas: map[string]int{"news": 1}}, nil)
	require.True(t, f.Add(article("https://a.com/1", "news", 1)))
	require.False(t, f.Add(article("https://a.com/2", "news", 1)))

	f.SetQuota("news", 3)
	require.True(t, f.Add(article("https://a.com/2", "news", 1)))
	require.True(t, f.Add(article("https://b.com/1", "economy", 1)))

	removed := f.ClearCategory("news")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, f.Size())

	st := f.Stats()
	assert.Equal(t, 1, st.QueueSize)
	assert.Equal(t, 3, st.SeenURLs)
	assert.Equal(t, 0, st.Categories["news"].Accepted)
	assert.Equal(t, 3, st.Categories["news"].Quota)
	assert.Equal(t, 1, st.Categories["economy"].Queued)
	assert.Equal(t, 1, st.Domains["b.com"])

	assert.False(t, f.Add(article("https://a.com/1", "news", 1)), "cleared URLs stay seen")
}

func TestCompletionPercentage(t *testing.T) {
	t.Parallel()

	f := New(Config{Quotas: map[string]int{"news": 4}}, nil)
	require.True(t, f.Add(article("https://a.com/1", "news", 1)))
	tgt, ok := f.Next(t0)
	require.True(t, ok)
	f.Complete(tgt, false)
	assert.InDelta(t, 25.0, f.Stats().Categories["news"].Completion, 1e-9)
}

func TestBloomSeenSet(t *testing.T) {
	t.Parallel()

	f := New(Config{Seen: NewBloomSet(1000, 0.001)}, nil)
	require.True(t, f.Add(article("https://a.com/1", "news", 1)))
	assert.False(t, f.Add(article("https://a.com/1", "news", 1)))
	assert.Equal(t, 1, f.Stats().SeenURLs)
}

func TestAddRejectsBadTargets(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	assert.False(t, f.Add(crawler.Target{}))
	assert.False(t, f.Add(crawler.Target{URL: "::not a url"}))

	require.True(t, f.Add(article("https://www.a.com/x", "news", 1)))
	tgt, ok := f.Next(t0)
	require.True(t, ok)
	assert.Equal(t, "a.com", tgt.Domain)
	assert.False(t, tgt.EnqueuedAt.IsZero())
}
