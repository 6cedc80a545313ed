package frontier

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/metrics"
)

// ShareBasis selects which counts the per-domain share cap is computed on.
type ShareBasis string

// Share bases.
const (
	// ShareAccepted divides by everything admitted so far, queued or not.
	ShareAccepted ShareBasis = "accepted"
	// ShareCompleted divides by targets that finished processing.
	ShareCompleted ShareBasis = "completed"
)

// Gate decides whether a domain may be dispatched now. Reserve must claim
// the domain's window atomically when it returns true.
type Gate interface {
	Reserve(domain string, now time.Time) (bool, time.Time)
}

// Config controls admission.
type Config struct {
	// Quotas caps accepted article targets per category. Missing or
	// non-positive entries mean unlimited.
	Quotas map[string]int
	// MaxDomainShare is the largest percentage of a category's accepted
	// articles one domain may hold before further adds are refused.
	// Non-positive disables the cap.
	MaxDomainShare float64
	// ShareWarmup is how many articles a category accepts before the share
	// cap is enforced.
	ShareWarmup int
	// FairShareFloor raises the cap to 100/k when a category only has k
	// domains and MaxDomainShare would otherwise starve it.
	FairShareFloor bool
	ShareBasis     ShareBasis
	// AllowDuplicates admits URLs that were already seen.
	AllowDuplicates bool
	// Seen overrides the default exact seen set.
	Seen   SeenSet
	Logger *zap.Logger
}

// CategoryStats summarizes one category.
type CategoryStats struct {
	Quota      int     `json:"quota"`
	Accepted   int     `json:"accepted"`
	Queued     int     `json:"queued"`
	Processed  int     `json:"processed"`
	Succeeded  int     `json:"succeeded"`
	Completion float64 `json:"completion_pct"`
}

// Stats is a point-in-time view of the frontier.
type Stats struct {
	QueueSize  int                      `json:"queue_size"`
	SeenURLs   int                      `json:"seen_urls"`
	Domains    map[string]int           `json:"domains"`
	Categories map[string]CategoryStats `json:"categories"`
}

type categoryState struct {
	accepted  int
	queued    int
	processed int
	succeeded int
	// per-domain counts on each basis; key presence means the domain has
	// contributed to the category.
	acceptedBy  map[string]int
	completedBy map[string]int
}

func newCategoryState() *categoryState {
	return &categoryState{
		acceptedBy:  make(map[string]int),
		completedBy: make(map[string]int),
	}
}

// Frontier is a politeness-aware priority queue. It is safe for concurrent
// use.
type Frontier struct {
	mu         sync.Mutex
	cfg        Config
	gate       Gate
	queue      targetHeap
	seq        uint64
	seen       SeenSet
	quotas     map[string]int
	categories map[string]*categoryState
	domains    map[string]int
	nextReady  time.Time
	logger     *zap.Logger
	now        func() time.Time
}

// New builds a Frontier. gate may be nil, in which case every domain is
// always ready.
func New(cfg Config, gate Gate) *Frontier {
	if cfg.ShareBasis == "" {
		cfg.ShareBasis = ShareAccepted
	}
	seen := cfg.Seen
	if seen == nil {
		seen = NewExactSet()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	quotas := make(map[string]int, len(cfg.Quotas))
	for k, v := range cfg.Quotas {
		quotas[k] = v
	}
	return &Frontier{
		cfg:        cfg,
		gate:       gate,
		seen:       seen,
		quotas:     quotas,
		categories: make(map[string]*categoryState),
		domains:    make(map[string]int),
		logger:     logger,
		now:        time.Now,
	}
}

// Add offers a target. It returns false without side effects when the URL
// was seen before, the category quota is met, or the domain is over its
// share. Listing targets skip the quota and share checks.
func (f *Frontier) Add(t crawler.Target) bool {
	if t.URL == "" {
		return false
	}
	if t.Domain == "" {
		domain, err := crawler.DomainOf(t.URL)
		if err != nil {
			return false
		}
		t.Domain = domain
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.cfg.AllowDuplicates && f.seen.Contains(t.URL) {
		return false
	}
	cs := f.categoryLocked(t.Category)
	if t.Kind == crawler.KindArticle {
		if q := f.quotas[t.Category]; q > 0 && cs.accepted >= q {
			f.logger.Debug("category quota reached", zap.String("category", t.Category), zap.Int("quota", q))
			return false
		}
		if f.overShareLocked(cs, t.Domain) {
			f.logger.Debug("domain over share cap",
				zap.String("category", t.Category), zap.String("domain", t.Domain))
			return false
		}
	}

	f.seen.TestAndAdd(t.URL)
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = f.now()
	}
	f.seq++
	heap.Push(&f.queue, &item{target: t, seq: f.seq})
	cs.queued++
	if t.Kind == crawler.KindArticle {
		cs.accepted++
		cs.acceptedBy[t.Domain]++
		f.domains[t.Domain]++
	}
	metrics.SetFrontierSize(f.queue.Len())
	return true
}

func (f *Frontier) overShareLocked(cs *categoryState, domain string) bool {
	if f.cfg.MaxDomainShare <= 0 {
		return false
	}
	total, byDomain := cs.accepted, cs.acceptedBy
	if f.cfg.ShareBasis == ShareCompleted {
		total, byDomain = cs.processed, cs.completedBy
	}
	if total == 0 || total < f.cfg.ShareWarmup {
		return false
	}
	count, present := byDomain[domain]
	if !present {
		return false
	}
	limit := f.cfg.MaxDomainShare
	if f.cfg.FairShareFloor && len(byDomain) > 0 {
		if floor := 100 / float64(len(byDomain)); floor > limit {
			limit = floor
		}
	}
	share := float64(count) / float64(total) * 100
	return share > limit
}

// Next pops the best target whose domain the gate admits at now. Targets
// whose domain is not ready are kept in the queue for a later call.
func (f *Frontier) Next(now time.Time) (crawler.Target, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var held []*item
	blocked := make(map[string]struct{})
	var earliest time.Time
	defer func() {
		for _, it := range held {
			heap.Push(&f.queue, it)
		}
		f.nextReady = earliest
		metrics.SetFrontierSize(f.queue.Len())
	}()

	for f.queue.Len() > 0 {
		it := heap.Pop(&f.queue).(*item)
		domain := it.target.Domain
		if _, ok := blocked[domain]; ok {
			held = append(held, it)
			continue
		}
		if f.gate != nil {
			ok, readyAt := f.gate.Reserve(domain, now)
			if !ok {
				blocked[domain] = struct{}{}
				if earliest.IsZero() || readyAt.Before(earliest) {
					earliest = readyAt
				}
				held = append(held, it)
				continue
			}
		}
		f.categoryLocked(it.target.Category).queued--
		return it.target, true
	}
	return crawler.Target{}, false
}

// NextReadyAt returns the earliest time a held target could become ready,
// as observed by the last call to Next. ok is false when nothing is held.
func (f *Frontier) NextReadyAt() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue.Len() == 0 || f.nextReady.IsZero() {
		return time.Time{}, false
	}
	return f.nextReady, true
}

// Complete records that a dispatched article finished.
func (f *Frontier) Complete(t crawler.Target, success bool) {
	if t.Kind != crawler.KindArticle {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.categoryLocked(t.Category)
	cs.processed++
	cs.completedBy[t.Domain]++
	if success {
		cs.succeeded++
	}
}

// Size returns the number of queued targets.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len()
}

// IsEmpty reports whether nothing is queued.
func (f *Frontier) IsEmpty() bool {
	return f.Size() == 0
}

// Seen reports whether url was ever offered and accepted.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen.Contains(url)
}

// SetQuota replaces a category's quota.
func (f *Frontier) SetQuota(category string, quota int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotas[category] = quota
	f.logger.Info("category quota updated", zap.String("category", category), zap.Int("quota", quota))
}

// ClearCategory drops every queued target of a category and returns their
// quota slots. Their URLs stay in the seen set.
func (f *Frontier) ClearCategory(category string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.categoryLocked(category)
	kept := f.queue[:0]
	removed := 0
	for _, it := range f.queue {
		if it.target.Category != category {
			kept = append(kept, it)
			continue
		}
		removed++
		if it.target.Kind == crawler.KindArticle {
			cs.accepted--
			cs.acceptedBy[it.target.Domain]--
			f.domains[it.target.Domain]--
		}
	}
	for i := len(kept); i < len(f.queue); i++ {
		f.queue[i] = nil
	}
	f.queue = kept
	heap.Init(&f.queue)
	cs.queued = 0
	metrics.SetFrontierSize(f.queue.Len())
	return removed
}

// Stats returns a snapshot of queue and category counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := Stats{
		QueueSize:  f.queue.Len(),
		SeenURLs:   f.seen.Len(),
		Domains:    make(map[string]int, len(f.domains)),
		Categories: make(map[string]CategoryStats, len(f.categories)),
	}
	for d, n := range f.domains {
		out.Domains[d] = n
	}
	names := make(map[string]struct{}, len(f.categories)+len(f.quotas))
	for name := range f.categories {
		names[name] = struct{}{}
	}
	for name := range f.quotas {
		names[name] = struct{}{}
	}
	for name := range names {
		cs, ok := f.categories[name]
		if !ok {
			cs = newCategoryState()
		}
		st := CategoryStats{
			Quota:     f.quotas[name],
			Accepted:  cs.accepted,
			Queued:    cs.queued,
			Processed: cs.processed,
			Succeeded: cs.succeeded,
		}
		if st.Quota > 0 {
			st.Completion = float64(cs.processed) / float64(st.Quota) * 100
		}
		out.Categories[name] = st
	}
	return out
}

func (f *Frontier) categoryLocked(name string) *categoryState {
	cs, ok := f.categories[name]
	if !ok {
		cs = newCategoryState()
		f.categories[name] = cs
	}
	return cs
}
