// Package browser manages a bounded pool of backend sessions. Sessions are
// created lazily, shared when the pool is saturated, and rotated after a
// page budget, a maximum lifetime, or a failure.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/clock"
	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrUnknownSession is returned for IDs the pool does not track.
	ErrUnknownSession = errors.New("unknown browser session")
)

// Rotation reasons, also used as metric labels.
const (
	ReasonPages    = "pages"
	ReasonLifetime = "lifetime"
	ReasonFailure  = "failure"
	ReasonCrashed  = "crashed"
)

// Config sizes the pool.
type Config struct {
	Size            int
	PagesPerSession int
	MaxLifetime     time.Duration
	IdleTimeout     time.Duration
	// MemoryThreshold is a used-memory percentage above which idle sessions
	// are closed before a new Acquire. Zero disables the check.
	MemoryThreshold float64
	// OpenTimeout bounds replacement launches during rotation.
	OpenTimeout time.Duration
	// MemoryProbe reports used memory in percent. Defaults to gopsutil.
	MemoryProbe func() (float64, error)
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Size:            3,
		PagesPerSession: 50,
		MaxLifetime:     time.Hour,
		IdleTimeout:     5 * time.Minute,
		MemoryThreshold: 90,
		OpenTimeout:     30 * time.Second,
	}
}

// Session is a snapshot of a pooled session handed to callers.
type Session struct {
	ID         int
	Handle     crawler.Handle
	CreatedAt  time.Time
	PageCount  int
	InUse      bool
	LastUsedAt time.Time
}

type slot struct {
	id         int
	handle     crawler.Handle
	createdAt  time.Time
	lastUsedAt time.Time
	pageCount  int
	holders    int
	// reserved is set while the handle is being replaced; the slot is not
	// selectable until it clears.
	reserved bool
	rotate   string
}

func (s *slot) session() Session {
	return Session{
		ID:         s.id,
		Handle:     s.handle,
		CreatedAt:  s.createdAt,
		PageCount:  s.pageCount,
		InUse:      s.holders > 0,
		LastUsedAt: s.lastUsedAt,
	}
}

// Stats summarizes the pool.
type Stats struct {
	Capacity         int       `json:"capacity"`
	Size             int       `json:"size"`
	InUse            int       `json:"inUse"`
	Idle             int       `json:"idle"`
	Rotations        int       `json:"rotations"`
	CreationFailures int       `json:"creationFailures"`
	Sessions         []Session `json:"-"`
}

// Pool hands out sessions from a Backend. Backend I/O never runs while the
// pool lock is held.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	backend crawler.Backend
	clock   crawler.Clock
	logger  *zap.Logger

	slots    map[int]*slot
	nextID   int
	creating int
	closed   bool
	// changed is closed and replaced whenever a reserved slot frees up.
	changed chan struct{}

	rotations        int
	creationFailures int
}

// New returns an empty pool. No sessions are opened until Acquire.
func New(cfg Config, backend crawler.Backend) (*Pool, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.PagesPerSession <= 0 {
		cfg.PagesPerSession = def.PagesPerSession
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MemoryProbe == nil {
		cfg.MemoryProbe = virtualMemoryPercent
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		backend: backend,
		clock:   clk,
		logger:  logger,
		slots:   make(map[int]*slot),
		changed: make(chan struct{}),
	}, nil
}

func virtualMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read memory stats: %w", err)
	}
	return vm.UsedPercent, nil
}

// Acquire returns a session for one navigation. An idle session is
// preferred; otherwise a new one is opened while below capacity; otherwise
// the least-used busy session is shared.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	pressure := p.underMemoryPressure()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Session{}, ErrPoolClosed
		}
		now := p.clock.Now()
		stale := p.reapLocked(now, pressure)
		pressure = false

		if s := p.idleLocked(); s != nil {
			s.holders = 1
			s.lastUsedAt = now
			out := s.session()
			p.publishLocked()
			p.mu.Unlock()
			p.closeHandles(stale)
			return out, nil
		}

		if len(p.slots)+p.creating < p.cfg.Size {
			p.creating++
			p.nextID++
			id := p.nextID
			p.mu.Unlock()
			p.closeHandles(stale)
			return p.create(ctx, id)
		}

		if s := p.leastUsedLocked(); s != nil {
			s.holders++
			s.lastUsedAt = now
			out := s.session()
			p.publishLocked()
			p.mu.Unlock()
			p.closeHandles(stale)
			return out, nil
		}

		// every slot is mid-rotation or mid-creation
		wait := p.changed
		p.mu.Unlock()
		p.closeHandles(stale)
		select {
		case <-wait:
		case <-ctx.Done():
			return Session{}, fmt.Errorf("acquire session: %w", ctx.Err())
		}
	}
}

func (p *Pool) create(ctx context.Context, id int) (Session, error) {
	handle, err := p.backend.Open(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	p.notifyLocked()

	if err != nil {
		p.creationFailures++
		if s := p.leastUsedLocked(); s != nil {
			p.logger.Warn("session launch failed, sharing existing session",
				zap.Int("session", s.id), zap.Error(err))
			s.holders++
			s.lastUsedAt = p.clock.Now()
			p.publishLocked()
			return s.session(), nil
		}
		return Session{}, fmt.Errorf("open browser session: %w", err)
	}
	if p.closed {
		go p.closeHandles([]crawler.Handle{handle})
		return Session{}, ErrPoolClosed
	}

	now := p.clock.Now()
	s := &slot{id: id, handle: handle, createdAt: now, lastUsedAt: now, holders: 1}
	p.slots[id] = s
	p.logger.Debug("session opened", zap.Int("session", id), zap.Int("pool_size", len(p.slots)))
	p.publishLocked()
	return s.session(), nil
}

// Release returns one hold on a session. Rotation, when due, runs after the
// last holder leaves.
func (p *Pool) Release(id int, success, incrementPageCount bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	s, ok := p.slots[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	now := p.clock.Now()
	if s.holders > 0 {
		s.holders--
	}
	s.lastUsedAt = now
	if incrementPageCount {
		s.pageCount++
	}
	switch {
	case s.rotate != "":
	case !success:
		s.rotate = ReasonFailure
	case s.pageCount >= p.cfg.PagesPerSession:
		s.rotate = ReasonPages
	case now.Sub(s.createdAt) > p.cfg.MaxLifetime:
		s.rotate = ReasonLifetime
	}
	if s.rotate == "" || s.holders > 0 || s.reserved {
		p.publishLocked()
		p.mu.Unlock()
		return nil
	}
	s.reserved = true
	old, reason := s.handle, s.rotate
	p.mu.Unlock()

	p.rotate(s, old, reason)
	return nil
}

func (p *Pool) rotate(s *slot, old crawler.Handle, reason string) {
	if err := old.Close(); err != nil {
		p.logger.Debug("close rotated session", zap.Int("session", s.id), zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.OpenTimeout)
	defer cancel()
	handle, err := p.backend.Open(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.notifyLocked()
	metrics.ObserveBrowserRotation(reason)
	p.rotations++

	if err != nil || p.closed {
		delete(p.slots, s.id)
		if err != nil {
			p.creationFailures++
			p.logger.Warn("session replacement failed, pool shrinks",
				zap.Int("session", s.id), zap.String("reason", reason), zap.Error(err))
		} else {
			go p.closeHandles([]crawler.Handle{handle})
		}
		p.publishLocked()
		return
	}
	now := p.clock.Now()
	s.handle = handle
	s.createdAt = now
	s.lastUsedAt = now
	s.pageCount = 0
	s.rotate = ""
	s.reserved = false
	p.logger.Debug("session rotated", zap.Int("session", s.id), zap.String("reason", reason))
	p.publishLocked()
}

// HandleError inspects a navigation error. Fatal errors mark the session
// for rotation and return true; anything else triggers a soft reset.
func (p *Pool) HandleError(ctx context.Context, id int, err error) bool {
	if err == nil {
		return false
	}
	fatal := crawler.KindOf(err) == crawler.KindBackendCrashed || crawler.LooksCrashed(err)

	p.mu.Lock()
	s, ok := p.slots[id]
	if !ok {
		p.mu.Unlock()
		return fatal
	}
	if fatal {
		s.rotate = ReasonCrashed
		p.mu.Unlock()
		p.logger.Warn("session crashed", zap.Int("session", id), zap.Error(err))
		return true
	}
	if s.holders > 1 {
		// Reset would interrupt the other holders' page loads.
		p.mu.Unlock()
		p.logger.Debug("shared session, reset skipped", zap.Int("session", id), zap.Int("holders", s.holders))
		return false
	}
	handle := s.handle
	p.mu.Unlock()

	if rerr := handle.Reset(ctx); rerr != nil {
		p.logger.Debug("session reset failed", zap.Int("session", id), zap.Error(rerr))
		if crawler.LooksCrashed(rerr) {
			p.mu.Lock()
			if s, ok := p.slots[id]; ok {
				s.rotate = ReasonCrashed
			}
			p.mu.Unlock()
			return true
		}
	}
	return false
}

// CleanIdle closes sessions that have been idle longer than IdleTimeout and
// returns how many were closed.
func (p *Pool) CleanIdle() int {
	p.mu.Lock()
	stale := p.reapLocked(p.clock.Now(), false)
	p.mu.Unlock()
	p.closeHandles(stale)
	return len(stale)
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Capacity:         p.cfg.Size,
		Size:             len(p.slots),
		Rotations:        p.rotations,
		CreationFailures: p.creationFailures,
		Sessions:         make([]Session, 0, len(p.slots)),
	}
	for _, s := range p.slots {
		if s.holders > 0 {
			st.InUse++
		} else {
			st.Idle++
		}
		st.Sessions = append(st.Sessions, s.session())
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].ID < st.Sessions[j].ID })
	return st
}

// Close shuts every session down. Sessions mid-rotation close themselves
// once their replacement returns.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]crawler.Handle, 0, len(p.slots))
	for id, s := range p.slots {
		if s.reserved {
			continue
		}
		handles = append(handles, s.handle)
		delete(p.slots, id)
	}
	p.notifyLocked()
	p.publishLocked()
	p.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) underMemoryPressure() bool {
	if p.cfg.MemoryThreshold <= 0 {
		return false
	}
	used, err := p.cfg.MemoryProbe()
	if err != nil {
		p.logger.Debug("memory probe failed", zap.Error(err))
		return false
	}
	if used > p.cfg.MemoryThreshold {
		p.logger.Warn("memory pressure, closing idle sessions", zap.Float64("used_percent", used))
		return true
	}
	return false
}

// reapLocked detaches idle sessions that timed out, or every idle session
// under memory pressure, and returns their handles for closing.
func (p *Pool) reapLocked(now time.Time, all bool) []crawler.Handle {
	var out []crawler.Handle
	for id, s := range p.slots {
		if s.holders > 0 || s.reserved {
			continue
		}
		if all || now.Sub(s.lastUsedAt) > p.cfg.IdleTimeout {
			out = append(out, s.handle)
			delete(p.slots, id)
		}
	}
	if len(out) > 0 {
		p.publishLocked()
	}
	return out
}

func (p *Pool) idleLocked() *slot {
	var best *slot
	for _, s := range p.slots {
		if s.holders > 0 || s.reserved || s.rotate != "" {
			continue
		}
		if best == nil || s.id < best.id {
			best = s
		}
	}
	return best
}

// leastUsedLocked prefers healthy sessions and falls back to ones already
// marked for rotation.
func (p *Pool) leastUsedLocked() *slot {
	var best, marked *slot
	for _, s := range p.slots {
		if s.reserved {
			continue
		}
		if s.rotate != "" {
			if lessUsed(s, marked) {
				marked = s
			}
			continue
		}
		if lessUsed(s, best) {
			best = s
		}
	}
	if best == nil {
		return marked
	}
	return best
}

func lessUsed(s, than *slot) bool {
	if than == nil {
		return true
	}
	return s.pageCount < than.pageCount || (s.pageCount == than.pageCount && s.id < than.id)
}

func (p *Pool) closeHandles(handles []crawler.Handle) {
	for _, h := range handles {
		if err := h.Close(); err != nil {
			p.logger.Debug("close session", zap.Error(err))
		}
	}
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) publishLocked() {
	idle, inUse := 0, 0
	for _, s := range p.slots {
		if s.holders > 0 {
			inUse++
		} else {
			idle++
		}
	}
	metrics.SetBrowserSessions(idle, inUse)
}
