package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/news-crawler/internal/archive"
	"github.com/JakeFAU/news-crawler/internal/browser"
	"github.com/JakeFAU/news-crawler/internal/clock"
	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/extractor"
	"github.com/JakeFAU/news-crawler/internal/fingerprint"
	"github.com/JakeFAU/news-crawler/internal/frontier"
	"github.com/JakeFAU/news-crawler/internal/hash/sha256"
	"github.com/JakeFAU/news-crawler/internal/metrics"
	"github.com/JakeFAU/news-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/news-crawler/internal/progress"
	"github.com/JakeFAU/news-crawler/internal/quality"
	"github.com/JakeFAU/news-crawler/internal/retry"
	"github.com/JakeFAU/news-crawler/internal/saver"
	"github.com/JakeFAU/news-crawler/internal/sources"
	"github.com/JakeFAU/news-crawler/internal/state"
)

// ErrAlreadyRan is returned by a second call to Run.
var ErrAlreadyRan = errors.New("orchestrator already ran")

// Config tunes one run.
type Config struct {
	Workers int
	// MaxRPS caps navigations per second across all domains. Zero disables.
	MaxRPS    float64
	SaveEvery int
	// DrainTimeout bounds how long in-flight targets may run after the run
	// stops pulling new work.
	DrainTimeout time.Duration
	// MaxLinksPerListing bounds the articles one listing page may enqueue.
	// Zero means unlimited.
	MaxLinksPerListing int
	// QualityThreshold is the minimum score an article needs when a quality
	// analyzer is configured.
	QualityThreshold int
	// DuplicateThreshold overrides the fingerprinter's similarity threshold
	// when positive.
	DuplicateThreshold float64
	// IdleWait is the longest an idle worker sleeps before looking at the
	// frontier again.
	IdleWait time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          3,
		SaveEvery:        10,
		DrainTimeout:     30 * time.Second,
		QualityThreshold: 50,
		IdleWait:         time.Second,
	}
}

// Deps are the collaborators of a run. The first block is required.
type Deps struct {
	Frontier     *frontier.Frontier
	Limiter      *ratelimit.Limiter
	Pool         *browser.Pool
	State        *state.Store
	Saver        *saver.Saver
	Fingerprints *fingerprint.Fingerprinter
	Extractors   *extractor.Registry
	Catalog      *sources.Catalog

	Retry   *retry.Policy
	Quality *quality.Analyzer
	Archive *archive.Archiver
	Hub     *progress.Hub
	RunID   [16]byte
	Hasher  crawler.Hasher
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Orchestrator runs the worker loop. It is single-use: build a new one per
// run.
type Orchestrator struct {
	cfg          Config
	frontier     *frontier.Frontier
	limiter      *ratelimit.Limiter
	pool         *browser.Pool
	store        *state.Store
	saver        *saver.Saver
	fingerprints *fingerprint.Fingerprinter
	extractors   *extractor.Registry
	catalog      *sources.Catalog
	retry        *retry.Policy
	quality      *quality.Analyzer
	archive      *archive.Archiver
	hub          *progress.Hub
	recorder     *progress.Recorder
	hasher       crawler.Hasher
	clock        crawler.Clock
	logger       *zap.Logger

	throughput *rate.Limiter
	workers    []*worker
	// done lists categories that already met their target in earlier runs.
	done map[string]struct{}

	dispatchMu sync.Mutex
	inFlight   int
	wake       chan struct{}

	mu         sync.Mutex
	phase      State
	startedAt  time.Time
	stopReason string
	stop       context.CancelFunc

	ran        atomic.Bool
	completed  atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	listings   atomic.Int64
	discovered atomic.Int64
}

// New wires an orchestrator and registers every catalog category with the
// state store and the frontier quotas. Quotas are reduced by the successes
// recorded in earlier runs.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Frontier == nil:
		return nil, fmt.Errorf("frontier is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("browser pool is required")
	case deps.State == nil:
		return nil, fmt.Errorf("state store is required")
	case deps.Saver == nil:
		return nil, fmt.Errorf("saver is required")
	case deps.Fingerprints == nil:
		return nil, fmt.Errorf("fingerprinter is required")
	case deps.Extractors == nil:
		return nil, fmt.Errorf("extractor registry is required")
	case deps.Catalog == nil:
		return nil, fmt.Errorf("source catalog is required")
	}

	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SaveEvery <= 0 {
		cfg.SaveEvery = def.SaveEvery
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	policy := deps.Retry
	if policy == nil {
		policy = retry.New(retry.DefaultConfig(),
			retry.NeverRetry(retry.Is(browser.ErrPoolClosed), crawler.IsPermanentStatus),
			retry.WithLogger(logger),
		)
	}
	hasher := deps.Hasher
	if hasher == nil {
		hasher = sha256.New()
	}

	o := &Orchestrator{
		cfg:          cfg,
		frontier:     deps.Frontier,
		limiter:      deps.Limiter,
		pool:         deps.Pool,
		store:        deps.State,
		saver:        deps.Saver,
		fingerprints: deps.Fingerprints,
		extractors:   deps.Extractors,
		catalog:      deps.Catalog,
		retry:        policy,
		quality:      deps.Quality,
		archive:      deps.Archive,
		hub:          deps.Hub,
		hasher:       hasher,
		clock:        clk,
		logger:       logger,
		done:         make(map[string]struct{}),
		wake:         make(chan struct{}),
		phase:        StateIdle,
	}
	if deps.Hub != nil {
		o.recorder = progress.NewRecorder(deps.Hub, deps.RunID, clk)
	}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		o.throughput = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	now := clk.Now()
	for i := range cfg.Workers {
		o.workers = append(o.workers, &worker{status: WorkerStatus{ID: i, State: StateIdle, Since: now}})
	}

	for name, target := range o.catalog.Targets() {
		o.store.RegisterCategory(name, target)
		if target <= 0 {
			continue
		}
		remaining := target - o.store.CategoryProgress(name).SuccessCount
		if remaining <= 0 {
			o.done[name] = struct{}{}
			o.logger.Info("category already complete", zap.String("category", name), zap.Int("target", target))
			continue
		}
		o.frontier.SetQuota(name, remaining)
	}
	return o, nil
}

// Seed offers targets to the frontier, skipping URLs processed in earlier
// runs, articles already saved, and categories that are complete. It
// returns how many were accepted.
func (o *Orchestrator) Seed(targets []crawler.Target) int {
	added := 0
	for _, t := range targets {
		if _, done := o.done[t.Category]; done {
			continue
		}
		if o.store.HasProcessed(t.URL) {
			continue
		}
		if t.Kind == crawler.KindArticle && o.saver.Contains(t.Category, t.URL) {
			continue
		}
		if o.frontier.Add(t) {
			added++
		}
	}
	if added > 0 {
		o.broadcast()
	}
	o.logger.Info("frontier seeded", zap.Int("offered", len(targets)), zap.Int("added", added))
	return added
}

// Run blocks until the crawl reaches a terminal condition or ctx is
// canceled, then drains in-flight work and flushes state, artifacts, the
// browser pool, and the progress hub. A canceled ctx is reported as
// ctx.Err(); reaching a terminal condition returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRan
	}
	start := o.clock.Now()
	o.mu.Lock()
	o.startedAt = start
	o.mu.Unlock()
	o.setPhase(StateDispatching)
	o.recorder.RunStarted()
	o.logger.Info("crawl started",
		zap.Int("workers", o.cfg.Workers),
		zap.Int("queued", o.frontier.Size()),
		zap.Float64("max_rps", o.cfg.MaxRPS),
	)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	o.mu.Lock()
	o.stop = stop
	o.mu.Unlock()

	// In-flight targets keep running on workCtx after runCtx ends, until
	// they finish or the drain timeout fires.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	g, gctx := errgroup.WithContext(runCtx)
	o.store.Start(gctx)

	drained := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		o.watchDrain(gctx, drained, cancelWork)
	}()

	for _, w := range o.workers {
		g.Go(func() error {
			return o.work(gctx, workCtx, w)
		})
	}
	groupErr := g.Wait()
	close(drained)
	<-watchDone

	if groupErr != nil {
		o.halt("fatal: " + groupErr.Error())
	} else if ctx.Err() != nil {
		o.halt("canceled")
	}

	shutdownErr := o.shutdown(ctx)
	elapsed := o.clock.Now().Sub(start)
	runErr := errors.Join(groupErr, shutdownErr)
	o.recorder.RunFinished(elapsed, runErr)
	if o.hub != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DrainTimeout)
		if err := o.hub.Close(closeCtx); err != nil {
			o.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	o.setPhase(StateStopped)

	st := o.Status()
	o.logger.Info("crawl stopped",
		zap.String("reason", st.StopReason),
		zap.Duration("elapsed", elapsed),
		zap.Int64("succeeded", st.Counters.Succeeded),
		zap.Int64("failed", st.Counters.Failed),
		zap.Int64("skipped", st.Counters.Skipped),
		zap.Int64("discovered", st.Counters.Discovered),
	)

	if runErr != nil {
		return runErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) watchDrain(ctx context.Context, drained <-chan struct{}, cancelWork context.CancelFunc) {
	select {
	case <-ctx.Done():
	case <-drained:
		return
	}
	o.setPhase(StateDraining)
	o.broadcast()
	timer := time.NewTimer(o.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		o.logger.Warn("drain timeout reached; abandoning in-flight targets",
			zap.Duration("drain_timeout", o.cfg.DrainTimeout))
		cancelWork()
	case <-drained:
	}
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.setPhase(StateDraining)
	var errs []error
	if err := o.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("save state: %w", err))
	}
	if err := o.saver.FlushAll(); err != nil {
		o.logger.Warn("url flush failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("flush urls: %w", err))
	}
	if err := o.pool.Close(); err != nil {
		o.logger.Warn("browser pool close failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("close browser pool: %w", err))
	}
	if ctx.Err() == nil && len(errs) == 0 {
		o.logger.Debug("shutdown complete")
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) work(ctx, workCtx context.Context, w *worker) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer w.set(StateStopped, "", o.clock.Now())
	for {
		w.set(StateDispatching, "", o.clock.Now())
		t, ok := o.dispatch(ctx)
		if !ok {
			return nil
		}
		err := o.process(workCtx, w, t)
		o.finish()
		if err != nil {
			return err
		}
	}
}

// dispatch pops the next ready target. The pop and the in-flight increment
// happen under one lock, so an empty frontier with nothing in flight is a
// reliable terminal signal.
func (o *Orchestrator) dispatch(ctx context.Context) (crawler.Target, bool) {
	for {
		if ctx.Err() != nil {
			return crawler.Target{}, false
		}
		o.dispatchMu.Lock()
		if o.inFlight == 0 && o.frontier.IsEmpty() {
			o.dispatchMu.Unlock()
			o.halt("frontier exhausted")
			return crawler.Target{}, false
		}
		now := o.clock.Now()
		if t, ok := o.frontier.Next(now); ok {
			o.inFlight++
			o.dispatchMu.Unlock()
			return t, true
		}
		wake := o.wake
		wait := o.cfg.IdleWait
		if at, ok := o.frontier.NextReadyAt(); ok {
			if d := at.Sub(now); d < wait {
				wait = max(d, time.Millisecond)
			}
		}
		o.dispatchMu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (o *Orchestrator) finish() {
	o.dispatchMu.Lock()
	o.inFlight--
	o.broadcastLocked()
	o.dispatchMu.Unlock()
}

func (o *Orchestrator) broadcast() {
	o.dispatchMu.Lock()
	o.broadcastLocked()
	o.dispatchMu.Unlock()
}

func (o *Orchestrator) broadcastLocked() {
	close(o.wake)
	o.wake = make(chan struct{})
}

// halt stops dispatching. The first reason wins.
func (o *Orchestrator) halt(reason string) {
	o.mu.Lock()
	first := o.stopReason == ""
	if first {
		o.stopReason = reason
	}
	stop := o.stop
	o.mu.Unlock()
	if first {
		o.logger.Info("crawl stopping", zap.String("reason", reason))
	}
	if stop != nil {
		stop()
	}
}

func (o *Orchestrator) setPhase(s State) {
	o.mu.Lock()
	if o.phase != StateStopped {
		o.phase = s
	}
	o.mu.Unlock()
}

// Status returns a snapshot of the run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{State: o.phase, StartedAt: o.startedAt, StopReason: o.stopReason}
	o.mu.Unlock()

	o.dispatchMu.Lock()
	st.InFlight = o.inFlight
	o.dispatchMu.Unlock()

	st.Queued = o.frontier.Size()
	st.Counters = Counters{
		Completed:  o.completed.Load(),
		Succeeded:  o.succeeded.Load(),
		Failed:     o.failed.Load(),
		Skipped:    o.skipped.Load(),
		Listings:   o.listings.Load(),
		Discovered: o.discovered.Load(),
	}
	st.Workers = make([]WorkerStatus, 0, len(o.workers))
	for _, w := range o.workers {
		st.Workers = append(st.Workers, w.snapshot())
	}
	return st
}
