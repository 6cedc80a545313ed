package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/browser"
	"github.com/JakeFAU/news-crawler/internal/crawler"
	"github.com/JakeFAU/news-crawler/internal/metrics"
	"github.com/JakeFAU/news-crawler/internal/retry"
	"github.com/JakeFAU/news-crawler/internal/state"
)

// Skip reasons recorded in the state store.
const (
	SkipLowQuality = "low_quality"
	SkipDuplicate  = "duplicate"
)

// process handles one dispatched target. Only errors that make further
// work pointless are returned; everything else is recorded and swallowed.
func (o *Orchestrator) process(ctx context.Context, w *worker, t crawler.Target) error {
	if o.store.HasProcessed(t.URL) {
		o.logger.Debug("skipping processed url", zap.String("url", t.URL))
		return nil
	}
	o.store.RecordStart(t.URL, t.Category, t.SourceURL)
	start := o.clock.Now()

	if o.throughput != nil {
		if err := o.throughput.Wait(ctx); err != nil {
			o.fail(t, o.since(start), fmt.Errorf("throughput wait: %w", err))
			return nil
		}
	}

	o.recorder.FetchStarted(t)
	attempt := 0
	page, err := retry.Run(ctx, o.retry, func(ctx context.Context) (*crawler.Page, error) {
		attempt++
		if attempt > 1 {
			// The dispatch window was spent on the first attempt.
			if err := o.politenessWait(ctx, w, t.URL, t.Domain); err != nil {
				return nil, err
			}
		}
		return o.fetch(ctx, w, t.URL, t.Domain)
	}, nil)
	if err != nil {
		metrics.ObservePage(t.URL, "error")
		o.fail(t, o.since(start), err)
		if errors.Is(err, browser.ErrPoolClosed) {
			return err
		}
		return nil
	}
	o.recorder.FetchDone(t, page)
	metrics.ObservePage(t.URL, strconv.Itoa(page.StatusCode))

	nav := &followNavigator{o: o, w: w, domain: t.Domain}
	ext, extErr := o.extractors.For(t.URL).Extract(ctx, page, nav)
	w.set(StateRecording, t.URL, o.clock.Now())

	if t.Kind == crawler.KindListing {
		// Listing pages rarely have article text; links are what matter.
		if extErr != nil && len(ext.Links) == 0 {
			o.fail(t, o.since(start), extErr)
			return nil
		}
		o.recordListing(t, ext)
		o.recordCompletion(t, o.since(start))
		return nil
	}

	if extErr != nil {
		if crawler.KindOf(extErr) == crawler.KindUnknown {
			extErr = crawler.NewError(crawler.KindExtractionFailed, t.URL, extErr)
		}
		o.fail(t, o.since(start), extErr)
		return nil
	}
	o.recordArticle(ctx, t, page, ext, o.since(start))
	return nil
}

// fetch acquires a session, navigates, and returns the session to the pool
// with the outcome. The domain's politeness delay adapts to the result.
func (o *Orchestrator) fetch(ctx context.Context, w *worker, url, domain string) (*crawler.Page, error) {
	w.set(StateAwaitingSession, url, o.clock.Now())
	sess, err := o.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, browser.ErrPoolClosed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, crawler.NewError(crawler.KindBackendCrashed, url, err)
	}

	w.set(StateFetching, url, o.clock.Now())
	page, err := sess.Handle.Navigate(ctx, url)
	if err == nil && page == nil {
		err = errors.New("backend returned no page")
	}
	if err != nil {
		err = crawler.ClassifyNavigation(url, err)
		fatal := o.pool.HandleError(ctx, sess.ID, err)
		o.release(sess.ID, !fatal)
		o.limiter.Failure(domain)
		return nil, err
	}
	o.release(sess.ID, true)

	if page.StatusCode >= http.StatusBadRequest {
		if page.StatusCode == http.StatusTooManyRequests || page.StatusCode >= http.StatusInternalServerError {
			o.limiter.Failure(domain)
		} else {
			o.limiter.Success(domain)
		}
		return nil, crawler.NewError(crawler.KindNavigationFailed, url, &crawler.StatusError{Code: page.StatusCode})
	}
	o.limiter.Success(domain)
	return page, nil
}

func (o *Orchestrator) release(id int, success bool) {
	if err := o.pool.Release(id, success, true); err != nil {
		o.logger.Debug("session release failed", zap.Int("session", id), zap.Error(err))
	}
}

// followNavigator serves extractors that need more pages of the same
// article. Each navigation waits out the domain's politeness delay first.
type followNavigator struct {
	o      *Orchestrator
	w      *worker
	domain string
}

func (n *followNavigator) Navigate(ctx context.Context, url string) (*crawler.Page, error) {
	if err := n.o.politenessWait(ctx, n.w, url, n.domain); err != nil {
		return nil, err
	}
	return n.o.fetch(ctx, n.w, url, n.domain)
}

// politenessWait blocks until the limiter grants the domain another load.
func (o *Orchestrator) politenessWait(ctx context.Context, w *worker, url, domain string) error {
	w.set(StateDispatching, url, o.clock.Now())
	if _, err := o.limiter.Wait(ctx, domain); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	return nil
}

func (o *Orchestrator) recordListing(t crawler.Target, ext crawler.Extraction) {
	links := o.catalog.Filter(t.Category, t.SourceURL).Apply(ext.Links)
	now := o.clock.Now()
	added := 0
	for _, link := range links {
		if o.cfg.MaxLinksPerListing > 0 && added >= o.cfg.MaxLinksPerListing {
			break
		}
		if link == t.URL || o.store.HasProcessed(link) || o.saver.Contains(t.Category, link) {
			continue
		}
		accepted := o.frontier.Add(crawler.Target{
			URL:        link,
			Category:   t.Category,
			SourceURL:  t.SourceURL,
			Priority:   t.Priority,
			EnqueuedAt: now,
			Kind:       crawler.KindArticle,
		})
		if accepted {
			added++
		}
	}
	o.listings.Add(1)
	o.discovered.Add(int64(added))
	o.recorder.Discovered(t, added)
	o.logger.Debug("listing processed",
		zap.String("url", t.URL),
		zap.Int("links", len(ext.Links)),
		zap.Int("matched", len(links)),
		zap.Int("enqueued", added),
	)
}

func (o *Orchestrator) recordArticle(ctx context.Context, t crawler.Target, page *crawler.Page, ext crawler.Extraction, dur time.Duration) {
	score := 0
	if o.quality != nil {
		ok, report := o.quality.IsQuality(page.Body, o.cfg.QualityThreshold)
		if !ok {
			o.logger.Debug("low quality article", zap.String("url", t.URL), zap.Int("score", report.Score), zap.String("reason", report.Reason))
			o.skip(t, SkipLowQuality, "", float64(report.Score))
			return
		}
		score = report.Score
	}

	match, dup, err := o.fingerprints.CheckAndAdd(t.URL, ext.Text, o.cfg.DuplicateThreshold)
	if err != nil {
		o.fail(t, dur, crawler.NewError(crawler.KindExtractionFailed, t.URL, err))
		return
	}
	if dup {
		o.logger.Info("duplicate article",
			zap.String("url", t.URL),
			zap.String("duplicate_of", match.URL),
			zap.Float64("score", match.Score),
		)
		metrics.ObserveDuplicate(t.Category)
		o.recorder.Duplicate(t, match.URL)
		o.skip(t, SkipDuplicate, match.URL, match.Score)
		return
	}

	o.succeeded.Add(1)
	o.frontier.Complete(t, true)
	o.store.RecordCompletion(state.Outcome{
		URL:       t.URL,
		Category:  t.Category,
		SourceURL: t.SourceURL,
		Success:   true,
		Duration:  dur,
	})
	if _, err := o.saver.AddURLs(t.Category, []string{t.URL}, false); err != nil {
		o.logger.Warn("save url failed", zap.String("category", t.Category), zap.Error(err))
	}
	if o.archive != nil {
		o.archiveArticle(ctx, t, page, ext, score, dur)
	}
	o.afterCompletion()
	if o.store.CategoriesComplete() {
		o.halt("category targets reached")
	}
}

func (o *Orchestrator) archiveArticle(ctx context.Context, t crawler.Target, page *crawler.Page, ext crawler.Extraction, score int, dur time.Duration) {
	hash, err := o.hasher.Hash([]byte(ext.Text))
	if err != nil {
		o.logger.Warn("content hash failed", zap.String("url", t.URL), zap.Error(err))
	}
	article := crawler.Article{
		URL:          t.URL,
		FinalURL:     page.FinalURL,
		Category:     t.Category,
		Domain:       t.Domain,
		SourceURL:    t.SourceURL,
		Title:        ext.Title,
		Text:         ext.Text,
		ContentHash:  hash,
		QualityScore: float64(score),
		FetchedAt:    o.clock.Now().UTC(),
		DurationMs:   dur.Milliseconds(),
	}
	uri, err := o.archive.Archive(ctx, article)
	if err != nil {
		o.logger.Warn("article archive failed", zap.String("url", t.URL), zap.Error(err))
		return
	}
	o.logger.Debug("article archived", zap.String("url", t.URL), zap.String("uri", uri))
}

func (o *Orchestrator) recordCompletion(t crawler.Target, dur time.Duration) {
	o.store.RecordCompletion(state.Outcome{
		URL:       t.URL,
		Category:  t.Category,
		SourceURL: t.SourceURL,
		Success:   true,
		Duration:  dur,
		Listing:   t.Kind == crawler.KindListing,
	})
	o.afterCompletion()
}

func (o *Orchestrator) skip(t crawler.Target, reason, duplicateOf string, score float64) {
	o.skipped.Add(1)
	o.frontier.Complete(t, false)
	o.store.RecordSkip(t.URL, t.Category, t.SourceURL, reason, duplicateOf, score)
	o.afterCompletion()
}

func (o *Orchestrator) fail(t crawler.Target, dur time.Duration, err error) {
	o.failed.Add(1)
	o.frontier.Complete(t, false)
	o.recorder.FetchFailed(t, dur, err)
	o.logger.Warn("target failed",
		zap.String("url", t.URL),
		zap.String("category", t.Category),
		zap.String("kind", crawler.KindOf(err).String()),
		zap.Error(err),
	)
	o.store.RecordCompletion(state.Outcome{
		URL:       t.URL,
		Category:  t.Category,
		SourceURL: t.SourceURL,
		Success:   false,
		Duration:  dur,
		Err:       err,
		Listing:   t.Kind == crawler.KindListing,
	})
	o.afterCompletion()
}

// afterCompletion checkpoints state every SaveEvery recorded outcomes.
// Save failures are logged by the store and never stop the run.
func (o *Orchestrator) afterCompletion() {
	n := o.completed.Add(1)
	if n%int64(o.cfg.SaveEvery) == 0 {
		_ = o.store.Save()
	}
}

func (o *Orchestrator) since(start time.Time) time.Duration {
	return o.clock.Now().Sub(start)
}
