package progress

import (
	"time"

	"github.com/JakeFAU/news-crawler/internal/clock"
	"github.com/JakeFAU/news-crawler/internal/crawler"
)

// Recorder stamps events with one run ID and the current time before
// handing them to an Emitter. A nil Recorder or Emitter drops everything.
type Recorder struct {
	emitter Emitter
	runID   [16]byte
	clock   crawler.Clock
}

// NewRecorder binds emitter to runID.
func NewRecorder(emitter Emitter, runID [16]byte, clk crawler.Clock) *Recorder {
	if clk == nil {
		clk = clock.System{}
	}
	return &Recorder{emitter: emitter, runID: runID, clock: clk}
}

func (r *Recorder) emit(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.RunID = r.runID
	evt.TS = r.clock.Now().UTC()
	r.emitter.Emit(evt)
}

// RunStarted marks the beginning of the run.
func (r *Recorder) RunStarted() {
	r.emit(Event{Stage: StageRunStart})
}

// RunFinished marks the end of the run. A non-nil err records RUN_ERROR.
func (r *Recorder) RunFinished(elapsed time.Duration, err error) {
	evt := Event{Stage: StageRunDone, Dur: elapsed}
	if err != nil {
		evt.Stage = StageRunError
		evt.Note = err.Error()
	}
	r.emit(evt)
}

// FetchStarted notes that a navigation to t is about to begin.
func (r *Recorder) FetchStarted(t crawler.Target) {
	r.emit(Event{Stage: StageFetchStart, Domain: t.Domain, Category: t.Category, URL: t.URL})
}

// FetchDone records a rendered page.
func (r *Recorder) FetchDone(t crawler.Target, page *crawler.Page) {
	evt := Event{Stage: StageFetchDone, Domain: t.Domain, Category: t.Category, URL: t.URL, StatusClass: StatusOther}
	if page != nil {
		evt.StatusClass = ClassifyStatus(page.StatusCode)
		evt.Bytes = int64(len(page.Body))
		evt.Dur = page.Duration
	}
	r.emit(evt)
}

// FetchFailed records a target that exhausted its retries.
func (r *Recorder) FetchFailed(t crawler.Target, dur time.Duration, err error) {
	evt := Event{Stage: StageFetchError, Domain: t.Domain, Category: t.Category, URL: t.URL, Dur: dur}
	if err != nil {
		evt.Note = crawler.KindOf(err).String()
	}
	r.emit(evt)
}

// Duplicate records an article skipped because it matched duplicateOf.
func (r *Recorder) Duplicate(t crawler.Target, duplicateOf string) {
	r.emit(Event{Stage: StageDuplicate, Domain: t.Domain, Category: t.Category, URL: t.URL, Note: duplicateOf})
}

// Discovered records how many new article targets a listing page yielded.
func (r *Recorder) Discovered(t crawler.Target, n int) {
	r.emit(Event{Stage: StageDiscovered, Domain: t.Domain, Category: t.Category, URL: t.URL, Count: int64(n)})
}
