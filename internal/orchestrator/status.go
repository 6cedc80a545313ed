package orchestrator

import (
	"sync"
	"time"
)

// State is a lifecycle phase of the run or of one worker.
type State string

// Lifecycle phases.
const (
	StateIdle            State = "idle"
	StateDispatching     State = "dispatching"
	StateAwaitingSession State = "awaiting_session"
	StateFetching        State = "fetching"
	StateRecording       State = "recording"
	StateDraining        State = "draining"
	StateStopped         State = "stopped"
)

// WorkerStatus is one worker's current activity.
type WorkerStatus struct {
	ID    int       `json:"id"`
	State State     `json:"state"`
	URL   string    `json:"url,omitempty"`
	Since time.Time `json:"since"`
}

// Counters tallies outcomes of this run only.
type Counters struct {
	Completed  int64 `json:"completed"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Listings   int64 `json:"listings"`
	Discovered int64 `json:"discovered"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State      State          `json:"state"`
	StartedAt  time.Time      `json:"startedAt,omitempty"`
	StopReason string         `json:"stopReason,omitempty"`
	InFlight   int            `json:"inFlight"`
	Queued     int            `json:"queued"`
	Counters   Counters       `json:"counters"`
	Workers    []WorkerStatus `json:"workers"`
}

type worker struct {
	mu     sync.Mutex
	status WorkerStatus
}

func (w *worker) set(state State, url string, now time.Time) {
	w.mu.Lock()
	w.status.State = state
	w.status.URL = url
	w.status.Since = now
	w.mu.Unlock()
}

func (w *worker) snapshot() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}
