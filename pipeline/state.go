package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is where a job is in its life cycle.
type State int

const (
	Queued State = iota
	Generating
	Generated
	PostProcessing
	PostProcessed
	TransferPending
	Transferred
	Failed
)

var stateNames = map[State]string{
	Queued:          "queued",
	Generating:      "generating",
	Generated:       "generated",
	PostProcessing:  "post_processing",
	PostProcessed:   "post_processed",
	TransferPending: "transfer_pending",
	Transferred:     "transferred",
	Failed:          "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Transferred || s == Failed
}

var ErrInvalidTransition = errors.New("invalid job state transition")

// transitions lists the legal successors of each state. Failed is reachable from
// every non-terminal state and is not repeated here.
var transitions = map[State][]State{
	Queued:          {Generating},
	Generating:      {Generated},
	Generated:       {PostProcessing, TransferPending},
	PostProcessing:  {PostProcessed},
	PostProcessed:   {TransferPending},
	TransferPending: {Transferred},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Recorder persists state changes. *ledger.Ledger implements it.
type Recorder interface {
	Record(ctx context.Context, stem, date, state, detail string) error
}

// tracker holds every job's state and the first error that failed it.
type tracker struct {
	mu     sync.RWMutex
	state  map[string]State
	errs   map[string]error
	dates  map[string]string
	rec    Recorder
	logger *slog.Logger
}

func newTracker(rec Recorder, logger *slog.Logger) *tracker {
	return &tracker{
		state:  make(map[string]State),
		errs:   make(map[string]error),
		dates:  make(map[string]string),
		rec:    rec,
		logger: logger,
	}
}

func (t *tracker) add(ctx context.Context, stem, date string) {
	t.mu.Lock()
	t.state[stem] = Queued
	t.dates[stem] = date
	t.mu.Unlock()
	t.record(ctx, stem, date, Queued, "")
}

// advance moves stem to s, refusing transitions the life cycle does not allow.
func (t *tracker) advance(ctx context.Context, stem string, s State) error {
	t.mu.Lock()
	from, ok := t.state[stem]
	if !ok || !canTransition(from, s) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, stem, from, s)
	}
	t.state[stem] = s
	date := t.dates[stem]
	t.mu.Unlock()

	t.record(ctx, stem, date, s, "")
	return nil
}

// fail marks stem Failed with err and returns the state it failed in. Failing a
// terminal job is a no-op.
func (t *tracker) fail(ctx context.Context, stem string, err error) State {
	t.mu.Lock()
	from := t.state[stem]
	if from.Terminal() {
		t.mu.Unlock()
		return from
	}
	t.state[stem] = Failed
	t.errs[stem] = err
	date := t.dates[stem]
	t.mu.Unlock()

	t.record(ctx, stem, date, Failed, err.Error())
	return from
}

func (t *tracker) get(stem string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state[stem]
}

func (t *tracker) err(stem string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errs[stem]
}

func (t *tracker) record(ctx context.Context, stem, date string, s State, detail string) {
	if t.rec == nil {
		return
	}
	// The ledger is bookkeeping; losing a row must not fail the job.
	if err := t.rec.Record(context.WithoutCancel(ctx), stem, date, s.String(), detail); err != nil {
		t.logger.Warn("ledger write failed", "job", stem, "state", s, "error", err)
	}
}
