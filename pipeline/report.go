package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Failure is a job that did not reach the remote store.
type Failure struct {
	Stem  string
	State State // the state the job was in when it failed
	Err   error
}

// Report summarizes a run. Stems appear in the order the events happened.
type Report struct {
	Mode         Mode
	Jobs         int
	Generated    []string
	Transferred  []string
	Skipped      []string
	Failed       []Failure
	PeakResident int
	Duration     time.Duration

	mu sync.Mutex
}

// Err joins the failures, or returns nil for a clean run.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s (%s): %w", f.Stem, f.State, f.Err))
	}
	return errors.Join(errs...)
}

func (r *Report) generated(stem string) {
	r.mu.Lock()
	r.Generated = append(r.Generated, stem)
	r.mu.Unlock()
}

func (r *Report) transferred(stem string) {
	r.mu.Lock()
	r.Transferred = append(r.Transferred, stem)
	r.mu.Unlock()
}

func (r *Report) skipped(stem string) {
	r.mu.Lock()
	r.Skipped = append(r.Skipped, stem)
	r.mu.Unlock()
}

func (r *Report) failed(stem string, s State, err error) {
	r.mu.Lock()
	r.Failed = append(r.Failed, Failure{Stem: stem, State: s, Err: err})
	r.mu.Unlock()
}

func (r *Report) resident(n int) {
	r.mu.Lock()
	if n > r.PeakResident {
		r.PeakResident = n
	}
	r.mu.Unlock()
}
