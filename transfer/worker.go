package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultPollInterval is how often the worker rescans the pending set.
const DefaultPollInterval = 5 * time.Second

// ErrGaveUp is reported through OnFail when a task runs out of attempts.
var ErrGaveUp = errors.New("transfer attempts exhausted")

// Transferer is satisfied by *Engine.
type Transferer interface {
	Transfer(ctx context.Context, localPath, remotePath string) (*Result, error)
}

// Preparer turns a stable artifact into the file that is actually uploaded. The
// returned task must keep the input's ID.
type Preparer interface {
	Prepare(ctx context.Context, t Task) (Task, error)
}

type PreparerFunc func(ctx context.Context, t Task) (Task, error)

func (f PreparerFunc) Prepare(ctx context.Context, t Task) (Task, error) {
	return f(ctx, t)
}

// WorkerConfig tunes a Worker. Zero values take the defaults.
type WorkerConfig struct {
	PollInterval time.Duration
	// MaxAttempts caps transfer attempts per task; 0 retries until the run ends.
	MaxAttempts int
	// NewBackOff builds the delay schedule between attempts of one task.
	NewBackOff func() backoff.BackOff
	// Ready reports whether a raw artifact may be touched; nil means it must exist.
	Ready func(path string) bool

	Preparer Preparer
	OnDone   func(t Task, res *Result)
	OnFail   func(t Task, err error)
	Logger   *slog.Logger
	Now      func() time.Time
}

// Worker drains a PendingSet in the background. It keeps polling until the set is
// closed and empty.
type Worker struct {
	pending *PendingSet
	xfer    Transferer
	cfg     WorkerConfig
	logger  *slog.Logger

	retry map[string]*retryState
}

type retryState struct {
	b    backoff.BackOff
	next time.Time
}

func NewWorker(pending *PendingSet, xfer Transferer, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NewBackOff == nil {
		poll := cfg.PollInterval
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = poll
			b.MaxInterval = 10 * poll
			b.MaxElapsedTime = 0
			return b
		}
	}
	if cfg.Ready == nil {
		cfg.Ready = exists
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		pending: pending,
		xfer:    xfer,
		cfg:     cfg,
		logger:  logger,
		retry:   make(map[string]*retryState),
	}
}

// Run scans the pending set every poll interval and transfers tasks in enqueue
// order. It returns nil once the set is closed and empty, or ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("transfer worker started", "stage", "upload", "poll", w.cfg.PollInterval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.scan(ctx)
		if w.pending.Closed() && w.pending.Len() == 0 {
			w.logger.Info("transfer worker drained", "stage", "upload")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.pending.Wait():
		}
	}
}

// scan handles tasks front to back and stops at the first one that is not ready or
// fails, so uploads complete in enqueue order.
func (w *Worker) scan(ctx context.Context) {
	for _, t := range w.pending.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if !w.attempt(ctx, t) {
			return
		}
	}
}

// attempt returns true when t left the pending set.
func (w *Worker) attempt(ctx context.Context, t Task) bool {
	if rs, ok := w.retry[t.ID]; ok && w.cfg.Now().Before(rs.next) {
		return false
	}

	if !t.Prepared {
		if !w.cfg.Ready(t.LocalPath) {
			w.logger.Debug("artifact not ready", "stage", "upload", "file", t.LocalPath)
			return false
		}
		if w.cfg.Preparer != nil {
			prepared, err := w.cfg.Preparer.Prepare(ctx, t)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				w.logger.Error("post-processing failed, keeping artifact", "stage", "process",
					"file", t.LocalPath, "error", err)
				w.finish(t, nil, err)
				return true
			}
			t = prepared
		}
		t.Prepared = true
	}

	t.Attempts++
	w.pending.Replace(t)
	res, err := w.xfer.Transfer(ctx, t.LocalPath, t.RemotePath)
	if err == nil {
		w.finish(t, res, nil)
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	if w.cfg.MaxAttempts > 0 && t.Attempts >= w.cfg.MaxAttempts {
		w.logger.Error("giving up on transfer", "stage", "upload",
			"file", t.LocalPath, "attempts", t.Attempts, "error", err)
		w.finish(t, nil, fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, t.Attempts, err))
		return true
	}

	rs, ok := w.retry[t.ID]
	if !ok {
		rs = &retryState{b: w.cfg.NewBackOff()}
		w.retry[t.ID] = rs
	}
	delay := rs.b.NextBackOff()
	if delay == backoff.Stop {
		w.finish(t, nil, fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, t.Attempts, err))
		return true
	}
	rs.next = w.cfg.Now().Add(delay)
	w.logger.Warn("transfer failed, will retry", "stage", "upload",
		"file", t.LocalPath, "attempt", t.Attempts, "retry_in", delay, "error", err)
	return false
}

// finish runs the task's callback and only then drops it from the set, so a waiter
// on the set's size never sees a slot free before the callback's cleanup is done.
func (w *Worker) finish(t Task, res *Result, err error) {
	delete(w.retry, t.ID)
	if err != nil {
		if w.cfg.OnFail != nil {
			w.cfg.OnFail(t, err)
		}
	} else if w.cfg.OnDone != nil {
		w.cfg.OnDone(t, res)
	}
	w.pending.Remove(t.ID)
}

func exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
