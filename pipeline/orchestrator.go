// Package pipeline runs forecast jobs one after another while the previous jobs'
// artifacts are post-processed and uploaded, keeping at most a fixed number of
// artifacts on local disk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/humblenginr/forecast_sync/artifact"
	"github.com/humblenginr/forecast_sync/forecast"
	"github.com/humblenginr/forecast_sync/ledger"
	"github.com/humblenginr/forecast_sync/remote"
	"github.com/humblenginr/forecast_sync/transfer"
)

// Mode selects how generation and draining overlap.
type Mode string

const (
	// ModeLookahead drains synchronously between generations on one goroutine.
	ModeLookahead Mode = "lookahead"
	// ModeWorker drains on a background transfer worker.
	ModeWorker Mode = "worker"
)

const DefaultWindow = 2

// Generator produces a job's artifact. *forecast.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, job forecast.Job) (string, error)
}

// PostProcessor turns a stable artifact into the file that is uploaded.
// *forecast.Subsetter implements it.
type PostProcessor interface {
	Process(ctx context.Context, artifactPath string) (string, error)
}

// Ledger persists progress. *ledger.Ledger implements it.
type Ledger interface {
	Recorder
	Transferred(ctx context.Context, stem string) (bool, error)
	RecordAttempt(ctx context.Context, a ledger.Attempt) error
}

// Options tunes a run. Zero values take the defaults.
type Options struct {
	Mode   Mode
	Window int
	// RemoteDir is the remote folder uploads land in.
	RemoteDir string

	Stability        artifact.Detector
	PollInterval     time.Duration
	StabilityTimeout time.Duration

	// MaxAttempts caps transfer attempts per job; 0 retries until the run ends.
	MaxAttempts     int
	GenerateRetries uint64
	GenerateTimeout time.Duration

	// Resume skips jobs the ledger already has as transferred.
	Resume bool
}

type Orchestrator struct {
	gen    Generator
	post   PostProcessor
	xfer   transfer.Transferer
	ledger Ledger
	opts   Options
	logger *slog.Logger

	tracker  *tracker
	report   *Report
	resident *residency

	// clock drives the retry schedules; nil means the wall clock.
	clock backoff.Clock
}

// residency counts the jobs whose artifacts are on local disk awaiting upload. A job
// leaves it once its files are cleaned up after transfer, or when it fails.
type residency struct {
	mu    sync.Mutex
	stems map[string]bool
}

func (r *residency) add(stem string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stems[stem] = true
	return len(r.stems)
}

func (r *residency) drop(stem string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stems, stem)
}

type Option func(*Orchestrator)

func WithPostProcessor(p PostProcessor) Option {
	return func(o *Orchestrator) { o.post = p }
}

func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(gen Generator, xfer transfer.Transferer, opts Options, options ...Option) *Orchestrator {
	if opts.Mode == "" {
		opts.Mode = ModeLookahead
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = artifact.DefaultPollInterval
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = "/"
	}
	o := &Orchestrator{gen: gen, xfer: xfer, opts: opts, logger: slog.Default()}
	for _, opt := range options {
		opt(o)
	}
	if o.ledger != nil {
		o.xfer = &recordingTransferer{inner: o.xfer, ledger: o.ledger, logger: o.logger}
	}
	return o
}

// Run takes every job through generation, optional post-processing and transfer.
// Per-job failures are collected in the report and do not stop the run; the
// returned error is non-nil only when the run itself was aborted.
func (o *Orchestrator) Run(ctx context.Context, jobs []forecast.Job) (*Report, error) {
	start := time.Now()
	o.report = &Report{Mode: o.opts.Mode, Jobs: len(jobs)}
	o.resident = &residency{stems: make(map[string]bool)}
	var rec Recorder
	if o.ledger != nil {
		rec = o.ledger
	}
	o.tracker = newTracker(rec, o.logger)

	todo, err := o.filter(ctx, jobs)
	if err != nil {
		return o.report, err
	}

	o.logger.Info("starting run", "mode", o.opts.Mode, "jobs", len(todo),
		"skipped", len(jobs)-len(todo), "window", o.opts.Window)
	switch o.opts.Mode {
	case ModeLookahead:
		err = o.runLookahead(ctx, todo)
	case ModeWorker:
		err = o.runWorker(ctx, todo)
	default:
		err = fmt.Errorf("unknown mode %q", o.opts.Mode)
	}
	o.report.Duration = time.Since(start)
	return o.report, err
}

func (o *Orchestrator) filter(ctx context.Context, jobs []forecast.Job) ([]forecast.Job, error) {
	seen := make(map[string]bool, len(jobs))
	var out []forecast.Job
	for _, job := range jobs {
		stem := job.Stem()
		if seen[stem] {
			continue
		}
		seen[stem] = true
		if o.opts.Resume && o.ledger != nil {
			done, err := o.ledger.Transferred(ctx, stem)
			if err != nil {
				return nil, fmt.Errorf("resume: %w", err)
			}
			if done {
				o.logger.Info("already transferred, skipping", "stage", "forecast", "job", stem)
				o.report.skipped(stem)
				continue
			}
		}
		o.tracker.add(ctx, stem, job.DateString())
		out = append(out, job)
	}
	return out, nil
}

type inflight struct {
	job  forecast.Job
	path string
}

// runLookahead generates the first W jobs, then alternates draining the oldest
// artifact with generating the next job, and finally drains what is left.
func (o *Orchestrator) runLookahead(ctx context.Context, jobs []forecast.Job) error {
	var queue []inflight
	for _, job := range jobs {
		if len(queue) >= o.opts.Window {
			o.drain(ctx, queue[0])
			queue = queue[1:]
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		path, ok := o.generate(ctx, job)
		if !ok {
			continue
		}
		queue = append(queue, inflight{job: job, path: path})
	}
	for _, it := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.drain(ctx, it)
	}
	return ctx.Err()
}

// generate runs the model with the configured retries and timeout.
func (o *Orchestrator) generate(ctx context.Context, job forecast.Job) (string, bool) {
	stem := job.Stem()
	if err := o.tracker.advance(ctx, stem, Generating); err != nil {
		o.fail(ctx, stem, err)
		return "", false
	}

	var path string
	operation := func() error {
		gctx := ctx
		if o.opts.GenerateTimeout > 0 {
			var cancel context.CancelFunc
			gctx, cancel = context.WithTimeout(ctx, o.opts.GenerateTimeout)
			defer cancel()
		}
		var err error
		path, err = o.gen.Generate(gctx, job)
		return err
	}

	b := backoff.WithMaxRetries(o.backOff(), o.opts.GenerateRetries)
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		o.fail(ctx, stem, err)
		return "", false
	}

	if err := o.tracker.advance(ctx, stem, Generated); err != nil {
		o.fail(ctx, stem, err)
		return "", false
	}
	o.report.generated(stem)
	o.report.resident(o.resident.add(stem))
	return path, true
}

// drain waits for the artifact to settle, post-processes it and uploads the result.
func (o *Orchestrator) drain(ctx context.Context, it inflight) {
	stem := it.job.Stem()
	o.logger.Info("processing", "stage", "process", "job", stem, "file", it.path)

	if _, err := artifact.WaitStable(ctx, o.opts.Stability, it.path,
		o.opts.PollInterval, o.opts.StabilityTimeout, o.logger); err != nil {
		o.fail(ctx, stem, err)
		return
	}

	upload, err := o.prepare(ctx, stem, it.path)
	if err != nil {
		o.fail(ctx, stem, err)
		return
	}

	remotePath := o.remotePath(upload)
	operation := func() error {
		_, err := o.xfer.Transfer(ctx, upload, remotePath)
		if errors.Is(err, remote.ErrConflict) {
			return backoff.Permanent(err)
		}
		if err != nil {
			o.logger.Warn("upload failed", "stage", "upload", "job", stem, "error", err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(o.retryPolicy(), ctx)); err != nil {
		o.fail(ctx, stem, err)
		return
	}
	o.transferred(ctx, stem, it.path, upload)
}

// prepare advances the job to TransferPending and returns the file to upload.
func (o *Orchestrator) prepare(ctx context.Context, stem, path string) (string, error) {
	upload := path
	if o.post != nil {
		if err := o.tracker.advance(ctx, stem, PostProcessing); err != nil {
			return "", err
		}
		bundle, err := o.post.Process(ctx, path)
		if err != nil {
			return "", err
		}
		if err := o.tracker.advance(ctx, stem, PostProcessed); err != nil {
			return "", err
		}
		upload = bundle
	}
	if err := o.tracker.advance(ctx, stem, TransferPending); err != nil {
		return "", err
	}
	return upload, nil
}

// transferred finishes a job whose upload has been committed. The engine already
// removed the uploaded file; a post-processed job still has its source artifact.
func (o *Orchestrator) transferred(ctx context.Context, stem, source, uploaded string) {
	if err := o.tracker.advance(ctx, stem, Transferred); err != nil {
		o.fail(ctx, stem, err)
		return
	}
	if source != uploaded {
		if err := os.Remove(source); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn("remove artifact", "stage", "cleanup", "file", source, "error", err)
		} else {
			o.logger.Info("deleted artifact", "stage", "cleanup", "file", source)
		}
	}
	o.resident.drop(stem)
	o.report.transferred(stem)
}

// fail records a job failure. Failures caused by aborting the run are not the job's
// and leave it where it was.
func (o *Orchestrator) fail(ctx context.Context, stem string, err error) {
	o.resident.drop(stem)
	if ctx.Err() != nil {
		return
	}
	s := o.tracker.fail(ctx, stem, err)
	o.logger.Error("job failed", "job", stem, "state", s, "error", err)
	o.report.failed(stem, s, err)
}

// backOff is the schedule shared by generation and transfer retries. Attempts are
// capped by count, never by elapsed time: a single forecast can run for hours.
func (o *Orchestrator) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.PollInterval
	b.MaxInterval = 10 * o.opts.PollInterval
	b.MaxElapsedTime = 0
	if o.clock != nil {
		b.Clock = o.clock
	}
	b.Reset()
	return b
}

func (o *Orchestrator) retryPolicy() backoff.BackOff {
	b := o.backOff()
	if o.opts.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(o.opts.MaxAttempts-1))
	}
	return b
}

func (o *Orchestrator) remotePath(local string) string {
	return remote.Join(o.opts.RemoteDir, filepath.Base(local))
}

// runWorker generates on the calling goroutine while a transfer worker drains the
// pending set. Before each generation it waits until fewer than W artifacts are
// pending.
func (o *Orchestrator) runWorker(ctx context.Context, jobs []forecast.Job) error {
	pending := transfer.NewPendingSet()
	sources := &sourceIndex{deadline: make(map[string]time.Time), path: make(map[string]string)}

	worker := transfer.NewWorker(pending, o.xfer, transfer.WorkerConfig{
		PollInterval: o.opts.PollInterval,
		MaxAttempts:  o.opts.MaxAttempts,
		Ready: func(path string) bool {
			return o.opts.Stability.Stable(path) || sources.expired(path, time.Now())
		},
		Preparer: transfer.PreparerFunc(func(ctx context.Context, t transfer.Task) (transfer.Task, error) {
			if a := o.opts.Stability.Observe(t.LocalPath); a.State != artifact.Stable {
				return t, fmt.Errorf("%w: %s (size %d after %s)",
					artifact.ErrStabilityTimeout, t.LocalPath, a.Size, o.opts.StabilityTimeout)
			}
			upload, err := o.prepare(ctx, t.Key, t.LocalPath)
			if err != nil {
				return t, err
			}
			t.LocalPath, t.RemotePath = upload, o.remotePath(upload)
			return t, nil
		}),
		OnDone: func(t transfer.Task, _ *transfer.Result) {
			o.transferred(ctx, t.Key, sources.source(t.Key), t.LocalPath)
		},
		OnFail: func(t transfer.Task, err error) {
			o.fail(ctx, t.Key, err)
		},
		Logger: o.logger,
	})

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- worker.Run(wctx) }()

	var runErr error
	for _, job := range jobs {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		if err := pending.WaitBelow(ctx, o.opts.Window); err != nil {
			runErr = err
			break
		}
		path, ok := o.generate(ctx, job)
		if !ok {
			if runErr = ctx.Err(); runErr != nil {
				break
			}
			continue
		}
		sources.add(job.Stem(), path, o.opts.StabilityTimeout)
		pending.Add(transfer.NewTask(job.Stem(), path, o.remotePath(path)))
	}
	pending.Close()

	if runErr != nil {
		cancel()
		<-errc
		return runErr
	}
	return <-errc
}

// sourceIndex remembers where each job's artifact lives and when its stability
// wait runs out.
type sourceIndex struct {
	mu       sync.Mutex
	deadline map[string]time.Time
	path     map[string]string
}

func (s *sourceIndex) add(stem, path string, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path[stem] = path
	if timeout > 0 {
		s.deadline[path] = time.Now().Add(timeout)
	}
}

func (s *sourceIndex) expired(path string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadline[path]
	return ok && now.After(d)
}

func (s *sourceIndex) source(stem string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path[stem]
}

// recordingTransferer writes every transfer attempt to the ledger.
type recordingTransferer struct {
	inner  transfer.Transferer
	ledger Ledger
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func (r *recordingTransferer) Transfer(ctx context.Context, localPath, remotePath string) (*transfer.Result, error) {
	res, err := r.inner.Transfer(ctx, localPath, remotePath)

	r.mu.Lock()
	if r.attempts == nil {
		r.attempts = make(map[string]int)
	}
	r.attempts[remotePath]++
	n := r.attempts[remotePath]
	r.mu.Unlock()

	a := ledger.Attempt{
		Stem:       stemOf(remotePath),
		LocalPath:  localPath,
		RemotePath: remotePath,
		Attempt:    n,
		Err:        err,
	}
	if res != nil {
		a.Strategy, a.Chunks, a.Bytes = string(res.Strategy), res.Chunks, res.Size
	}
	if lerr := r.ledger.RecordAttempt(context.WithoutCancel(ctx), a); lerr != nil {
		r.logger.Warn("ledger write failed", "stage", "upload", "file", localPath, "error", lerr)
	}
	return res, err
}

// stemOf recovers the job stem from an artifact or bundle path.
func stemOf(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
