package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMinSize sits below the ~3.6 GB a 168h global forecast normally weighs.
	DefaultMinSize int64 = 3_500_000_000
	DefaultIdle          = 30 * time.Second
	DefaultPollInterval  = 5 * time.Second
)

var (
	ErrStabilityTimeout = errors.New("artifact did not become stable in time")
	errNotStable        = errors.New("artifact not stable yet")
)

// IsStable reports whether the file at path has stopped being written: it must be
// at least minSize bytes and untouched for idle. A missing file is simply not stable.
func IsStable(path string, minSize int64, idle time.Duration) bool {
	return Detector{MinSize: minSize, Idle: idle}.Stable(path)
}

// Detector evaluates the size+idle heuristic against a clock.
type Detector struct {
	MinSize int64
	Idle    time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Detector) Stable(path string) bool {
	return d.Observe(path).State == Stable
}

// Observe stats path and classifies it. Missing files come back as Growing with a
// zero ModTime since the writer may not have created them yet.
func (d Detector) Observe(path string) Artifact {
	fi, ok := stat(path)
	if !ok {
		return Artifact{Path: path, State: Growing}
	}
	a := Artifact{Path: path, Size: fi.Size(), ModTime: fi.ModTime(), State: Growing}
	if a.Size >= d.MinSize && d.now().Sub(a.ModTime) >= d.Idle {
		a.State = Stable
	}
	return a
}

// WaitStable polls path every interval until it is stable. A zero timeout waits
// until ctx is done.
func WaitStable(
	ctx context.Context,
	d Detector,
	path string,
	interval, timeout time.Duration,
	logger *slog.Logger,
) (Artifact, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var last Artifact
	check := func() error {
		last = d.Observe(path)
		if last.State == Stable {
			return nil
		}
		return errNotStable
	}
	notify := func(_ error, next time.Duration) {
		logger.Debug("waiting for artifact",
			"stage", "process", "path", path, "size", last.Size, "retry_in", next)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), waitCtx)
	if err := backoff.RetryNotify(check, b, notify); err != nil {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		return last, fmt.Errorf("%w: %s (size %d after %s)", ErrStabilityTimeout, path, last.Size, timeout)
	}
	return last, nil
}
