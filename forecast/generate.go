package forecast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultGeneratorCommand is the model runner invoked for every job.
var DefaultGeneratorCommand = []string{"ai-models"}

// Generator runs the forecast model for a job. Runs are serialized by the caller;
// the model needs the whole accelerator.
type Generator struct {
	// Command is the argv prefix; the job arguments are appended to it.
	Command    []string
	AssetsDir  string
	ResultsDir string
	Input      string // initial conditions source, e.g. "cds"
	// FailOnNonZeroExit turns a non-zero exit into ErrGeneration. When false the exit
	// is logged and the artifact is left to the stability check.
	FailOnNonZeroExit bool
	Logger            *slog.Logger
}

// Args is the argument list passed after Command.
func (g *Generator) Args(job Job, out string) []string {
	return []string{
		"--assets", g.AssetsDir,
		"--path", out,
		"--input", g.Input,
		"--date", job.DateString(),
		"--time", job.IssueTime,
		"--lead-time", strconv.Itoa(job.LeadTime),
		job.Model,
	}
}

// ArtifactPath is where the model writes the job's GRIB.
func (g *Generator) ArtifactPath(job Job) string {
	return filepath.Join(g.ResultsDir, job.ArtifactName())
}

// Generate blocks until the model process exits and returns the artifact path.
// The artifact may still be settling on disk; callers check stability before
// reading it.
func (g *Generator) Generate(ctx context.Context, job Job) (string, error) {
	if len(g.Command) == 0 {
		return "", errors.New("generator command is empty")
	}
	if err := os.MkdirAll(g.ResultsDir, fs.ModePerm); err != nil {
		return "", fmt.Errorf("mkdir results dir: %w", err)
	}
	out := g.ArtifactPath(job)
	logger := g.logger()

	args := append(append([]string{}, g.Command[1:]...), g.Args(job, out)...)
	cmd := exec.CommandContext(ctx, g.Command[0], args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger.Info("running forecast", "stage", "forecast", "date", job.DateString(), "cmd", cmd.String())
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && !g.FailOnNonZeroExit:
		logger.Warn("forecast exited non-zero, continuing", "stage", "forecast",
			"date", job.DateString(), "exit_code", exitErr.ExitCode(), "output", tail(output.Bytes()))
	default:
		return "", fmt.Errorf("%w: %s: %w: output: %s", ErrGeneration, job.DateString(), err, tail(output.Bytes()))
	}

	logger.Info("finished forecast", "stage", "forecast", "date", job.DateString(),
		"path", out, "duration", elapsed.Round(time.Second))
	return out, nil
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

const tailSize = 2048

// tail keeps the end of a tool's output, where the error usually is.
func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > tailSize {
		b = b[len(b)-tailSize:]
	}
	return string(b)
}
