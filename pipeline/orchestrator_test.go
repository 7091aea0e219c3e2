package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/humblenginr/forecast_sync/artifact"
	"github.com/humblenginr/forecast_sync/forecast"
	"github.com/humblenginr/forecast_sync/ledger"
	"github.com/humblenginr/forecast_sync/remote"
	"github.com/humblenginr/forecast_sync/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type eventLog struct {
	mu sync.Mutex
	ev []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	l.ev = append(l.ev, s)
	l.mu.Unlock()
}

func (l *eventLog) filter(prefix string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.ev {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e[len(prefix):])
		}
	}
	return out
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ev...)
}

// fakeGenerator writes a small GRIB per job and records how many artifacts were
// already on disk when it was called.
type fakeGenerator struct {
	dir    string
	log    *eventLog
	fail   map[string]error
	noFile map[string]bool

	mu          sync.Mutex
	maxResident int
}

func (g *fakeGenerator) Generate(ctx context.Context, job forecast.Job) (string, error) {
	resident, _ := filepath.Glob(filepath.Join(g.dir, "*.grib"))
	g.mu.Lock()
	if len(resident) > g.maxResident {
		g.maxResident = len(resident)
	}
	g.mu.Unlock()

	g.log.add("gen:" + job.DateString())
	if err := g.fail[job.DateString()]; err != nil {
		return "", err
	}
	path := filepath.Join(g.dir, job.ArtifactName())
	if g.noFile[job.DateString()] {
		return path, nil
	}
	return path, os.WriteFile(path, []byte("GRIB "+job.Stem()), 0o644)
}

func (g *fakeGenerator) residentBeforeGenerate() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxResident
}

type loggingTransferer struct {
	inner transfer.Transferer
	log   *eventLog
}

func (l *loggingTransferer) Transfer(ctx context.Context, local, remotePath string) (*transfer.Result, error) {
	res, err := l.inner.Transfer(ctx, local, remotePath)
	if err == nil {
		l.log.add("xfer:" + filepath.Base(remotePath))
	}
	return res, err
}

type fixture struct {
	dir   string
	store *remote.MemoryStore
	gen   *fakeGenerator
	log   *eventLog
	xfer  transfer.Transferer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := &eventLog{}
	store := remote.NewMemoryStore()
	engine := transfer.NewEngine(store, transfer.WithChunkSize(8), transfer.WithLogger(quiet()))
	return &fixture{
		dir:   dir,
		store: store,
		gen:   &fakeGenerator{dir: dir, log: log},
		log:   log,
		xfer:  &loggingTransferer{inner: engine, log: log},
	}
}

func (f *fixture) options(mode Mode) Options {
	return Options{
		Mode:             mode,
		Window:           2,
		RemoteDir:        "/panguweather_results",
		Stability:        artifact.Detector{},
		PollInterval:     2 * time.Millisecond,
		StabilityTimeout: time.Second,
		MaxAttempts:      3,
	}
}

func jobRange(start, end string) []forecast.Job {
	s, _ := time.Parse("2006-01-02", start)
	e, _ := time.Parse("2006-01-02", end)
	return forecast.Jobs(s, e, forecast.Job{
		IssueTime: forecast.DefaultIssueTime,
		LeadTime:  forecast.DefaultLeadTime,
		Model:     forecast.DefaultModel,
	})
}

func stems(jobs []forecast.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Stem())
	}
	return out
}

func gribs(jobs []forecast.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ArtifactName())
	}
	return out
}

var modes = []Mode{ModeLookahead, ModeWorker}

func TestOrchestrator_LookaheadEndToEnd(t *testing.T) {
	f := newFixture(t)
	jobs := jobRange("2023-01-03", "2023-01-05")

	report, err := New(f.gen, f.xfer, f.options(ModeLookahead), WithLogger(quiet())).Run(context.Background(), jobs)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	names := gribs(jobs)
	assert.Equal(t, []string{
		"gen:20230103",
		"gen:20230104",
		"xfer:" + names[0],
		"gen:20230105",
		"xfer:" + names[1],
		"xfer:" + names[2],
	}, f.log.all())

	assert.Equal(t, stems(jobs), report.Generated)
	assert.Equal(t, stems(jobs), report.Transferred)
	assert.Equal(t, 2, report.PeakResident)

	assert.Equal(t, []string{
		"/panguweather_results/" + names[0],
		"/panguweather_results/" + names[1],
		"/panguweather_results/" + names[2],
	}, f.store.Paths())

	left, _ := filepath.Glob(filepath.Join(f.dir, "*"))
	assert.Empty(t, left, "every artifact is deleted after upload")
}

func TestOrchestrator_WindowAndFIFO(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			jobs := jobRange("2020-01-01", "2020-01-07")

			report, err := New(f.gen, f.xfer, f.options(mode), WithLogger(quiet())).Run(context.Background(), jobs)
			require.NoError(t, err)
			require.NoError(t, report.Err())

			assert.Len(t, f.log.filter("gen:"), len(jobs))
			assert.Equal(t, gribs(jobs), f.log.filter("xfer:"), "transfers complete in generation order")
			assert.Equal(t, stems(jobs), report.Transferred)

			assert.LessOrEqual(t, report.PeakResident, 2)
			assert.Less(t, f.gen.residentBeforeGenerate(), 2,
				"a new generation starts only while fewer than W artifacts are on disk")
			assert.Len(t, f.store.Paths(), len(jobs))
			assert.Zero(t, f.store.Overlaps())
		})
	}
}

func TestOrchestrator_GenerationFailureContinues(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			f.gen.fail = map[string]error{"20230104": fmt.Errorf("%w: exit status 1", forecast.ErrGeneration)}
			jobs := jobRange("2023-01-03", "2023-01-05")

			report, err := New(f.gen, f.xfer, f.options(mode), WithLogger(quiet())).Run(context.Background(), jobs)
			require.NoError(t, err)

			require.Len(t, report.Failed, 1)
			assert.Equal(t, jobs[1].Stem(), report.Failed[0].Stem)
			assert.Equal(t, Generating, report.Failed[0].State)
			assert.ErrorIs(t, report.Err(), forecast.ErrGeneration)
			assert.Equal(t, []string{jobs[0].Stem(), jobs[2].Stem()}, report.Transferred)
		})
	}
}

func TestOrchestrator_StabilityTimeout(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			f.gen.noFile = map[string]bool{"20230103": true}
			opts := f.options(mode)
			opts.StabilityTimeout = 20 * time.Millisecond
			jobs := jobRange("2023-01-03", "2023-01-04")

			report, err := New(f.gen, f.xfer, opts, WithLogger(quiet())).Run(context.Background(), jobs)
			require.NoError(t, err)

			require.Len(t, report.Failed, 1)
			assert.Equal(t, jobs[0].Stem(), report.Failed[0].Stem)
			assert.ErrorIs(t, report.Failed[0].Err, artifact.ErrStabilityTimeout)
			assert.Equal(t, []string{jobs[1].Stem()}, report.Transferred)
		})
	}
}

// fakeSubsetter zips nothing: it writes a stand-in bundle next to the GRIB.
type fakeSubsetter struct {
	fail error
}

func (s fakeSubsetter) Process(_ context.Context, grib string) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	if _, err := os.Stat(grib); err != nil {
		return "", fmt.Errorf("%w: %w", forecast.ErrPostProcess, err)
	}
	bundle := forecast.BundlePath(grib)
	return bundle, os.WriteFile(bundle, []byte("PK zip"), 0o644)
}

func TestOrchestrator_PostProcessing(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			jobs := jobRange("2023-01-03", "2023-01-05")

			report, err := New(f.gen, f.xfer, f.options(mode),
				WithPostProcessor(fakeSubsetter{}), WithLogger(quiet())).Run(context.Background(), jobs)
			require.NoError(t, err)
			require.NoError(t, report.Err())

			var want []string
			for _, j := range jobs {
				want = append(want, "/panguweather_results/"+j.BundleName())
			}
			assert.Equal(t, want, f.store.Paths())

			left, _ := filepath.Glob(filepath.Join(f.dir, "*"))
			assert.Empty(t, left, "bundle and source GRIB are both cleaned up")
		})
	}
}

func TestOrchestrator_PostProcessFailureKeepsArtifact(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			jobs := jobRange("2023-01-03", "2023-01-03")
			boom := fmt.Errorf("%w: cfgrib cannot open", forecast.ErrPostProcess)

			report, err := New(f.gen, f.xfer, f.options(mode),
				WithPostProcessor(fakeSubsetter{fail: boom}), WithLogger(quiet())).Run(context.Background(), jobs)
			require.NoError(t, err)

			require.Len(t, report.Failed, 1)
			assert.Equal(t, PostProcessing, report.Failed[0].State)
			assert.ErrorIs(t, report.Err(), forecast.ErrPostProcess)
			assert.FileExists(t, filepath.Join(f.dir, jobs[0].ArtifactName()))
			assert.Empty(t, f.store.Paths())
		})
	}
}

func TestOrchestrator_RetriesTransferWithoutDuplicates(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			var uploads atomic.Int32
			f.store.Fault = func(op remote.Op, p string) error {
				if (op == remote.OpUpload || op == remote.OpStart) && uploads.Add(1) == 1 {
					return errors.New("503 service unavailable")
				}
				return nil
			}
			jobs := jobRange("2023-01-03", "2023-01-04")

			report, err := New(f.gen, f.xfer, f.options(mode), WithLogger(quiet())).Run(context.Background(), jobs)
			require.NoError(t, err)
			require.NoError(t, report.Err())

			assert.Equal(t, stems(jobs), report.Transferred)
			assert.Len(t, f.store.Paths(), 2)
			assert.Zero(t, f.store.OpenSessions())
			assert.Zero(t, f.store.Overlaps())
		})
	}
}

func TestOrchestrator_TransferGivesUp(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			jobs := jobRange("2023-01-03", "2023-01-04")
			bad := "/panguweather_results/" + jobs[0].ArtifactName()
			f.store.Fault = func(op remote.Op, p string) error {
				if p == bad {
					return errors.New("403 forbidden")
				}
				return nil
			}

			report, err := New(f.gen, f.xfer, f.options(mode), WithLogger(quiet())).Run(context.Background(), jobs)
			require.NoError(t, err)

			require.Len(t, report.Failed, 1)
			assert.Equal(t, TransferPending, report.Failed[0].State)
			assert.FileExists(t, filepath.Join(f.dir, jobs[0].ArtifactName()), "a failed upload keeps the artifact")
			assert.Equal(t, []string{jobs[1].Stem()}, report.Transferred)
		})
	}
}

func TestOrchestrator_ResumeFromLedger(t *testing.T) {
	ctx := context.Background()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer led.Close()

	jobs := jobRange("2023-01-03", "2023-01-05")
	require.NoError(t, led.Record(ctx, jobs[0].Stem(), jobs[0].DateString(), Transferred.String(), ""))

	f := newFixture(t)
	opts := f.options(ModeLookahead)
	opts.Resume = true
	report, err := New(f.gen, f.xfer, opts, WithLedger(led), WithLogger(quiet())).Run(ctx, jobs)
	require.NoError(t, err)

	assert.Equal(t, []string{jobs[0].Stem()}, report.Skipped)
	assert.Equal(t, []string{"20230104", "20230105"}, f.log.filter("gen:"))

	for _, j := range jobs {
		done, err := led.Transferred(ctx, j.Stem())
		require.NoError(t, err)
		assert.True(t, done, j.Stem())
	}
	n, err := led.Attempts(ctx, jobs[1].Stem())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hist, err := led.History(ctx, jobs[1].Stem())
	require.NoError(t, err)
	assert.Equal(t, []string{"queued", "generating", "generated", "transfer_pending", ledger.DoneState}, hist)
}

// slowLedger stalls on the transferred record, so a job's bookkeeping and cleanup
// take noticeably longer than its upload.
type slowLedger struct {
	*ledger.Ledger
	delay time.Duration
}

func (l slowLedger) Record(ctx context.Context, stem, date, state, detail string) error {
	if state == ledger.DoneState {
		time.Sleep(l.delay)
	}
	return l.Ledger.Record(ctx, stem, date, state, detail)
}

func TestOrchestrator_WorkerFreesSlotOnlyAfterCleanup(t *testing.T) {
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer led.Close()

	f := newFixture(t)
	jobs := jobRange("2023-01-03", "2023-01-08")
	report, err := New(f.gen, f.xfer, f.options(ModeWorker),
		WithPostProcessor(fakeSubsetter{}),
		WithLedger(slowLedger{Ledger: led, delay: 50 * time.Millisecond}),
		WithLogger(quiet())).Run(context.Background(), jobs)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, stems(jobs), report.Transferred)
	assert.Less(t, f.gen.residentBeforeGenerate(), 2,
		"the source GRIB is gone before the next generation starts")
	assert.LessOrEqual(t, report.PeakResident, 2)
	left, _ := filepath.Glob(filepath.Join(f.dir, "*"))
	assert.Empty(t, left)
}

// stepClock is a backoff clock moved forward by hand.
type stepClock struct {
	start  time.Time
	offset atomic.Int64
}

func (c *stepClock) Now() time.Time {
	return c.start.Add(time.Duration(c.offset.Load()))
}

func (c *stepClock) advance(d time.Duration) {
	c.offset.Add(int64(d))
}

// slowFailingGenerator takes twenty minutes per attempt on the clock and fails the
// first few attempts.
type slowFailingGenerator struct {
	inner    *fakeGenerator
	clock    *stepClock
	failures int32
	calls    atomic.Int32
}

func (g *slowFailingGenerator) Generate(ctx context.Context, job forecast.Job) (string, error) {
	g.clock.advance(20 * time.Minute)
	if g.calls.Add(1) <= g.failures {
		return "", fmt.Errorf("%w: CUDA out of memory", forecast.ErrGeneration)
	}
	return g.inner.Generate(ctx, job)
}

func TestOrchestrator_GenerateRetriesSurviveLongAttempts(t *testing.T) {
	f := newFixture(t)
	clock := &stepClock{start: time.Now()}
	gen := &slowFailingGenerator{inner: f.gen, clock: clock, failures: 2}
	opts := f.options(ModeLookahead)
	opts.GenerateRetries = 2

	o := New(gen, f.xfer, opts, WithLogger(quiet()))
	o.clock = clock
	jobs := jobRange("2023-01-03", "2023-01-03")
	report, err := o.Run(context.Background(), jobs)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.EqualValues(t, 3, gen.calls.Load())
	assert.Equal(t, stems(jobs), report.Transferred)
}

func TestOrchestrator_Cancelled(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			report, err := New(f.gen, f.xfer, f.options(mode), WithLogger(quiet())).Run(ctx, jobRange("2023-01-03", "2023-01-05"))
			assert.ErrorIs(t, err, context.Canceled)
			assert.Empty(t, report.Transferred)
			assert.Empty(t, report.Failed, "aborting the run is not a job failure")
		})
	}
}

func TestStemOf(t *testing.T) {
	assert.Equal(t, "pw_20230103_1200_168h_gpu", stemOf("/r/pw_20230103_1200_168h_gpu.zip"))
	assert.Equal(t, "pw_20230103_1200_168h_gpu", stemOf("/tmp/pw_20230103_1200_168h_gpu.grib"))
}
