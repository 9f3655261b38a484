package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/clock/manual"
	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/id/uuid"
	"github.com/JakeFAU/grant-scout/internal/ingest"
	"github.com/JakeFAU/grant-scout/internal/policy/ratelimit"
	"github.com/JakeFAU/grant-scout/internal/progress"
	"github.com/JakeFAU/grant-scout/internal/registry"
	"github.com/JakeFAU/grant-scout/internal/storage/memory"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fetchFunc func(ctx context.Context, src grant.Source, call int) (grant.FetchResult, error)

type fakeEngine struct {
	kind grant.EngineKind
	fn   fetchFunc

	mu    sync.Mutex
	calls map[string]int
}

func newEngine(fn fetchFunc) *fakeEngine {
	return &fakeEngine{kind: grant.EngineStatic, fn: fn, calls: make(map[string]int)}
}

func (e *fakeEngine) Kind() grant.EngineKind { return e.kind }

func (e *fakeEngine) Fetch(ctx context.Context, src grant.Source) (grant.FetchResult, error) {
	e.mu.Lock()
	e.calls[src.ID]++
	call := e.calls[src.ID]
	e.mu.Unlock()
	return e.fn(ctx, src, call)
}

func (e *fakeEngine) Calls(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func listing(src grant.Source) grant.FetchResult {
	return grant.FetchResult{
		Records:    []grant.RawRecord{{Title: "Open Call " + src.ID, Amount: "Up to $25k"}},
		Duration:   1500 * time.Millisecond,
		StatusCode: 200,
	}
}

func serverError(src grant.Source) error {
	return &grant.FetchError{SourceID: src.ID, URL: src.URL, StatusCode: 500, Err: errors.New("internal server error")}
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type harness struct {
	sched  *Scheduler
	store  *memory.Store
	reg    *registry.Registry
	clock  *manual.Clock
	blobs  *memory.BlobStore
	events *recorder
}

func sourceDef(id string) grant.SourceDefinition {
	return grant.SourceDefinition{
		ID:        id,
		Name:      "Source " + id,
		URL:       "https://" + id + ".example.org/funding",
		Type:      "foundation",
		Engine:    "static",
		Frequency: "daily",
		Selectors: grant.Selectors{Item: ".call", Title: "h3"},
	}
}

func newHarness(t *testing.T, cfg Config, engine grant.Engine, defs ...grant.SourceDefinition) *harness {
	t.Helper()
	ctx := context.Background()
	clk := manual.New(epoch)
	store := memory.NewStore()
	reg := registry.New(store, clk, zap.NewNop(), 3)
	require.NoError(t, reg.Seed(ctx, defs))
	blobs := memory.NewBlobStore()
	events := &recorder{}
	ids := uuid.NewUUIDGenerator()

	sched, err := New(cfg, Deps{
		Registry:  reg,
		Jobs:      store,
		Limiter:   ratelimit.New(ratelimit.Config{RequestsPerMinute: 6000, MaxWait: time.Minute}, clk),
		Engines:   []grant.Engine{engine},
		Ingester:  ingest.NewProcessor(store, ids, clk, zap.NewNop()),
		Snapshots: blobs,
		IDs:       ids,
		Clock:     clk,
		Events:    events,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sched.Stop()
		sched.Wait()
	})
	return &harness{sched: sched, store: store, reg: reg, clock: clk, blobs: blobs, events: events}
}

func defaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 2,
		RetryAttempts:     3,
		BackoffInitial:    2 * time.Second,
		BackoffMax:        time.Minute,
		JobTimeout:        time.Minute,
	}
}

func (h *harness) job(t *testing.T, id string) grant.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(_ context.Context, src grant.Source, call int) (grant.FetchResult, error) {
		if call < 3 {
			return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, StatusCode: 503, Err: errors.New("unavailable")}
		}
		return listing(src), nil
	})
	h := newHarness(t, defaultConfig(), engine, sourceDef("a"))

	jobID, err := h.sched.TriggerSource(context.Background(), "a")
	require.NoError(t, err)
	h.sched.Wait()

	job := h.job(t, jobID)
	require.Equal(t, grant.JobSuccess, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Equal(t, 1, job.TotalFound)
	require.Equal(t, 1, job.TotalInserted)
	require.Equal(t, 6*time.Second, job.Duration)
	require.Empty(t, job.Error)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.clock.Sleeps())

	src, err := h.reg.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 1.0, src.Health.SuccessRate)
	require.Zero(t, src.Health.FailCount)
	require.Equal(t, 1500*time.Millisecond, src.Health.AvgParseTime)
	require.Equal(t, 1, src.Health.TotalRuns)
	require.NotNil(t, src.Health.LastScrapedAt)
	require.True(t, h.clock.Now().Equal(*src.Health.LastScrapedAt))

	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StageJobRetry,
		progress.StageJobRetry,
		progress.StageJobDone,
	}, h.events.Stages())
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(_ context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		return grant.FetchResult{}, serverError(src)
	})
	cfg := defaultConfig()
	cfg.RetryAttempts = 2
	h := newHarness(t, cfg, engine, sourceDef("a"))
	ctx := context.Background()

	jobID, err := h.sched.TriggerSource(ctx, "a")
	require.NoError(t, err)
	h.sched.Wait()

	job := h.job(t, jobID)
	require.Equal(t, grant.JobFailed, job.Status)
	require.Equal(t, 2, job.Attempts)
	require.Contains(t, job.Error, "status 500")
	require.Equal(t, 2, engine.Calls("a"))
	require.Equal(t, []time.Duration{2 * time.Second}, h.clock.Sleeps())

	jobs, err := h.store.ListJobsSince(ctx, epoch.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	src, err := h.reg.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, src.Health.FailCount)
	require.Contains(t, src.Health.LastError, "status 500")
	require.Zero(t, src.Health.SuccessRate)
	require.NotNil(t, src.Health.LastScrapedAt)

	due, err := h.reg.ListDue(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Empty(t, due)

	h.clock.Advance(src.Frequency.Interval())
	due, err = h.reg.ListDue(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "a", due[0].ID)
}

func TestNonRetryableErrorStopsImmediately(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(context.Context, grant.Source, int) (grant.FetchResult, error) {
		return grant.FetchResult{}, errors.New("selector compile failed")
	})
	h := newHarness(t, defaultConfig(), engine, sourceDef("a"))

	jobID, err := h.sched.TriggerSource(context.Background(), "a")
	require.NoError(t, err)
	h.sched.Wait()

	job := h.job(t, jobID)
	require.Equal(t, grant.JobFailed, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Empty(t, h.clock.Sleeps())
}

func TestTriggerAllRespectsConcurrencyCap(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	release := make(chan struct{})
	engine := newEngine(func(ctx context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
			return listing(src), nil
		case <-ctx.Done():
			return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, Err: ctx.Err()}
		}
	})
	defs := make([]grant.SourceDefinition, 0, 5)
	for i := 0; i < 5; i++ {
		defs = append(defs, sourceDef(fmt.Sprintf("s%d", i)))
	}
	h := newHarness(t, defaultConfig(), engine, defs...)

	ids, err := h.sched.TriggerAll(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 5)

	require.Eventually(t, func() bool { return inflight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), inflight.Load())

	close(release)
	h.sched.Wait()

	require.Equal(t, int32(2), peak.Load())
	for _, id := range ids {
		require.Equal(t, grant.JobSuccess, h.job(t, id).Status)
	}
	require.Equal(t, 5, h.store.GrantCount())
}

func TestSingleRunningJobPerSource(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	engine := newEngine(func(ctx context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		select {
		case <-release:
			return listing(src), nil
		case <-ctx.Done():
			return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, Err: ctx.Err()}
		}
	})
	h := newHarness(t, defaultConfig(), engine, sourceDef("a"))
	ctx := context.Background()

	first, err := h.sched.TriggerSource(ctx, "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return engine.Calls("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.sched.TriggerSource(ctx, "a")
	var busy *grant.SourceBusyError
	require.ErrorAs(t, err, &busy)
	require.ErrorIs(t, err, grant.ErrSourceBusy)

	started, err := h.sched.Tick(ctx)
	require.NoError(t, err)
	require.Empty(t, started)

	all, err := h.sched.TriggerAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	close(release)
	h.sched.Wait()
	require.Equal(t, grant.JobSuccess, h.job(t, first).Status)
	require.False(t, h.sched.Running("a"))

	again, err := h.sched.TriggerSource(ctx, "a")
	require.NoError(t, err)
	require.NotEqual(t, first, again)
}

func TestTickStopsWhenSlotsRunOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	engine := newEngine(func(ctx context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		select {
		case <-release:
			return listing(src), nil
		case <-ctx.Done():
			return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, Err: ctx.Err()}
		}
	})
	cfg := defaultConfig()
	cfg.MaxConcurrentJobs = 1
	h := newHarness(t, cfg, engine, sourceDef("a"), sourceDef("b"), sourceDef("c"))
	ctx := context.Background()

	started, err := h.sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.Equal(t, "a", h.job(t, started[0]).SourceID)

	close(release)
	h.sched.Wait()

	due, err := h.reg.ListDue(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 2)

	started, err = h.sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.Equal(t, "b", h.job(t, started[0]).SourceID)
}

func TestTriggerSourceStatusRules(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(_ context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		return listing(src), nil
	})
	paused := sourceDef("paused")
	paused.Status = "paused"
	disabled := sourceDef("disabled")
	disabled.Status = "disabled"
	h := newHarness(t, defaultConfig(), engine, paused, disabled)
	ctx := context.Background()

	_, err := h.sched.TriggerSource(ctx, "ghost")
	require.ErrorIs(t, err, grant.ErrNotFound)

	_, err = h.sched.TriggerSource(ctx, "disabled")
	require.ErrorIs(t, err, grant.ErrSourceDisabled)

	jobID, err := h.sched.TriggerSource(ctx, "paused")
	require.NoError(t, err)
	h.sched.Wait()
	require.Equal(t, grant.JobSuccess, h.job(t, jobID).Status)
	require.Equal(t, grant.TriggerManual, h.job(t, jobID).Trigger)

	all, err := h.sched.TriggerAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestCancelAbortsRunningJob(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(ctx context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		<-ctx.Done()
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, Err: ctx.Err()}
	})
	h := newHarness(t, defaultConfig(), engine, sourceDef("a"))

	jobID, err := h.sched.TriggerSource(context.Background(), "a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return engine.Calls("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, h.sched.Cancel("a"))
	h.sched.Wait()
	require.False(t, h.sched.Cancel("a"))

	job := h.job(t, jobID)
	require.Equal(t, grant.JobFailed, job.Status)
	require.Equal(t, "job aborted", job.Error)
	require.Equal(t, 1, job.Attempts)

	src, err := h.reg.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Zero(t, src.Health.TotalRuns)
}

func TestPanicBecomesFailedJob(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(context.Context, grant.Source, int) (grant.FetchResult, error) {
		panic("nil selection")
	})
	h := newHarness(t, defaultConfig(), engine, sourceDef("a"))

	jobID, err := h.sched.TriggerSource(context.Background(), "a")
	require.NoError(t, err)
	h.sched.Wait()

	job := h.job(t, jobID)
	require.Equal(t, grant.JobFailed, job.Status)
	require.Contains(t, job.Error, "nil selection")
	require.False(t, h.sched.Running("a"))
}

func TestParseErrorArchivesSnapshot(t *testing.T) {
	t.Parallel()

	body := []byte("<html><body><div class=\"redesigned\">Apply now</div></body></html>")
	engine := newEngine(func(_ context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		return grant.FetchResult{}, &grant.ParseError{SourceID: src.ID, URL: src.URL, Selector: ".call", BodyBytes: len(body), Body: body}
	})
	cfg := defaultConfig()
	cfg.RetryAttempts = 1
	h := newHarness(t, cfg, engine, sourceDef("a"))

	jobID, err := h.sched.TriggerSource(context.Background(), "a")
	require.NoError(t, err)
	h.sched.Wait()

	data, contentType, ok := h.blobs.Object("snapshots/a/" + jobID + ".html")
	require.True(t, ok)
	require.Equal(t, body, data)
	require.Equal(t, "text/html; charset=utf-8", contentType)
	require.Contains(t, h.job(t, jobID).Error, "matched no records")
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(ctx context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		<-ctx.Done()
		return grant.FetchResult{}, &grant.FetchError{SourceID: src.ID, Err: ctx.Err()}
	})
	cfg := defaultConfig()
	cfg.JobTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, engine, sourceDef("a"))

	jobID, err := h.sched.TriggerSource(context.Background(), "a")
	require.NoError(t, err)
	h.sched.Wait()

	job := h.job(t, jobID)
	require.Equal(t, grant.JobFailed, job.Status)
	require.Contains(t, job.Error, "job timed out")
	require.Equal(t, 1, job.Attempts)

	src, err := h.reg.Get(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 1, src.Health.FailCount)
}

func TestStopRejectsNewJobs(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(_ context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		return listing(src), nil
	})
	h := newHarness(t, defaultConfig(), engine, sourceDef("a"))
	h.sched.Stop()
	_, err := h.sched.TriggerSource(context.Background(), "a")
	require.ErrorIs(t, err, ErrStopped)
}

func TestMissingEngineFailsJob(t *testing.T) {
	t.Parallel()

	engine := newEngine(func(_ context.Context, src grant.Source, _ int) (grant.FetchResult, error) {
		return listing(src), nil
	})
	browser := sourceDef("spa")
	browser.Engine = "browser"
	h := newHarness(t, defaultConfig(), engine, browser)

	jobID, err := h.sched.TriggerSource(context.Background(), "spa")
	require.NoError(t, err)
	h.sched.Wait()
	require.Contains(t, h.job(t, jobID).Error, "no browser engine")
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	s := &Scheduler{cfg: Config{BackoffInitial: 2 * time.Second, BackoffMax: 10 * time.Second}}
	cases := map[int]time.Duration{
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  10 * time.Second,
		40: 10 * time.Second,
	}
	for attempt, want := range cases {
		require.Equal(t, want, s.backoff(attempt), "attempt %d", attempt)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	var cfgErr *grant.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{MaxConcurrentJobs: 1}, Deps{})
	require.Error(t, err)
}
