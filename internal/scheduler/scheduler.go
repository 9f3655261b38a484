// Package scheduler turns due sources into jobs and runs them under a global
// concurrency cap. Each job drives the rate limiter, an engine and the
// ingest processor, retries transient failures with exponential backoff and
// writes exactly one terminal job record.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/metrics"
	"github.com/JakeFAU/grant-scout/internal/policy/ratelimit"
	"github.com/JakeFAU/grant-scout/internal/progress"
)

const (
	abortedMessage = "job aborted"
	persistTimeout = 15 * time.Second
	snapshotType   = "text/html; charset=utf-8"
)

// ErrStopped rejects new jobs after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Config bounds concurrency, retries and job duration.
type Config struct {
	MaxConcurrentJobs int
	// RetryAttempts is the total attempt budget per job. Values below one
	// mean a single attempt.
	RetryAttempts  int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	JobTimeout     time.Duration
}

// SourceRegistry is the registry surface the scheduler needs.
type SourceRegistry interface {
	Get(ctx context.Context, id string) (grant.Source, error)
	List(ctx context.Context) ([]grant.Source, error)
	ListDue(ctx context.Context, now time.Time) ([]grant.Source, error)
	RecordOutcome(ctx context.Context, sourceID string, out grant.Outcome) (grant.Health, error)
}

// RateGate hands out per-source request permits.
type RateGate interface {
	Acquire(ctx context.Context, sourceID string) (*ratelimit.Permit, error)
}

// Ingester writes extracted records to the catalog.
type Ingester interface {
	Ingest(ctx context.Context, src grant.Source, jobID string, records []grant.RawRecord) (grant.IngestResult, error)
}

// Deps are the collaborators of a Scheduler. Snapshots and Events are
// optional.
type Deps struct {
	Registry  SourceRegistry
	Jobs      grant.JobStore
	Limiter   RateGate
	Engines   []grant.Engine
	Ingester  Ingester
	Snapshots grant.BlobStore
	IDs       grant.IDGenerator
	Clock     grant.Clock
	Events    progress.Emitter
	Logger    *zap.Logger
}

// Scheduler owns job creation and execution.
type Scheduler struct {
	cfg       Config
	registry  SourceRegistry
	jobs      grant.JobStore
	limiter   RateGate
	engines   map[grant.EngineKind]grant.Engine
	ingester  Ingester
	snapshots grant.BlobStore
	ids       grant.IDGenerator
	clock     grant.Clock
	events    progress.Emitter
	logger    *zap.Logger
	tracer    trace.Tracer

	slots *semaphore.Weighted
	base  context.Context
	halt  context.CancelFunc
	wg    sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
	stopped bool
}

// run is the in-memory handle of one live job.
type run struct {
	jobID   string
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// New validates cfg and builds a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, &grant.ConfigError{Key: "scheduler.max_concurrent_jobs", Reason: "must be > 0"}
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if deps.Registry == nil || deps.Jobs == nil || deps.Limiter == nil || deps.Ingester == nil || deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("scheduler: registry, job store, limiter, ingester, id generator and clock are required")
	}
	engines := make(map[grant.EngineKind]grant.Engine, len(deps.Engines))
	for _, e := range deps.Engines {
		if e != nil {
			engines[e.Kind()] = e
		}
	}
	if deps.Events == nil {
		deps.Events = progress.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	base, halt := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		registry:  deps.Registry,
		jobs:      deps.Jobs,
		limiter:   deps.Limiter,
		engines:   engines,
		ingester:  deps.Ingester,
		snapshots: deps.Snapshots,
		ids:       deps.IDs,
		clock:     deps.Clock,
		events:    deps.Events,
		logger:    deps.Logger,
		tracer:    otel.Tracer("github.com/JakeFAU/grant-scout/internal/scheduler"),
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		base:      base,
		halt:      halt,
		running:   make(map[string]*run),
	}, nil
}

// Tick runs one scheduling pass and returns the IDs of the jobs it started.
// It stops at the first source that cannot get a free slot; the rest stay
// due for the next tick.
func (s *Scheduler) Tick(ctx context.Context) ([]string, error) {
	due, err := s.registry.ListDue(ctx, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list due sources: %w", err)
	}
	var started []string
	for i, src := range due {
		if s.Running(src.ID) {
			continue
		}
		if !s.slots.TryAcquire(1) {
			s.logger.Debug("no free job slot", zap.Int("deferred", len(due)-i))
			break
		}
		id, err := s.start(ctx, src, grant.TriggerSchedule, true)
		if err != nil {
			s.slots.Release(1)
			if errors.Is(err, grant.ErrSourceBusy) {
				continue
			}
			return started, err
		}
		started = append(started, id)
	}
	return started, nil
}

// TriggerSource starts a manual job for id, bypassing the due check. Paused
// sources may be run this way; disabled ones may not. The job waits for a
// free slot before it runs.
func (s *Scheduler) TriggerSource(ctx context.Context, id string) (string, error) {
	src, err := s.registry.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if src.Status == grant.SourceDisabled {
		return "", fmt.Errorf("trigger %s: %w", id, grant.ErrSourceDisabled)
	}
	return s.start(ctx, src, grant.TriggerManual, false)
}

// TriggerAll starts a manual job for every active source that is not already
// running.
func (s *Scheduler) TriggerAll(ctx context.Context) ([]string, error) {
	all, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	var started []string
	for _, src := range all {
		if src.Status != grant.SourceActive || s.Running(src.ID) {
			continue
		}
		id, err := s.start(ctx, src, grant.TriggerManual, false)
		if errors.Is(err, grant.ErrSourceBusy) {
			continue
		}
		if err != nil {
			return started, err
		}
		started = append(started, id)
	}
	return started, nil
}

// Running reports whether sourceID has a live job.
func (s *Scheduler) Running(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[sourceID]
	return ok
}

// Cancel aborts the live job of sourceID. The job ends FAILED with
// "job aborted" and does not count against the source health.
func (s *Scheduler) Cancel(sourceID string) bool {
	s.mu.Lock()
	r, ok := s.running[sourceID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.aborted.Store(true)
	r.cancel()
	s.logger.Info("job abort requested", zap.String("source_id", sourceID), zap.String("job_id", r.jobID))
	return true
}

// Stop rejects new jobs and aborts the live ones. Call Wait afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, r := range s.running {
		r.aborted.Store(true)
	}
	s.mu.Unlock()
	s.halt()
}

// Wait blocks until every started job has written its terminal record.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) start(ctx context.Context, src grant.Source, trigger grant.Trigger, slotHeld bool) (string, error) {
	jobID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	runCtx, cancel := context.WithCancel(s.base)
	r := &run{jobID: jobID, cancel: cancel}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return "", ErrStopped
	}
	if _, busy := s.running[src.ID]; busy {
		s.mu.Unlock()
		cancel()
		return "", &grant.SourceBusyError{SourceID: src.ID}
	}
	s.running[src.ID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	job := grant.Job{
		ID:        jobID,
		SourceID:  src.ID,
		Status:    grant.JobPending,
		Trigger:   trigger,
		CreatedAt: s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.release(src.ID, r)
		cancel()
		s.wg.Done()
		return "", fmt.Errorf("create job for %s: %w", src.ID, err)
	}
	s.logger.Info("job created",
		zap.String("job_id", jobID),
		zap.String("source_id", src.ID),
		zap.String("trigger", string(trigger)),
	)
	go s.execute(runCtx, r, src, job, slotHeld)
	return jobID, nil
}

func (s *Scheduler) release(sourceID string, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[sourceID] == r {
		delete(s.running, sourceID)
	}
}

// execute owns the job from PENDING to its terminal record.
func (s *Scheduler) execute(ctx context.Context, r *run, src grant.Source, job grant.Job, slotHeld bool) {
	defer s.wg.Done()
	defer s.release(src.ID, r)
	defer r.cancel()

	logger := s.logger.With(zap.String("job_id", job.ID), zap.String("source_id", src.ID))

	if !slotHeld {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			s.finish(ctx, r, src, job, result{err: fmt.Errorf("wait for job slot: %w", err)}, logger)
			return
		}
	}
	defer s.slots.Release(1)
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	ctx, span := s.tracer.Start(ctx, "scrape_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("source.id", src.ID),
		attribute.String("source.engine", string(src.Engine)),
	))
	defer span.End()

	started := s.clock.Now()
	if err := s.jobs.MarkJobRunning(ctx, job.ID, started); err != nil {
		s.finish(ctx, r, src, job, result{err: fmt.Errorf("mark running: %w", err)}, logger)
		return
	}
	job.Status = grant.JobRunning
	job.StartedAt = &started
	s.events.Emit(progress.Event{
		JobID:    job.ID,
		SourceID: src.ID,
		TS:       started,
		Stage:    progress.StageJobStart,
		Trigger:  string(job.Trigger),
	})
	logger.Info("job started")

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	res := s.attempts(jobCtx, src, job.ID, logger)
	if res.err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = fmt.Errorf("job timed out after %s: %w", s.cfg.JobTimeout, res.err)
	}
	cancel()

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, grant.Kind(res.err))
	}
	span.SetAttributes(attribute.Int("job.attempts", res.attempts), attribute.Int("job.found", res.ingest.Found))
	s.finish(ctx, r, src, job, res, logger)
}

// result is the outcome of a job's attempt loop.
type result struct {
	ingest   grant.IngestResult
	fetched  time.Duration
	attempts int
	err      error
}

// attempts runs the retry loop. A panic inside an attempt ends the loop
// with an error instead of crashing the process.
func (s *Scheduler) attempts(ctx context.Context, src grant.Source, jobID string, logger *zap.Logger) (res result) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job panicked", zap.Any("panic", rec), zap.Stack("stack"))
			res.err = fmt.Errorf("job panicked: %v", rec)
		}
	}()

	engine, ok := s.engines[src.Engine]
	if !ok {
		res.attempts = 1
		res.err = fmt.Errorf("no %s engine configured for source %s", src.Engine, src.ID)
		return res
	}

	for attempt := 1; ; attempt++ {
		res.attempts = attempt
		ingest, fetched, err := s.attempt(ctx, engine, src, jobID)
		res.ingest = ingest
		if err == nil {
			res.fetched = fetched
			res.err = nil
			return res
		}
		res.err = err
		metrics.ObserveAttemptError(string(src.Engine), grant.Kind(err))
		s.archive(ctx, src, jobID, err, logger)

		if attempt >= s.cfg.RetryAttempts || !grant.IsRetryable(err) || ctx.Err() != nil {
			return res
		}
		wait := s.backoff(attempt)
		logger.Warn("job attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		s.events.Emit(progress.Event{
			JobID:    jobID,
			SourceID: src.ID,
			TS:       s.clock.Now(),
			Stage:    progress.StageJobRetry,
			Attempt:  attempt,
			Note:     err.Error(),
		})
		if sleepErr := s.clock.Sleep(ctx, wait); sleepErr != nil {
			return res
		}
	}
}

// attempt is one limiter-gated fetch followed by ingestion.
func (s *Scheduler) attempt(ctx context.Context, engine grant.Engine, src grant.Source, jobID string) (grant.IngestResult, time.Duration, error) {
	permit, err := s.limiter.Acquire(ctx, src.ID)
	if err != nil {
		return grant.IngestResult{}, 0, err
	}
	defer permit.Release()
	fetched, err := engine.Fetch(ctx, src)
	permit.Release()
	if err != nil {
		return grant.IngestResult{}, 0, err
	}
	ingest, err := s.ingester.Ingest(ctx, src, jobID, fetched.Records)
	return ingest, fetched.Duration, err
}

// backoff returns the wait after the given failed attempt:
// initial * 2^(attempt-1), capped at BackoffMax.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax || d <= 0 {
			return s.cfg.BackoffMax
		}
	}
	if d > s.cfg.BackoffMax {
		return s.cfg.BackoffMax
	}
	return d
}

// archive keeps the body of a page the selectors could not parse.
func (s *Scheduler) archive(ctx context.Context, src grant.Source, jobID string, err error, logger *zap.Logger) {
	var parseErr *grant.ParseError
	if s.snapshots == nil || !errors.As(err, &parseErr) || len(parseErr.Body) == 0 {
		return
	}
	path := fmt.Sprintf("snapshots/%s/%s.html", src.ID, jobID)
	location, putErr := s.snapshots.PutObject(ctx, path, snapshotType, bytes.NewReader(parseErr.Body))
	if putErr != nil {
		logger.Warn("snapshot archive failed", zap.String("path", path), zap.Error(putErr))
		return
	}
	logger.Info("unparseable page archived", zap.String("location", location), zap.Int("bytes", len(parseErr.Body)))
}

// finish writes the terminal record and feeds the outcome back into the
// registry. It runs on a context detached from cancellation so an aborted
// job is still recorded.
func (s *Scheduler) finish(ctx context.Context, r *run, src grant.Source, job grant.Job, res result, logger *zap.Logger) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	finished := s.clock.Now()
	job.FinishedAt = &finished
	if job.StartedAt != nil {
		job.Duration = finished.Sub(*job.StartedAt)
	}
	job.Attempts = res.attempts
	job.TotalFound = res.ingest.Found
	job.TotalInserted = res.ingest.Inserted
	job.TotalUpdated = res.ingest.Updated

	aborted := r.aborted.Load() && res.err != nil
	switch {
	case res.err == nil:
		job.Status = grant.JobSuccess
	case aborted:
		job.Status = grant.JobFailed
		job.Error = abortedMessage
	default:
		job.Status = grant.JobFailed
		job.Error = res.err.Error()
	}

	if err := s.jobs.CompleteJob(persistCtx, job); err != nil {
		logger.Error("complete job failed", zap.Error(err))
	}
	metrics.ObserveJob(string(job.Status), job.Duration)

	if !aborted && job.StartedAt != nil {
		out := grant.Outcome{Success: res.err == nil, Duration: res.fetched, Err: res.err, At: finished}
		if _, err := s.registry.RecordOutcome(persistCtx, src.ID, out); err != nil {
			logger.Error("record source outcome failed", zap.Error(err))
		}
	}

	evt := progress.Event{
		JobID:    job.ID,
		SourceID: src.ID,
		TS:       finished,
		Attempt:  job.Attempts,
		Dur:      job.Duration,
		Found:    job.TotalFound,
		Inserted: job.TotalInserted,
		Updated:  job.TotalUpdated,
	}
	if job.Status == grant.JobSuccess {
		evt.Stage = progress.StageJobDone
		logger.Info("job succeeded",
			zap.Int("attempts", job.Attempts),
			zap.Duration("duration", job.Duration),
			zap.Int("found", job.TotalFound),
			zap.Int("inserted", job.TotalInserted),
			zap.Int("updated", job.TotalUpdated),
		)
	} else {
		evt.Stage = progress.StageJobError
		evt.Note = job.Error
		logger.Warn("job failed",
			zap.Int("attempts", job.Attempts),
			zap.String("kind", grant.Kind(res.err)),
			zap.String("error", job.Error),
		)
	}
	s.events.Emit(evt)
}
