// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

// Store implements grant.Store with maps guarded by a single lock. Values are
// copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	sources map[string]grant.Source
	jobs    map[string]grant.Job
	funders map[string]grant.Funder // keyed by lower(name)
	grants  map[string]grant.Grant  // keyed by fingerprint
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sources: make(map[string]grant.Source),
		jobs:    make(map[string]grant.Job),
		funders: make(map[string]grant.Funder),
		grants:  make(map[string]grant.Grant),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// ListSources returns all sources ordered by ID.
func (s *Store) ListSources(_ context.Context) ([]grant.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]grant.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(_ context.Context, id string) (grant.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return grant.Source{}, &grant.NotFoundError{Kind: "source", ID: id}
	}
	return cloneSource(src), nil
}

// UpsertSource inserts or updates configuration fields, keeping health and
// creation time of an existing source.
func (s *Store) UpsertSource(_ context.Context, src grant.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src = cloneSource(src)
	if existing, ok := s.sources[src.ID]; ok {
		src.Health = existing.Health
		src.CreatedAt = existing.CreatedAt
	}
	s.sources[src.ID] = src
	return nil
}

// UpdateSourceHealth replaces the health block of a source.
func (s *Store) UpdateSourceHealth(_ context.Context, id string, health grant.Health, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return &grant.NotFoundError{Kind: "source", ID: id}
	}
	src.Health = cloneHealth(health)
	src.UpdatedAt = at
	s.sources[id] = src
	return nil
}

// SetSourceStatus changes the operator status of a source.
func (s *Store) SetSourceStatus(_ context.Context, id string, status grant.SourceStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return &grant.NotFoundError{Kind: "source", ID: id}
	}
	src.Status = status
	src.UpdatedAt = at
	s.sources[id] = src
	return nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job grant.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// MarkJobRunning moves a pending job to RUNNING.
func (s *Store) MarkJobRunning(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return &grant.NotFoundError{Kind: "job", ID: id}
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s: %w", id, grant.ErrJobTerminal)
	}
	job.Status = grant.JobRunning
	job.StartedAt = pointerTime(startedAt)
	s.jobs[id] = job
	return nil
}

// CompleteJob records the terminal state of a job. Inserted and updated
// counters are maintained by UpsertGrant.
func (s *Store) CompleteJob(_ context.Context, done grant.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[done.ID]
	if !ok {
		return &grant.NotFoundError{Kind: "job", ID: done.ID}
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s: %w", done.ID, grant.ErrJobTerminal)
	}
	job.Status = done.Status
	if done.StartedAt != nil {
		job.StartedAt = pointerTime(*done.StartedAt)
	}
	if done.FinishedAt != nil {
		job.FinishedAt = pointerTime(*done.FinishedAt)
	}
	job.Duration = done.Duration
	job.Attempts = done.Attempts
	job.TotalFound = done.TotalFound
	job.Error = done.Error
	s.jobs[done.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (grant.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return grant.Job{}, &grant.NotFoundError{Kind: "job", ID: id}
	}
	return cloneJob(job), nil
}

// ListJobsSince returns jobs created at or after since, newest first.
func (s *Store) ListJobsSince(_ context.Context, since time.Time) ([]grant.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []grant.Job
	for _, job := range s.jobs {
		if job.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sortNewestFirst(out)
	return out, nil
}

// LatestJobs returns the most recently created job per source.
func (s *Store) LatestJobs(_ context.Context) (map[string]grant.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]grant.Job)
	for _, job := range s.jobs {
		cur, ok := out[job.SourceID]
		if !ok || job.CreatedAt.After(cur.CreatedAt) || (job.CreatedAt.Equal(cur.CreatedAt) && job.ID > cur.ID) {
			out[job.SourceID] = cloneJob(job)
		}
	}
	return out, nil
}

// UpsertGrant resolves the funder, writes the grant and bumps the job
// counters under one lock.
func (s *Store) UpsertGrant(_ context.Context, in grant.GrantUpsert) (grant.UpsertOutcome, error) {
	if in.Fingerprint == "" {
		return grant.UpsertOutcome{}, fmt.Errorf("fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(in.FunderName)
	funder, ok := s.funders[key]
	if !ok {
		funder = grant.Funder{ID: in.FunderID, Name: in.FunderName}
		s.funders[key] = funder
	}

	out := grant.UpsertOutcome{}
	g, exists := s.grants[in.Fingerprint]
	if !exists {
		g = grant.Grant{
			ID:            in.ID,
			Fingerprint:   in.Fingerprint,
			FirstSourceID: in.SourceID,
			FirstJobID:    in.JobID,
			CreatedAt:     in.At,
		}
		out.Created = true
	}
	g.Title = in.Title
	g.Description = in.Description
	g.URL = in.URL
	g.FunderID = funder.ID
	g.Category = in.Category
	g.AmountMin = pointerFloat(in.AmountMin)
	g.AmountMax = pointerFloat(in.AmountMax)
	g.Currency = in.Currency
	g.Deadline = clonePointerTime(in.Deadline)
	g.LastSourceID = in.SourceID
	g.LastJobID = in.JobID
	g.UpdatedAt = in.At
	s.grants[in.Fingerprint] = g
	out.GrantID = g.ID

	if job, ok := s.jobs[in.JobID]; ok {
		if out.Created {
			job.TotalInserted++
		} else {
			job.TotalUpdated++
		}
		s.jobs[in.JobID] = job
	}
	return out, nil
}

// GetGrantByFingerprint fetches a grant by its dedup key.
func (s *Store) GetGrantByFingerprint(_ context.Context, fingerprint string) (grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[fingerprint]
	if !ok {
		return grant.Grant{}, &grant.NotFoundError{Kind: "grant", ID: fingerprint}
	}
	g.AmountMin = pointerFloat(g.AmountMin)
	g.AmountMax = pointerFloat(g.AmountMax)
	g.Deadline = clonePointerTime(g.Deadline)
	return g, nil
}

// GrantCount reports the catalog size.
func (s *Store) GrantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}

func sortNewestFirst(jobs []grant.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func cloneSource(src grant.Source) grant.Source {
	if src.RateLimit != nil {
		rl := *src.RateLimit
		src.RateLimit = &rl
	}
	src.Health = cloneHealth(src.Health)
	return src
}

func cloneHealth(h grant.Health) grant.Health {
	h.LastScrapedAt = clonePointerTime(h.LastScrapedAt)
	return h
}

func cloneJob(job grant.Job) grant.Job {
	job.StartedAt = clonePointerTime(job.StartedAt)
	job.FinishedAt = clonePointerTime(job.FinishedAt)
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func clonePointerTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return pointerTime(*t)
}

func pointerFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	f := *v
	return &f
}
