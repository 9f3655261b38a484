// Package monitor summarizes job history and source health for the
// dashboard and status endpoints. It only reads.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/registry"
)

const (
	topSourcesLimit   = 5
	recentErrorsLimit = 10
)

var timeRanges = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseTimeRange maps a dashboard range label to its window.
func ParseTimeRange(s string) (time.Duration, error) {
	d, ok := timeRanges[s]
	if !ok {
		return 0, fmt.Errorf("invalid time range %q: want 24h, 7d or 30d", s)
	}
	return d, nil
}

// Snapshotter lists sources with their health flags.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]registry.SourceView, error)
}

// JobReader is the job history surface the aggregator reads.
type JobReader interface {
	ListJobsSince(ctx context.Context, since time.Time) ([]grant.Job, error)
	LatestJobs(ctx context.Context) (map[string]grant.Job, error)
}

// SourcePerformance ranks one source inside the window.
type SourcePerformance struct {
	SourceID    string  `json:"sourceId"`
	Name        string  `json:"name"`
	Jobs        int     `json:"jobs"`
	Successful  int     `json:"successful"`
	SuccessRate float64 `json:"successRate"`
}

// RecentError is a failed job.
type RecentError struct {
	JobID      string    `json:"jobId"`
	SourceID   string    `json:"sourceId"`
	SourceName string    `json:"sourceName"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

// Dashboard is the aggregate over one window.
type Dashboard struct {
	From                 time.Time           `json:"from"`
	To                   time.Time           `json:"to"`
	ActiveSources        int                 `json:"activeSources"`
	TotalJobs            int                 `json:"totalJobs"`
	SuccessfulJobs       int                 `json:"successfulJobs"`
	FailedJobs           int                 `json:"failedJobs"`
	SuccessRate          float64             `json:"successRate"`
	AvgDurationSeconds   float64             `json:"avgDurationSeconds"`
	GrantsScraped        int                 `json:"grantsScraped"`
	NewGrants            int                 `json:"newGrants"`
	UpdatedGrants        int                 `json:"updatedGrants"`
	TopPerformingSources []SourcePerformance `json:"topPerformingSources"`
	RecentErrors         []RecentError       `json:"recentErrors"`
}

// SourceStatus is one row of the status endpoint.
type SourceStatus struct {
	registry.SourceView
	LastJobID         string          `json:"lastJobId,omitempty"`
	LastJobStatus     grant.JobStatus `json:"lastJobStatus,omitempty"`
	LastJobFinishedAt *time.Time      `json:"lastJobFinishedAt,omitempty"`
	Running           bool            `json:"running"`
}

// Aggregator builds dashboards from the registry and job history.
type Aggregator struct {
	sources Snapshotter
	jobs    JobReader
	clock   grant.Clock
}

// New constructs an Aggregator.
func New(sources Snapshotter, jobs JobReader, clock grant.Clock) *Aggregator {
	return &Aggregator{sources: sources, jobs: jobs, clock: clock}
}

// Dashboard aggregates jobs created within window of now.
func (a *Aggregator) Dashboard(ctx context.Context, window time.Duration) (Dashboard, error) {
	now := a.clock.Now()
	from := now.Add(-window)

	views, err := a.sources.Snapshot(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("load sources: %w", err)
	}
	jobs, err := a.jobs.ListJobsSince(ctx, from)
	if err != nil {
		return Dashboard{}, fmt.Errorf("load jobs: %w", err)
	}

	names := make(map[string]string, len(views))
	d := Dashboard{
		From:                 from,
		To:                   now,
		TopPerformingSources: []SourcePerformance{},
		RecentErrors:         []RecentError{},
	}
	for _, v := range views {
		names[v.ID] = v.Name
		if v.Status == grant.SourceActive {
			d.ActiveSources++
		}
	}

	var (
		totalDuration time.Duration
		terminal      int
		perSource     = make(map[string]*SourcePerformance)
		failures      []grant.Job
	)
	for _, job := range jobs {
		if job.CreatedAt.After(now) {
			continue
		}
		d.TotalJobs++
		d.GrantsScraped += job.TotalFound
		d.NewGrants += job.TotalInserted
		d.UpdatedGrants += job.TotalUpdated

		perf, ok := perSource[job.SourceID]
		if !ok {
			perf = &SourcePerformance{SourceID: job.SourceID, Name: names[job.SourceID]}
			perSource[job.SourceID] = perf
		}
		perf.Jobs++

		switch job.Status {
		case grant.JobSuccess:
			d.SuccessfulJobs++
			perf.Successful++
		case grant.JobFailed:
			d.FailedJobs++
			failures = append(failures, job)
		}
		if job.Status.Terminal() {
			terminal++
			totalDuration += job.Duration
		}
	}
	if d.TotalJobs > 0 {
		d.SuccessRate = float64(d.SuccessfulJobs) / float64(d.TotalJobs)
	}
	if terminal > 0 {
		d.AvgDurationSeconds = (totalDuration / time.Duration(terminal)).Seconds()
	}

	d.TopPerformingSources = topSources(perSource)
	d.RecentErrors = recentErrors(failures, names)
	return d, nil
}

func topSources(perSource map[string]*SourcePerformance) []SourcePerformance {
	ranked := make([]SourcePerformance, 0, len(perSource))
	for _, p := range perSource {
		p.SuccessRate = float64(p.Successful) / float64(p.Jobs)
		ranked = append(ranked, *p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.Jobs != b.Jobs {
			return a.Jobs > b.Jobs
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.SourceID < b.SourceID
	})
	if len(ranked) > topSourcesLimit {
		ranked = ranked[:topSourcesLimit]
	}
	return ranked
}

func recentErrors(failures []grant.Job, names map[string]string) []RecentError {
	at := func(j grant.Job) time.Time {
		if j.FinishedAt != nil {
			return *j.FinishedAt
		}
		return j.CreatedAt
	}
	sort.Slice(failures, func(i, j int) bool {
		ai, aj := at(failures[i]), at(failures[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return failures[i].ID > failures[j].ID
	})
	if len(failures) > recentErrorsLimit {
		failures = failures[:recentErrorsLimit]
	}
	out := make([]RecentError, 0, len(failures))
	for _, j := range failures {
		out = append(out, RecentError{
			JobID:      j.ID,
			SourceID:   j.SourceID,
			SourceName: names[j.SourceID],
			Error:      j.Error,
			At:         at(j),
		})
	}
	return out
}

// Status lists every source with its health and most recent job. running
// reports whether a source has a live job; it may be nil.
func (a *Aggregator) Status(ctx context.Context, running func(sourceID string) bool) ([]SourceStatus, error) {
	views, err := a.sources.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	latest, err := a.jobs.LatestJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest jobs: %w", err)
	}
	out := make([]SourceStatus, 0, len(views))
	for _, v := range views {
		row := SourceStatus{SourceView: v}
		if job, ok := latest[v.ID]; ok {
			row.LastJobID = job.ID
			row.LastJobStatus = job.Status
			row.LastJobFinishedAt = job.FinishedAt
		}
		if running != nil {
			row.Running = running(v.ID)
		}
		out = append(out, row)
	}
	return out, nil
}
