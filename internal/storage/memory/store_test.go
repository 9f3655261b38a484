package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestSourceUpsertPreservesHealth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	src := grant.Source{ID: "nsf", Name: "NSF", Status: grant.SourceActive, CreatedAt: t0, RateLimit: &grant.Limits{RequestsPerMinute: 10}}
	require.NoError(t, store.UpsertSource(ctx, src))

	scraped := t0.Add(time.Hour)
	require.NoError(t, store.UpdateSourceHealth(ctx, "nsf", grant.Health{SuccessRate: 1, TotalRuns: 1, LastScrapedAt: &scraped}, scraped))

	src.Name = "National Science Foundation"
	src.CreatedAt = t0.Add(48 * time.Hour)
	require.NoError(t, store.UpsertSource(ctx, src))

	got, err := store.GetSource(ctx, "nsf")
	require.NoError(t, err)
	require.Equal(t, "National Science Foundation", got.Name)
	require.Equal(t, t0, got.CreatedAt)
	require.Equal(t, 1, got.Health.TotalRuns)
	require.Equal(t, scraped, *got.Health.LastScrapedAt)

	got.RateLimit.RequestsPerMinute = 99
	again, err := store.GetSource(ctx, "nsf")
	require.NoError(t, err)
	require.Equal(t, 10, again.RateLimit.RequestsPerMinute)

	require.NoError(t, store.SetSourceStatus(ctx, "nsf", grant.SourcePaused, t0))
	got, err = store.GetSource(ctx, "nsf")
	require.NoError(t, err)
	require.Equal(t, grant.SourcePaused, got.Status)

	_, err = store.GetSource(ctx, "missing")
	require.ErrorIs(t, err, grant.ErrNotFound)
	require.ErrorIs(t, store.SetSourceStatus(ctx, "missing", grant.SourcePaused, t0), grant.ErrNotFound)
}

func TestJobLifecycleRejectsReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	job := grant.Job{ID: "j1", SourceID: "nsf", Status: grant.JobPending, CreatedAt: t0}
	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))

	require.NoError(t, store.MarkJobRunning(ctx, "j1", t0.Add(time.Second)))
	finished := t0.Add(time.Minute)
	require.NoError(t, store.CompleteJob(ctx, grant.Job{
		ID: "j1", Status: grant.JobSuccess, FinishedAt: &finished,
		Duration: time.Minute, Attempts: 2, TotalFound: 4, TotalInserted: 99,
	}))

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, grant.JobSuccess, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, 4, got.TotalFound)
	require.Zero(t, got.TotalInserted)
	require.NotNil(t, got.StartedAt)

	require.ErrorIs(t, store.CompleteJob(ctx, grant.Job{ID: "j1", Status: grant.JobFailed}), grant.ErrJobTerminal)
	require.ErrorIs(t, store.MarkJobRunning(ctx, "j1", t0), grant.ErrJobTerminal)

	_, err = store.GetJob(ctx, "nope")
	require.ErrorIs(t, err, grant.ErrNotFound)
}

func TestListJobsSinceAndLatest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateJob(ctx, grant.Job{ID: "a1", SourceID: "a", CreatedAt: t0}))
	require.NoError(t, store.CreateJob(ctx, grant.Job{ID: "a2", SourceID: "a", CreatedAt: t0.Add(2 * time.Hour)}))
	require.NoError(t, store.CreateJob(ctx, grant.Job{ID: "b1", SourceID: "b", CreatedAt: t0.Add(time.Hour)}))

	jobs, err := store.ListJobsSince(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "a2", jobs[0].ID)
	require.Equal(t, "b1", jobs[1].ID)

	latest, err := store.LatestJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, "a2", latest["a"].ID)
	require.Equal(t, "b1", latest["b"].ID)
}

func TestUpsertGrantDedupsAndCountsPerJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateJob(ctx, grant.Job{ID: "j1", SourceID: "gff", CreatedAt: t0}))
	require.NoError(t, store.CreateJob(ctx, grant.Job{ID: "j2", SourceID: "gff", CreatedAt: t0.Add(time.Hour)}))

	in := grant.GrantUpsert{
		ID: "g1", FunderID: "f1", FunderName: "Green Future", Fingerprint: "fp-1",
		Title: "Climate Fund", SourceID: "gff", JobID: "j1", At: t0,
	}
	out, err := store.UpsertGrant(ctx, in)
	require.NoError(t, err)
	require.True(t, out.Created)
	require.Equal(t, "g1", out.GrantID)

	in.ID, in.FunderID, in.JobID, in.At = "g-other", "f-other", "j2", t0.Add(time.Hour)
	in.FunderName = "GREEN FUTURE"
	in.Title = "Climate Fund 2026"
	out, err = store.UpsertGrant(ctx, in)
	require.NoError(t, err)
	require.False(t, out.Created)
	require.Equal(t, "g1", out.GrantID)
	require.Equal(t, 1, store.GrantCount())

	g, err := store.GetGrantByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, "Climate Fund 2026", g.Title)
	require.Equal(t, "f1", g.FunderID)
	require.Equal(t, "j1", g.FirstJobID)
	require.Equal(t, "j2", g.LastJobID)
	require.Equal(t, t0, g.CreatedAt)

	j1, _ := store.GetJob(ctx, "j1")
	j2, _ := store.GetJob(ctx, "j2")
	require.Equal(t, 1, j1.TotalInserted)
	require.Equal(t, 1, j2.TotalUpdated)

	_, err = store.GetGrantByFingerprint(ctx, "missing")
	require.ErrorIs(t, err, grant.ErrNotFound)
}
