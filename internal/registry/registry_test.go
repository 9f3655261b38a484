package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/clock/manual"
	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/storage/memory"
)

var epoch = time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)

func def(id string) grant.SourceDefinition {
	return grant.SourceDefinition{
		ID:        id,
		Name:      "Source " + id,
		URL:       "https://" + id + ".example.org/grants",
		Type:      "foundation",
		Engine:    "static",
		Frequency: "daily",
		Selectors: grant.Selectors{Item: ".grant", Title: "h2"},
	}
}

func newRegistry(t *testing.T) (*Registry, *memory.Store, *manual.Clock) {
	t.Helper()
	store := memory.NewStore()
	clk := manual.New(epoch)
	return New(store, clk, zap.NewNop(), 3), store, clk
}

func TestSeedValidatesDefinitions(t *testing.T) {
	t.Parallel()

	reg, _, _ := newRegistry(t)
	bad := def("x")
	bad.Engine = "selenium"
	err := reg.Seed(context.Background(), []grant.SourceDefinition{def("a"), bad})
	var cfgErr *grant.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "sources[1]", cfgErr.Key)

	noSelectors := def("y")
	noSelectors.Selectors = grant.Selectors{}
	require.Error(t, reg.Seed(context.Background(), []grant.SourceDefinition{noSelectors}))

	err = reg.Seed(context.Background(), []grant.SourceDefinition{def("a"), def("a")})
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "sources[1].id", cfgErr.Key)
}

func TestSeedPreservesHealthAndOperatorStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, _, clk := newRegistry(t)
	require.NoError(t, reg.Seed(ctx, []grant.SourceDefinition{def("a")}))
	_, err := reg.RecordOutcome(ctx, "a", grant.Outcome{Success: true, Duration: time.Second, At: clk.Now()})
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus(ctx, "a", grant.SourcePaused))

	updated := def("a")
	updated.Name = "Renamed"
	clk.Advance(time.Hour)
	require.NoError(t, reg.Seed(ctx, []grant.SourceDefinition{updated}))

	src, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "Renamed", src.Name)
	require.Equal(t, grant.SourcePaused, src.Status)
	require.Equal(t, 1, src.Health.TotalRuns)
	require.Equal(t, epoch, src.CreatedAt)
}

func TestListDueOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, store, clk := newRegistry(t)
	paused := def("paused")
	paused.Status = "paused"
	hourly := def("hourly")
	hourly.Frequency = "hourly"
	require.NoError(t, reg.Seed(ctx, []grant.SourceDefinition{def("daily"), hourly, def("fresh"), paused, def("never-b"), def("never-a")}))

	at := func(d time.Duration) *time.Time {
		v := epoch.Add(-d)
		return &v
	}
	require.NoError(t, store.UpdateSourceHealth(ctx, "daily", grant.Health{LastScrapedAt: at(25 * time.Hour)}, epoch))
	require.NoError(t, store.UpdateSourceHealth(ctx, "hourly", grant.Health{LastScrapedAt: at(3 * time.Hour)}, epoch))
	require.NoError(t, store.UpdateSourceHealth(ctx, "fresh", grant.Health{LastScrapedAt: at(time.Hour)}, epoch))
	require.NoError(t, store.UpdateSourceHealth(ctx, "never-b", grant.Health{FailCount: 2}, epoch))

	due, err := reg.ListDue(ctx, clk.Now())
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, src := range due {
		ids = append(ids, src.ID)
	}
	// hourly is 2h overdue, daily only 1h.
	require.Equal(t, []string{"never-a", "never-b", "hourly", "daily"}, ids)
}

func TestRecordOutcomeMovingAverage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, _, clk := newRegistry(t)
	require.NoError(t, reg.Seed(ctx, []grant.SourceDefinition{def("a")}))

	h, err := reg.RecordOutcome(ctx, "a", grant.Outcome{Success: true, Duration: 2 * time.Second, At: clk.Now()})
	require.NoError(t, err)
	require.Equal(t, 1.0, h.SuccessRate)
	require.Equal(t, 2*time.Second, h.AvgParseTime)

	h, err = reg.RecordOutcome(ctx, "a", grant.Outcome{Success: false, Err: errors.New("fetch https://a: status 503"), At: clk.Now()})
	require.NoError(t, err)
	require.InDelta(t, 0.9, h.SuccessRate, 1e-9)
	require.Less(t, h.SuccessRate, 1.0)
	require.Equal(t, 1, h.FailCount)
	require.Equal(t, "fetch https://a: status 503", h.LastError)
	require.Equal(t, 2*time.Second, h.AvgParseTime)

	h, err = reg.RecordOutcome(ctx, "a", grant.Outcome{Success: true, Duration: 4 * time.Second, At: clk.Now()})
	require.NoError(t, err)
	require.InDelta(t, 0.91, h.SuccessRate, 1e-9)
	require.Equal(t, 2200*time.Millisecond, h.AvgParseTime)
	require.Zero(t, h.FailCount)
	require.Empty(t, h.LastError)
	require.Equal(t, 3, h.TotalRuns)
	require.Equal(t, epoch, *h.LastScrapedAt)
}

func TestRecordOutcomeFirstFailureSeedsZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, _, clk := newRegistry(t)
	require.NoError(t, reg.Seed(ctx, []grant.SourceDefinition{def("a")}))
	h, err := reg.RecordOutcome(ctx, "a", grant.Outcome{Err: errors.New("boom"), At: clk.Now()})
	require.NoError(t, err)
	require.Zero(t, h.SuccessRate)
}

func TestFlaggingNeverDisables(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, _, clk := newRegistry(t)
	require.NoError(t, reg.Seed(ctx, []grant.SourceDefinition{def("a")}))
	for i := 0; i < 4; i++ {
		_, err := reg.RecordOutcome(ctx, "a", grant.Outcome{Err: errors.New("boom"), At: clk.Now()})
		require.NoError(t, err)
	}
	views, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.True(t, views[0].Flagged)
	require.Equal(t, grant.SourceActive, views[0].Status)

	_, err = reg.RecordOutcome(ctx, "missing", grant.Outcome{At: clk.Now()})
	require.ErrorIs(t, err, grant.ErrNotFound)
}

func TestSetStatusValidates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, _, _ := newRegistry(t)
	require.NoError(t, reg.Seed(ctx, []grant.SourceDefinition{def("a")}))
	require.Error(t, reg.SetStatus(ctx, "a", grant.SourceStatus("archived")))
	require.ErrorIs(t, reg.SetStatus(ctx, "zzz", grant.SourceDisabled), grant.ErrNotFound)
	require.NoError(t, reg.SetStatus(ctx, "a", grant.SourceDisabled))

	due, err := reg.ListDue(ctx, epoch)
	require.NoError(t, err)
	require.Empty(t, due)
}
