// Package registry owns the configured sources, decides which are due and
// keeps their rolling health statistics.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

// emaWeight is the weight of the newest observation in the health averages.
const emaWeight = 0.1

// SourceView is a source plus derived flags, as reported by Snapshot.
type SourceView struct {
	grant.Source
	Flagged bool `json:"flagged"`
}

// Registry wraps a SourceStore with scheduling and health logic.
type Registry struct {
	store     grant.SourceStore
	clock     grant.Clock
	logger    *zap.Logger
	threshold int
	validate  *validator.Validate

	// mu serializes health read-modify-write cycles.
	mu sync.Mutex
}

// New constructs a Registry. failureThreshold is the consecutive failure
// count at which a source is flagged for attention.
func New(store grant.SourceStore, clock grant.Clock, logger *zap.Logger, failureThreshold int) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:     store,
		clock:     clock,
		logger:    logger,
		threshold: failureThreshold,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Seed validates definitions and upserts their configuration. Health and
// operator-set status of known sources survive a re-seed unless the
// definition sets a status explicitly.
func (r *Registry) Seed(ctx context.Context, defs []grant.SourceDefinition) error {
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		if err := r.validate.Struct(def); err != nil {
			return &grant.ConfigError{Key: fmt.Sprintf("sources[%d]", i), Reason: err.Error()}
		}
		if _, dup := seen[def.ID]; dup {
			return &grant.ConfigError{Key: fmt.Sprintf("sources[%d].id", i), Reason: fmt.Sprintf("duplicate source id %q", def.ID)}
		}
		seen[def.ID] = struct{}{}
	}

	now := r.clock.Now()
	for _, def := range defs {
		src := fromDefinition(def, now)
		existing, err := r.store.GetSource(ctx, def.ID)
		switch {
		case err == nil:
			src.CreatedAt = existing.CreatedAt
			if def.Status == "" {
				src.Status = existing.Status
			}
		case errors.Is(err, grant.ErrNotFound):
		default:
			return fmt.Errorf("load source %s: %w", def.ID, err)
		}
		if err := r.store.UpsertSource(ctx, src); err != nil {
			return err
		}
	}
	r.logger.Info("sources seeded", zap.Int("count", len(defs)))
	return nil
}

func fromDefinition(def grant.SourceDefinition, now time.Time) grant.Source {
	status := grant.SourceStatus(def.Status)
	if status == "" {
		status = grant.SourceActive
	}
	var limits *grant.Limits
	if def.RateLimit != nil {
		l := *def.RateLimit
		limits = &l
	}
	return grant.Source{
		ID:        def.ID,
		Name:      def.Name,
		URL:       def.URL,
		Type:      grant.SourceType(def.Type),
		Category:  def.Category,
		Region:    def.Region,
		Engine:    grant.EngineKind(def.Engine),
		Frequency: grant.Frequency(def.Frequency),
		Status:    status,
		Selectors: def.Selectors,
		RateLimit: limits,
		AuthParam: def.AuthParam,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Get returns one source.
func (r *Registry) Get(ctx context.Context, id string) (grant.Source, error) {
	return r.store.GetSource(ctx, id)
}

// List returns every source regardless of status.
func (r *Registry) List(ctx context.Context) ([]grant.Source, error) {
	return r.store.ListSources(ctx)
}

// ListDue returns active sources whose interval has elapsed at now, most
// overdue first. Never-scraped sources lead; ties go to the lower fail
// count and then the lower ID.
func (r *Registry) ListDue(ctx context.Context, now time.Time) ([]grant.Source, error) {
	all, err := r.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	due := make([]grant.Source, 0, len(all))
	for _, src := range all {
		if src.Due(now) {
			due = append(due, src)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		aNever, bNever := a.Health.LastScrapedAt == nil, b.Health.LastScrapedAt == nil
		if aNever != bNever {
			return aNever
		}
		if !aNever {
			ao, bo := overdue(a, now), overdue(b, now)
			if ao != bo {
				return ao > bo
			}
		}
		if a.Health.FailCount != b.Health.FailCount {
			return a.Health.FailCount < b.Health.FailCount
		}
		return a.ID < b.ID
	})
	return due, nil
}

func overdue(src grant.Source, now time.Time) time.Duration {
	return now.Sub(src.Health.LastScrapedAt.Add(src.Frequency.Interval()))
}

// RecordOutcome folds a finished job into the source health and returns the
// new value. It never changes the source status.
func (r *Registry) RecordOutcome(ctx context.Context, sourceID string, out grant.Outcome) (grant.Health, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, err := r.store.GetSource(ctx, sourceID)
	if err != nil {
		return grant.Health{}, err
	}
	prev := src.Health
	h := nextHealth(prev, out)
	if err := r.store.UpdateSourceHealth(ctx, sourceID, h, out.At); err != nil {
		return grant.Health{}, err
	}
	if r.threshold > 0 && prev.FailCount < r.threshold && h.FailCount >= r.threshold {
		r.logger.Warn("source crossed failure threshold",
			zap.String("source_id", sourceID),
			zap.Int("fail_count", h.FailCount),
			zap.Int("threshold", r.threshold),
			zap.String("last_error", h.LastError),
		)
	}
	return h, nil
}

func nextHealth(h grant.Health, out grant.Outcome) grant.Health {
	x := 0.0
	if out.Success {
		x = 1.0
	}
	if h.TotalRuns == 0 {
		h.SuccessRate = x
	} else {
		h.SuccessRate = (1-emaWeight)*h.SuccessRate + emaWeight*x
	}

	if out.Success {
		if h.AvgParseTime == 0 {
			h.AvgParseTime = out.Duration
		} else {
			h.AvgParseTime = time.Duration((1-emaWeight)*float64(h.AvgParseTime) + emaWeight*float64(out.Duration))
		}
		h.FailCount = 0
		h.LastError = ""
	} else {
		h.FailCount++
		if out.Err != nil {
			h.LastError = out.Err.Error()
		} else {
			h.LastError = "unknown error"
		}
	}
	at := out.At
	h.LastScrapedAt = &at
	h.TotalRuns++
	return h
}

// SetStatus applies an operator status change.
func (r *Registry) SetStatus(ctx context.Context, id string, status grant.SourceStatus) error {
	if _, err := grant.ParseSourceStatus(string(status)); err != nil {
		return err
	}
	return r.store.SetSourceStatus(ctx, id, status, r.clock.Now())
}

// Flagged reports whether h has reached the failure threshold.
func (r *Registry) Flagged(h grant.Health) bool {
	return r.threshold > 0 && h.FailCount >= r.threshold
}

// Snapshot lists every source with its flag.
func (r *Registry) Snapshot(ctx context.Context) ([]SourceView, error) {
	all, err := r.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SourceView, 0, len(all))
	for _, src := range all {
		out = append(out, SourceView{Source: src, Flagged: r.Flagged(src.Health)})
	}
	return out, nil
}
