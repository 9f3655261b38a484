// Package ratelimit gates requests per source. Each source gets a token bucket
// sized from its requests-per-minute budget, a minimum gap between requests,
// and a single slot so that no two requests to one source are in flight.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/metrics"
)

// Config holds the global defaults.
type Config struct {
	RequestsPerMinute    int
	DelayBetweenRequests time.Duration
	// MaxWait bounds the total time Acquire may block.
	MaxWait time.Duration
}

// Limiter manages per-source rate limits.
type Limiter struct {
	mu        sync.Mutex
	sources   map[string]*sourceState
	overrides map[string]grant.Limits
	defaults  grant.Limits
	maxWait   time.Duration
	clock     grant.Clock
}

type sourceState struct {
	slot   chan struct{}
	bucket *rate.Limiter
	delay  time.Duration

	mu   sync.Mutex
	last time.Time
}

// Permit is held for the duration of one request.
type Permit struct {
	state  *sourceState
	clock  grant.Clock
	once   sync.Once
	Waited time.Duration
}

// New creates a Limiter.
func New(cfg Config, clock grant.Clock) *Limiter {
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}
	return &Limiter{
		sources:   make(map[string]*sourceState),
		overrides: make(map[string]grant.Limits),
		defaults: grant.Limits{
			RequestsPerMinute:    cfg.RequestsPerMinute,
			DelayBetweenRequests: cfg.DelayBetweenRequests,
		},
		maxWait: maxWait,
		clock:   clock,
	}
}

// Override replaces the defaults for one source. Zero fields fall back to
// the global value.
func (l *Limiter) Override(sourceID string, limits grant.Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := l.merge(limits)
	l.overrides[sourceID] = merged
	if st, ok := l.sources[sourceID]; ok {
		st.bucket.SetLimitAt(l.clock.Now(), perSecond(merged.RequestsPerMinute))
		st.mu.Lock()
		st.delay = merged.DelayBetweenRequests
		st.mu.Unlock()
	}
}

// Acquire blocks until sourceID may issue its next request. The returned
// permit must be released once the request finishes.
func (l *Limiter) Acquire(ctx context.Context, sourceID string) (*Permit, error) {
	st := l.state(sourceID)

	slotCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()
	select {
	case st.slot <- struct{}{}:
	case <-slotCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rate limit wait: %w", ctx.Err())
		}
		return nil, l.timeout(sourceID, "request already in flight")
	}

	now := l.clock.Now()
	delay, reservation := st.reserve(now)
	if delay > l.maxWait {
		if reservation != nil {
			reservation.CancelAt(now)
		}
		<-st.slot
		return nil, l.timeout(sourceID, fmt.Sprintf("next slot in %s", delay))
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		if reservation != nil {
			reservation.CancelAt(now)
		}
		<-st.slot
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if delay > 0 {
		metrics.ObserveRateLimitWait(sourceID, delay)
	}
	return &Permit{state: st, clock: l.clock, Waited: delay}, nil
}

// Release records the request time and frees the source for its next request.
// It is safe to call more than once.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.state.mu.Lock()
		p.state.last = p.clock.Now()
		p.state.mu.Unlock()
		<-p.state.slot
	})
}

func (l *Limiter) state(sourceID string) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sources[sourceID]
	if ok {
		return st
	}
	limits := l.defaults
	if o, ok := l.overrides[sourceID]; ok {
		limits = o
	}
	st = &sourceState{
		slot:   make(chan struct{}, 1),
		bucket: rate.NewLimiter(perSecond(limits.RequestsPerMinute), 1),
		delay:  limits.DelayBetweenRequests,
	}
	l.sources[sourceID] = st
	return st
}

func (l *Limiter) merge(limits grant.Limits) grant.Limits {
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = l.defaults.RequestsPerMinute
	}
	if limits.DelayBetweenRequests <= 0 {
		limits.DelayBetweenRequests = l.defaults.DelayBetweenRequests
	}
	return limits
}

func (l *Limiter) timeout(sourceID, detail string) error {
	return &grant.FetchError{
		SourceID: sourceID,
		Err:      fmt.Errorf("rate limit wait: %s: %w", detail, grant.ErrWaitTimeout),
	}
}

// reserve returns how long the caller must wait from now. The caller holds
// the slot, so last is stable.
func (s *sourceState) reserve(now time.Time) (time.Duration, *rate.Reservation) {
	s.mu.Lock()
	var gap time.Duration
	if !s.last.IsZero() {
		if elapsed := now.Sub(s.last); elapsed < s.delay {
			gap = s.delay - elapsed
		}
	}
	s.mu.Unlock()

	at := now.Add(gap)
	r := s.bucket.ReserveN(at, 1)
	if !r.OK() {
		return gap, nil
	}
	return gap + r.DelayFrom(at), r
}

func perSecond(rpm int) rate.Limit {
	if rpm <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(rpm) / 60.0)
}

// IsTimeout reports whether err came from a bounded wait running out.
func IsTimeout(err error) bool {
	return errors.Is(err, grant.ErrWaitTimeout)
}
