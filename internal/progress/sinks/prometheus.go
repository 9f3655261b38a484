package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/grant-scout/internal/progress"
)

// PrometheusSink derives per-source job collectors from the event stream.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	running     prometheus.Gauge
	lastSuccess *prometheus.GaugeVec

	mu      sync.Mutex
	started map[string]struct{}
}

// NewPrometheusSink registers the collectors on reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grant_job_events_total",
			Help: "Job lifecycle events, labeled by stage.",
		}, []string{"stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grant_job_retries_total",
			Help: "Retried job attempts, labeled by source.",
		}, []string{"source"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grant_jobs_running",
			Help: "Jobs that reported a start and no terminal event yet.",
		}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grant_source_last_success_timestamp_seconds",
			Help: "Unix time of the last successful job per source.",
		}, []string{"source"}),
		started: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{s.events, s.retries, s.running, s.lastSuccess} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register job event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageJobStart:
			if _, ok := s.started[evt.JobID]; !ok {
				s.started[evt.JobID] = struct{}{}
				s.running.Inc()
			}
		case progress.StageJobRetry:
			s.retries.WithLabelValues(evt.SourceID).Inc()
		case progress.StageJobDone, progress.StageJobError:
			if evt.Stage == progress.StageJobDone {
				s.lastSuccess.WithLabelValues(evt.SourceID).Set(float64(evt.TS.Unix()))
			}
			if _, ok := s.started[evt.JobID]; ok {
				delete(s.started, evt.JobID)
				s.running.Dec()
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
