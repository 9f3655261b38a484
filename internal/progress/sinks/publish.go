package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/progress"
)

// PublishSink forwards every event to a message backend.
type PublishSink struct {
	publisher grant.Publisher
	topic     string
	closer    func() error
}

// NewPublishSink publishes to topic. closer, when non-nil, runs on Close and
// releases the backend client.
func NewPublishSink(publisher grant.Publisher, topic string, closer func() error) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic, closer: closer}
}

// Consume publishes events in order and returns every failure joined.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Stage, evt.JobID, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Close releases the backend.
func (s *PublishSink) Close(context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
