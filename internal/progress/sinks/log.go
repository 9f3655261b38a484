package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch. Errors are logged at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("source_id", evt.SourceID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		switch evt.Stage {
		case progress.StageJobDone:
			fields = append(fields,
				zap.Int("found", evt.Found),
				zap.Int("inserted", evt.Inserted),
				zap.Int("updated", evt.Updated),
			)
			s.logger.Info("job event", fields...)
		case progress.StageJobRetry, progress.StageJobError:
			s.logger.Warn("job event", append(fields, zap.String("note", evt.Note))...)
		default:
			s.logger.Info("job event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
