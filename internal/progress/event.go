package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a job lifecycle milestone.
type Stage string

// Supported stages.
const (
	StageJobStart Stage = "JOB_START"
	StageJobRetry Stage = "JOB_RETRY"
	StageJobDone  Stage = "JOB_DONE"
	StageJobError Stage = "JOB_ERROR"
)

// Event is one job lifecycle milestone.
type Event struct {
	JobID    string        `json:"jobId"`
	SourceID string        `json:"sourceId"`
	TS       time.Time     `json:"ts"`
	Stage    Stage         `json:"stage"`
	Trigger  string        `json:"trigger,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Dur      time.Duration `json:"durationNs,omitempty"`
	Found    int           `json:"found,omitempty"`
	Inserted int           `json:"inserted,omitempty"`
	Updated  int           `json:"updated,omitempty"`
	// Note carries error text for retry and error events.
	Note string `json:"note,omitempty"`
}

// Validate rejects events the sinks cannot attribute.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.SourceID == "" {
		return errors.New("source id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone:
	case StageJobRetry, StageJobError:
		if e.Note == "" {
			return fmt.Errorf("%s requires a note", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Attributes are the message attributes used when the event is published.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"stage":     string(e.Stage),
		"job_id":    e.JobID,
		"source_id": e.SourceID,
	}
}
