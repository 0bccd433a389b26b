// Package notify delivers training lifecycle events to a webhook.
//
// Events are CloudEvents 1.0 JSON documents queued in a bounded buffer and
// posted by a small worker pool. Delivery is best effort: a full buffer drops
// the event and failed deliveries are retried with exponential backoff, except
// for 4xx responses.
package notify

import (
	"time"

	"github.com/google/uuid"

	"segmentd/internal/training"
)

// Event types.
const (
	EventTypeStart    = "segmentd.training.job.start"
	EventTypeProgress = "segmentd.training.job.progress"
	EventTypeExit     = "segmentd.training.job.exit"
)

// Event is a CloudEvents 1.0 document.
type Event struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType, source, subject string, data map[string]any) *Event {
	return &Event{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// jobEvent builds the event for one job transition. The subject is the
// project key so consumers can correlate runs of the same project.
func jobEvent(eventType, source string, job training.Job) *Event {
	data := map[string]any{
		"jobId":    job.ID,
		"key":      job.Key,
		"status":   job.Status,
		"progress": job.Progress,
	}
	switch eventType {
	case EventTypeStart:
		data["config"] = job.Config
	case EventTypeProgress:
		if len(job.Metrics) > 0 {
			data["metrics"] = job.Metrics
		}
	case EventTypeExit:
		data["durationSeconds"] = job.Duration().Seconds()
		if job.ExitCode != nil {
			data["exitCode"] = *job.ExitCode
		}
		if job.Error != "" {
			data["error"] = job.Error
		}
		if len(job.Metrics) > 0 {
			data["metrics"] = job.Metrics
		}
		if len(job.Artifacts) > 0 {
			data["artifacts"] = job.Artifacts
		}
		if len(job.MissingArtifacts) > 0 {
			data["missingArtifacts"] = job.MissingArtifacts
		}
	}
	return NewEvent(eventType, source, job.Key, data)
}
