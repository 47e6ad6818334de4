// Package cloudevent provides CloudEvents 1.0 types and an HTTP sender
// for job lifecycle notifications.
package cloudevent

import (
	"errors"
	"time"
)

// Event types emitted for finished jobs.
const (
	TypeJobCompleted = "docflow.job.completed"
	TypeJobFailed    = "docflow.job.failed"
	TypeJobCancelled = "docflow.job.cancelled"
)

// SpecVersion is the only CloudEvents version produced.
const SpecVersion = "1.0"

// CloudEvent is a CloudEvents 1.0 event in structured JSON mode.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a new CloudEvent with default values
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes CloudEvents marks as required.
func (e *CloudEvent) Validate() error {
	switch {
	case e == nil:
		return errors.New("event is nil")
	case e.SpecVersion != SpecVersion:
		return errors.New("unsupported specversion " + e.SpecVersion)
	case e.Type == "":
		return errors.New("type is required")
	case e.Source == "":
		return errors.New("source is required")
	case e.ID == "":
		return errors.New("id is required")
	}
	return nil
}
