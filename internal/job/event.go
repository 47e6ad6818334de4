package job

import (
	"slices"

	"docflow/pkg/cloudevent"

	"github.com/google/uuid"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventType maps a terminal status to its CloudEvent type. It returns ""
// for non-terminal statuses.
func EventType(status Status) string {
	switch status {
	case StatusCompleted:
		return cloudevent.TypeJobCompleted
	case StatusFailed:
		return cloudevent.TypeJobFailed
	case StatusCancelled:
		return cloudevent.TypeJobCancelled
	default:
		return ""
	}
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(jobID, eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, jobID, uuid.NewString(), data)
}

// BuildTerminalEvent creates the completed, failed or cancelled event for
// a terminal record. It returns nil for a non-terminal status.
func (b *EventBuilder) BuildTerminalEvent(jobID string, rec TerminalRecord) *cloudevent.CloudEvent {
	eventType := EventType(rec.Status)
	if eventType == "" {
		return nil
	}
	data := map[string]any{
		"jobId":      jobID,
		"reference":  rec.Reference,
		"status":     string(rec.Status),
		"durationMs": rec.Duration.Milliseconds(),
		"meta":       rec.Meta,
	}
	if rec.Result != nil {
		data["text"] = rec.Result.Text
		if rec.Result.Pages > 0 {
			data["pages"] = rec.Result.Pages
		}
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	return b.Build(jobID, eventType, data)
}
