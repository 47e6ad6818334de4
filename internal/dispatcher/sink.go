package dispatcher

import (
	"log/slog"

	"docflow/internal/job"
)

// CallbackDefaults apply to jobs submitted without their own callback.
type CallbackDefaults struct {
	URL        string   // empty disables callbacks for such jobs
	Events     []string // event type filter, empty = all
	SigningKey string
}

// CompletionSink turns terminal job records into CloudEvents and queues
// them on a dispatcher. It never blocks the worker that reports them.
type CompletionSink struct {
	dispatcher Dispatcher
	builder    *job.EventBuilder
	defaults   CallbackDefaults
	logger     *slog.Logger
}

// NewCompletionSink creates a completion sink delivering through d.
func NewCompletionSink(d Dispatcher, builder *job.EventBuilder, defaults CallbackDefaults) *CompletionSink {
	return &CompletionSink{
		dispatcher: d,
		builder:    builder,
		defaults:   defaults,
		logger:     slog.With("component", "callback-sink"),
	}
}

// OnComplete implements job.CompletionSink.
func (s *CompletionSink) OnComplete(id string, rec job.TerminalRecord) {
	url, filter, key := s.defaults.URL, s.defaults.Events, s.defaults.SigningKey
	if cb := rec.Callback; cb != nil {
		url, filter = cb.URL, cb.Events
		if cb.Key != "" {
			key = cb.Key
		}
	}
	if url == "" {
		return
	}

	event := s.builder.BuildTerminalEvent(id, rec)
	if event == nil || !job.FilteredEvents(event.Type, filter) {
		return
	}
	if err := s.dispatcher.Dispatch(&Event{Payload: event, Destination: url, SigningKey: key}); err != nil {
		s.logger.Warn("Callback not queued", "jobId", id, "type", event.Type, "error", err)
	}
}

var _ job.CompletionSink = (*CompletionSink)(nil)
