package dispatcher

import (
	"context"
	"sync"
	"testing"

	"docflow/internal/extract"
	"docflow/internal/job"
	"docflow/pkg/cloudevent"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (r *recordingDispatcher) Dispatch(event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) Stats() Stats                    { return Stats{} }
func (r *recordingDispatcher) Close(ctx context.Context) error { return nil }

func TestCompletionSink_Routing(t *testing.T) {
	t.Parallel()

	completed := job.TerminalRecord{Status: job.StatusCompleted, Result: &extract.Result{Text: "hi"}, Reference: "a.png"}
	tests := []struct {
		name     string
		defaults CallbackDefaults
		record   job.TerminalRecord
		wantURL  string
		wantKey  string
	}{
		{
			name:   "no callback and no default",
			record: completed,
		},
		{
			name:     "default callback",
			defaults: CallbackDefaults{URL: "https://hooks.example.com/all", SigningKey: "k1"},
			record:   completed,
			wantURL:  "https://hooks.example.com/all",
			wantKey:  "k1",
		},
		{
			name:     "job callback overrides default",
			defaults: CallbackDefaults{URL: "https://hooks.example.com/all", SigningKey: "k1"},
			record: job.TerminalRecord{
				Status:   job.StatusFailed,
				Error:    "boom",
				Callback: &job.Callback{URL: "https://client.example.com/cb", Key: "k2"},
			},
			wantURL: "https://client.example.com/cb",
			wantKey: "k2",
		},
		{
			name:     "job callback keeps default key",
			defaults: CallbackDefaults{SigningKey: "k1"},
			record: job.TerminalRecord{
				Status:   job.StatusCancelled,
				Callback: &job.Callback{URL: "https://client.example.com/cb"},
			},
			wantURL: "https://client.example.com/cb",
			wantKey: "k1",
		},
		{
			name:     "filtered by job events",
			defaults: CallbackDefaults{URL: "https://hooks.example.com/all"},
			record: job.TerminalRecord{
				Status:   job.StatusCompleted,
				Callback: &job.Callback{URL: "https://client.example.com/cb", Events: []string{cloudevent.TypeJobFailed}},
			},
		},
		{
			name:     "filtered by default events",
			defaults: CallbackDefaults{URL: "https://hooks.example.com/all", Events: []string{cloudevent.TypeJobFailed}},
			record:   completed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := &recordingDispatcher{}
			sink := NewCompletionSink(d, job.NewEventBuilder("/docflow/test"), tt.defaults)
			sink.OnComplete("job-1", tt.record)

			if tt.wantURL == "" {
				if len(d.events) != 0 {
					t.Fatalf("expected no event, got %d", len(d.events))
				}
				return
			}
			if len(d.events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(d.events))
			}
			ev := d.events[0]
			if ev.Destination != tt.wantURL || ev.SigningKey != tt.wantKey {
				t.Errorf("event routed to %s with key %q", ev.Destination, ev.SigningKey)
			}
			if ev.Payload.Subject != "job-1" || ev.Payload.Type != job.EventType(tt.record.Status) {
				t.Errorf("unexpected payload %+v", ev.Payload)
			}
		})
	}
}

func TestCompletionSink_DispatchErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{err: ErrBufferFull}
	sink := NewCompletionSink(d, job.NewEventBuilder("/docflow/test"), CallbackDefaults{URL: "https://hooks.example.com"})
	sink.OnComplete("job-1", job.TerminalRecord{Status: job.StatusCompleted})
}
