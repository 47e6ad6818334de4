package job

import "sync/atomic"

// ProgressSink receives milestone updates. It is called synchronously from
// the worker that owns the job and must return quickly. It must not call
// Cancel for the job it is being notified about.
type ProgressSink interface {
	OnProgress(id string, percent int, status Status)
}

// CompletionSink receives exactly one terminal record per job.
type CompletionSink interface {
	OnComplete(id string, rec TerminalRecord)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(id string, percent int, status Status)

func (f ProgressFunc) OnProgress(id string, percent int, status Status) { f(id, percent, status) }

// CompletionFunc adapts a function to CompletionSink.
type CompletionFunc func(id string, rec TerminalRecord)

func (f CompletionFunc) OnComplete(id string, rec TerminalRecord) { f(id, rec) }

// CompletionSinks fans a terminal record out to every non-nil sink.
func CompletionSinks(sinks ...CompletionSink) CompletionSink {
	var nonNil []CompletionSink
	for _, s := range sinks {
		if s != nil {
			nonNil = append(nonNil, s)
		}
	}
	return CompletionFunc(func(id string, rec TerminalRecord) {
		for _, s := range nonNil {
			s.OnComplete(id, rec)
		}
	})
}

// ProgressEvent is a progress notification delivered through ChannelSink.
type ProgressEvent struct {
	ID      string `json:"id"`
	Percent int    `json:"percent"`
	Status  Status `json:"status"`
}

// CompletionEvent is a terminal notification delivered through ChannelSink.
type CompletionEvent struct {
	ID     string         `json:"id"`
	Record TerminalRecord `json:"record"`
}

// ChannelSink implements both sinks over buffered channels. Sends never
// block: when a buffer is full the event is dropped and counted.
type ChannelSink struct {
	progress    chan ProgressEvent
	completions chan CompletionEvent
	dropped     atomic.Int64
}

// NewChannelSink creates a sink whose channels hold buffer events each.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{
		progress:    make(chan ProgressEvent, buffer),
		completions: make(chan CompletionEvent, buffer),
	}
}

func (s *ChannelSink) OnProgress(id string, percent int, status Status) {
	select {
	case s.progress <- ProgressEvent{ID: id, Percent: percent, Status: status}:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) OnComplete(id string, rec TerminalRecord) {
	select {
	case s.completions <- CompletionEvent{ID: id, Record: rec}:
	default:
		s.dropped.Add(1)
	}
}

// Progress returns the progress event stream.
func (s *ChannelSink) Progress() <-chan ProgressEvent { return s.progress }

// Completions returns the terminal event stream.
func (s *ChannelSink) Completions() <-chan CompletionEvent { return s.completions }

// Dropped returns the number of events discarded because a buffer was full.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

var (
	_ ProgressSink   = (*ChannelSink)(nil)
	_ CompletionSink = (*ChannelSink)(nil)
)
