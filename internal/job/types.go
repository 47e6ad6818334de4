// Package job implements the task orchestrator: a fixed worker pool that
// runs extraction jobs, tracks their lifecycle and reports progress.
package job

import (
	"time"

	"docflow/internal/extract"
)

// Status is a job's lifecycle state. Transitions only move forward:
// pending -> running -> completed|failed|cancelled, or pending -> cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// canTransition reports whether from -> to is a legal step.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Progress milestones reported to the progress sink.
const (
	ProgressAdmitted   = 0
	ProgressDispatched = 10
	ProgressPreCall    = 30
	ProgressPostCall   = 90
	ProgressTerminal   = 100
)

// Request is one job submission. ID is optional; one is minted when empty.
type Request struct {
	ID        string            `json:"id,omitempty"`
	Reference string            `json:"reference"`
	Hint      string            `json:"hint,omitempty"`
	Options   map[string]any    `json:"options,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Callback  *Callback         `json:"callback,omitempty"`
}

// Callback routes terminal events for one job to a webhook.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// View is a snapshot of a job. It holds no live references and is safe to
// serialise or hand across goroutines.
type View struct {
	ID          string            `json:"id"`
	Reference   string            `json:"reference"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	Result      *extract.Result   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CacheHit    bool              `json:"cacheHit,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	SubmittedAt time.Time         `json:"submittedAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	EndedAt     *time.Time        `json:"endedAt,omitempty"`
}

// TerminalRecord is delivered to the completion sink once per job.
type TerminalRecord struct {
	Status    Status            `json:"status"`
	Result    *extract.Result   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Reference string            `json:"reference"`
	Meta      map[string]string `json:"meta,omitempty"`
	Callback  *Callback         `json:"-"`
}
