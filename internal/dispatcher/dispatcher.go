// Package dispatcher delivers terminal job events to webhook callbacks
// asynchronously, with buffering, retry and per-host circuit breaking.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"docflow/pkg/cloudevent"
)

var (
	ErrBufferFull = errors.New("callback queue full, event dropped")
	ErrClosed     = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event without blocking. It returns
	// ErrBufferFull when the queue is full and ErrClosed after Close.
	Dispatch(event *Event) error
	Stats() Stats
	// Close delivers queued events; ctx bounds the wait.
	Close(ctx context.Context) error
}

// Event is one callback delivery.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key, empty = unsigned
	Requeues    int    // times parked behind an open circuit
}

// Failure records a delivery that exhausted its retries.
type Failure struct {
	JobID       string    `json:"jobId"`
	Type        string    `json:"type"`
	Destination string    `json:"destination"` // host only
	Error       string    `json:"error"`
	At          time.Time `json:"at"`
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth     int       `json:"queueDepth"`
	Queued         int64     `json:"queued"`
	Delivered      int64     `json:"delivered"`
	Failed         int64     `json:"failed"`
	Dropped        int64     `json:"dropped"`
	Requeued       int64     `json:"requeued"`
	RetriesTotal   int64     `json:"retriesTotal"`
	Parked         int       `json:"parked"` // waiting out an open circuit
	BreakersTotal  int       `json:"breakersTotal"`
	BreakersOpen   int       `json:"breakersOpen"`
	OpenHosts      []string  `json:"openHosts,omitempty"`
	RecentFailures []Failure `json:"recentFailures,omitempty"`
}
