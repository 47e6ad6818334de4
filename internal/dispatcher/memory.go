package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"docflow/pkg/backoff"
	"docflow/pkg/circuitbreaker"
	"docflow/pkg/cloudevent"
)

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// MemoryDispatcher delivers callbacks from a bounded in-memory queue with a
// fixed pool of workers. Dispatch never blocks: a full queue drops the
// event. Events for a host whose circuit is open are parked for the
// breaker cooldown and queued again.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	mu       sync.Mutex
	parked   map[*Event]*time.Timer
	failures []Failure // ring, newest last

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory creates a dispatcher and starts its workers.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		parked:   make(map[*Event]*time.Timer),
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	go d.pruneBreakers()

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.enqueue(event) {
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
	d.queued.Add(1)
	return nil
}

func (d *MemoryDispatcher) enqueue(event *Event) bool {
	select {
	case d.queue <- event:
		d.reportDepth()
		return true
	default:
		return false
	}
}

func (d *MemoryDispatcher) reportDepth() {
	if d.metrics != nil {
		d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	d.mu.Lock()
	parked := len(d.parked)
	failures := append([]Failure(nil), d.failures...)
	d.mu.Unlock()

	return Stats{
		QueueDepth:     len(d.queue),
		Queued:         d.queued.Load(),
		Delivered:      d.delivered.Load(),
		Failed:         d.failed.Load(),
		Dropped:        d.dropped.Load(),
		Requeued:       d.requeued.Load(),
		RetriesTotal:   d.retriesTotal.Load(),
		Parked:         parked,
		BreakersTotal:  breakerStats.Total,
		BreakersOpen:   breakerStats.Open,
		OpenHosts:      d.breakers.OpenKeys(),
		RecentFailures: failures,
	}
}

// Close stops accepting events, delivers what is already queued and
// drops parked events. ctx bounds the wait for in-flight deliveries.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	d.mu.Lock()
	parked := d.parked
	d.parked = make(map[*Event]*time.Timer)
	d.mu.Unlock()
	for event, timer := range parked {
		if timer.Stop() {
			d.drop(event, "shutdown while circuit open")
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.queue:
			d.reportDepth()
			d.deliver(event)
		case <-d.shutdown:
			// Whatever was admitted before Close still goes out.
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// pruneBreakers forgets breakers of hosts that have gone quiet.
func (d *MemoryDispatcher) pruneBreakers() {
	ticker := time.NewTicker(d.config.BreakerIdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := d.breakers.Prune(d.config.BreakerIdleTTL); n > 0 {
				d.logger.Debug("Pruned idle circuit breakers", "count", n)
			}
		case <-d.shutdown:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := hostOf(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.park(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.send(ctx, event)
	if err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		d.remember(event, err)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Callback delivery failed",
			"destination", host,
			"type", event.Payload.Type,
			"jobId", event.Payload.Subject,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// park holds an event back for one breaker cooldown before queueing it
// again. Events parked more than MaxRequeues times are dropped.
func (d *MemoryDispatcher) park(event *Event, host string) {
	if event.Requeues >= d.config.MaxRequeues {
		d.drop(event, "circuit open")
		return
	}
	event.Requeues++
	requeues, eventType := event.Requeues, event.Payload.Type
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		d.drop(event, "shutdown while circuit open")
		return
	}
	d.parked[event] = time.AfterFunc(d.config.BreakerCooldown, func() {
		d.mu.Lock()
		_, ok := d.parked[event]
		delete(d.parked, event)
		d.mu.Unlock()
		if !ok {
			if d.closed.Load() {
				d.drop(event, "shutdown while circuit open")
			}
			return
		}
		if !d.enqueue(event) {
			d.drop(event, "buffer full on requeue")
			return
		}
		// A worker may own event from here on.
		d.logger.Debug("Callback requeued", "destination", host, "type", eventType, "requeues", requeues)
	})
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Callback dropped",
		"reason", reason,
		"destination", hostOf(event.Destination),
		"type", event.Payload.Type,
		"jobId", event.Payload.Subject,
	)
}

func (d *MemoryDispatcher) remember(event *Event, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, Failure{
		JobID:       event.Payload.Subject,
		Type:        event.Payload.Type,
		Destination: hostOf(event.Destination),
		Error:       err.Error(),
		At:          time.Now().UTC(),
	})
	if n := len(d.failures) - d.config.FailureHistory; n > 0 {
		d.failures = append(d.failures[:0], d.failures[n:]...)
	}
}

// send retries server errors and transport failures. Client errors (4xx)
// are final.
func (d *MemoryDispatcher) send(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}
	retryable := func(err error) bool { return !cloudevent.IsClientError(err) }

	return backoff.Retry(ctx, d.config.MaxRetries+1, &d.config.Backoff, retryable, func(attempt int) error {
		if attempt > 0 {
			d.retriesTotal.Add(1)
		}
		return d.sender.Send(ctx, event.Destination, event.Payload, opts)
	})
}

// hostOf returns the host of a callback URL, or rawURL when it has none.
// Breakers and log lines are keyed by host.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
