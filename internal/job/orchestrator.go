package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"docflow/internal/apperrors"
	"docflow/internal/cache"
	"docflow/internal/extract"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Cache is the subset of the cache store the orchestrator needs.
type Cache interface {
	Get(d cache.Descriptor) ([]byte, bool)
	Put(d cache.Descriptor, value []byte) bool
}

// Preparer may substitute a local input with a lighter copy before
// extraction. The memory governor implements it.
type Preparer interface {
	Prepare(path string) string
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context)
	RecordJobActive(ctx context.Context, delta int64)
	RecordJobFinished(ctx context.Context, status string, durationSeconds float64)
}

// Config holds configuration for the orchestrator. Extractor is required;
// every other dependency is optional.
type Config struct {
	Workers     int           // pool size (default: 3)
	QueueSize   int           // pending job buffer (default: 1024)
	CallTimeout time.Duration // per extractor call (default: 5m)

	Extractor  extract.Extractor
	Cache      Cache
	Preparer   Preparer
	Progress   ProgressSink
	Completion CompletionSink
	Metrics    MetricsRecorder
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Minute
	}
	return c
}

// Orchestrator runs jobs on a fixed worker pool.
//
// Cancellation is cooperative: a pending job is cancelled outright, a
// running job is marked cancelled and its context is cancelled, and the
// worker discards whatever the extractor returns afterwards.
type Orchestrator struct {
	config  Config
	jobs    *registry
	queue   chan string
	flights singleflight.Group
	logger  *slog.Logger

	admitMu sync.Mutex // serialises admission against Shutdown
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	running    atomic.Int64
}

// New creates an orchestrator and starts its workers.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:     cfg,
		jobs:       newRegistry(),
		queue:      make(chan string, cfg.QueueSize),
		logger:     slog.With("component", "orchestrator"),
		baseCtx:    ctx,
		baseCancel: cancel,
	}

	o.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go o.worker()
	}

	o.logger.Info("Orchestrator started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return o, nil
}

// Submit validates and enqueues one job and returns its id.
func (o *Orchestrator) Submit(req Request) (string, error) {
	ids, err := o.admit([]Request{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitBatch admits every request or none. An empty batch, an invalid
// request or a duplicate id (within the batch or already known) rejects
// the whole batch.
func (o *Orchestrator) SubmitBatch(reqs []Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, apperrors.Validation("requests", "batch is empty")
	}
	return o.admit(reqs)
}

func (o *Orchestrator) admit(reqs []Request) ([]string, error) {
	recs := make([]*record, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	for i := range reqs {
		req := reqs[i]
		if err := validate(&req); err != nil {
			return nil, err
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if _, dup := seen[req.ID]; dup {
			return nil, apperrors.Conflict("job", req.ID, "duplicate id in batch")
		}
		seen[req.ID] = struct{}{}
		req.Options = maps.Clone(req.Options)
		req.Meta = maps.Clone(req.Meta)
		recs = append(recs, &record{
			id:     req.ID,
			req:    req,
			status: StatusPending,
			done:   make(chan struct{}),
		})
	}

	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	if o.closed {
		return nil, apperrors.Unavailable("orchestrator", "shutting down")
	}
	if free := cap(o.queue) - len(o.queue); free < len(recs) {
		return nil, apperrors.Unavailable("queue", fmt.Sprintf("%d slots free, %d requested", free, len(recs)))
	}

	// Hold each job's emit lock until its admitted milestone is out, so a
	// racing Cancel cannot be reported first.
	for _, rec := range recs {
		rec.emitMu.Lock()
	}
	defer func() {
		for _, rec := range recs {
			rec.emitMu.Unlock()
		}
	}()
	if err := o.jobs.add(recs...); err != nil {
		return nil, err
	}

	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.id
		o.notifyProgress(rec.id, ProgressAdmitted, StatusPending)
		if o.config.Metrics != nil {
			o.config.Metrics.RecordJobSubmitted(context.Background())
		}
		// Workers only drain the queue, so the capacity checked above holds.
		o.queue <- rec.id
	}

	o.logger.Debug("Jobs admitted", "count", len(ids))
	return ids, nil
}

// Cancel cancels a pending or running job. It returns false when the job
// is unknown or already terminal.
func (o *Orchestrator) Cancel(id string) bool {
	rec, ok := o.jobs.get(id)
	if !ok {
		return false
	}
	if !o.advance(rec, func(r *record, now time.Time) bool {
		return r.transition(StatusCancelled, now)
	}) {
		return false
	}
	slog.With("jobId", id).Info("Job cancelled")
	return true
}

// CancelAll cancels every non-terminal job and returns how many were
// cancelled.
func (o *Orchestrator) CancelAll() int {
	n := 0
	for _, rec := range o.jobs.active() {
		if o.Cancel(rec.id) {
			n++
		}
	}
	return n
}

// Status returns a snapshot of one job.
func (o *Orchestrator) Status(id string) (View, bool) {
	return o.jobs.view(id)
}

// StatusAll returns snapshots of every known job.
func (o *Orchestrator) StatusAll() map[string]View {
	return o.jobs.list()
}

// Counts returns the number of known jobs per status.
func (o *Orchestrator) Counts() map[Status]int {
	return o.jobs.counts()
}

// Running returns the number of workers currently executing a job.
func (o *Orchestrator) Running() int64 {
	return o.running.Load()
}

// Reap removes terminal jobs except the keepRecent most recently ended.
// Pending and running jobs are never removed.
func (o *Orchestrator) Reap(keepRecent int) int {
	n := o.jobs.reap(keepRecent)
	if n > 0 {
		o.logger.Info("Reaped finished jobs", "removed", n, "kept", keepRecent)
	}
	return n
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (View, error) {
	rec, ok := o.jobs.get(id)
	if !ok {
		return View{}, apperrors.NotFound("job", id)
	}
	select {
	case <-rec.done:
		return o.jobs.snapshot(rec), nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Shutdown stops admission, cancels pending and running jobs and waits for
// the workers until ctx is done. Job records are dropped once the workers
// have exited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.admitMu.Lock()
	if o.closed {
		o.admitMu.Unlock()
		return nil
	}
	o.closed = true
	close(o.queue)
	o.admitMu.Unlock()

	cancelled := o.CancelAll()
	o.baseCancel()
	o.logger.Info("Orchestrator shutting down", "cancelled", cancelled)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.jobs.reset()
		o.logger.Info("Orchestrator shutdown complete")
		return nil
	case <-ctx.Done():
		o.logger.Warn("Orchestrator shutdown timed out", "running", o.running.Load())
		return ctx.Err()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for id := range o.queue {
		o.run(id)
	}
}

// run executes one job. Every failure, including a panic, ends in Failed;
// nothing escapes to the pool.
func (o *Orchestrator) run(id string) {
	rec, ok := o.jobs.get(id)
	if !ok {
		return
	}
	logger := slog.With("jobId", id)

	jobCtx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()

	if !o.advance(rec, func(r *record, now time.Time) bool {
		if !r.transition(StatusRunning, now) {
			return false
		}
		r.cancel = cancel
		return true
	}) {
		return
	}

	o.running.Add(1)
	if o.config.Metrics != nil {
		o.config.Metrics.RecordJobActive(jobCtx, 1)
	}
	defer func() {
		o.running.Add(-1)
		if o.config.Metrics != nil {
			o.config.Metrics.RecordJobActive(context.Background(), -1)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", "panic", r, "stack", string(debug.Stack()))
			o.fail(rec, fmt.Errorf("panic: %v", r))
		}
	}()

	res, hit, err := o.execute(jobCtx, rec, logger)
	if err != nil {
		if o.jobs.status(rec) == StatusCancelled {
			logger.Debug("Discarding error of cancelled job", "error", err)
			return
		}
		logger.Warn("Job failed", "error", err)
		o.fail(rec, err)
		return
	}
	if res == nil {
		return // cancelled at a checkpoint
	}

	completed := o.advance(rec, func(r *record, now time.Time) bool {
		if !r.transition(StatusCompleted, now) {
			return false
		}
		r.result = res
		r.cacheHit = hit
		return true
	})
	if completed {
		logger.Info("Job completed", "cacheHit", hit)
	}
}

// execute performs the cache lookup, preparation and extraction. A nil
// result with a nil error means the job was cancelled at a checkpoint.
func (o *Orchestrator) execute(ctx context.Context, rec *record, logger *slog.Logger) (*extract.Result, bool, error) {
	req := rec.req
	desc, cacheable := o.describe(req, logger)

	if cacheable {
		if data, ok := o.config.Cache.Get(desc); ok {
			var res extract.Result
			if err := json.Unmarshal(data, &res); err == nil {
				return &res, true, nil
			}
			logger.Warn("Discarding undecodable cache entry")
		}
	}

	if !o.checkpoint(rec, ProgressPreCall) {
		return nil, false, nil
	}

	in := extract.Input{Reference: req.Reference, Hint: req.Hint, Options: req.Options}
	if o.config.Preparer != nil && !isRemote(req.Reference) {
		in.Reference = o.config.Preparer.Prepare(req.Reference)
	}

	flightKey := "ref:" + req.Reference
	if cacheable {
		flightKey = desc.Key()
	}
	res, err := o.call(ctx, flightKey, in)

	if o.jobs.status(rec) != StatusRunning {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !o.checkpoint(rec, ProgressPostCall) {
		return nil, false, nil
	}

	if cacheable {
		if data, err := json.Marshal(res); err == nil {
			if !o.config.Cache.Put(desc, data) {
				logger.Debug("Result not fully cached")
			}
		}
	}
	return &res, false, nil
}

// call invokes the extractor under the per-call timeout. Concurrent jobs
// with the same key share one call; if the sharing leader was cancelled,
// the follower retries with its own context.
func (o *Orchestrator) call(ctx context.Context, key string, in extract.Input) (extract.Result, error) {
	for {
		v, err, shared := o.flights.Do(key, func() (_ any, err error) {
			callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("Extractor panicked", "reference", in.Reference, "panic", r, "stack", string(debug.Stack()))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			res, err := o.config.Extractor.Extract(callCtx, in)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("extractor timed out after %s: %w", o.config.CallTimeout, err)
			}
			return res, err
		})
		if shared && errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		if err != nil {
			return extract.Result{}, err
		}
		return v.(extract.Result), nil
	}
}

// describe builds the cache descriptor. Jobs whose fingerprint cannot be
// computed bypass the cache.
func (o *Orchestrator) describe(req Request, logger *slog.Logger) (cache.Descriptor, bool) {
	if o.config.Cache == nil {
		return cache.Descriptor{}, false
	}
	fp, err := fingerprint(req.Reference)
	if err != nil {
		logger.Warn("Cannot fingerprint input, bypassing cache", "error", err)
		return cache.Descriptor{}, false
	}
	return cache.Descriptor{Input: req.Reference, Fingerprint: fp, Hint: req.Hint, Options: req.Options}, true
}

// fingerprint is the SHA-256 of a local file's content, or the reference
// itself for remote inputs.
func fingerprint(ref string) (string, error) {
	if isRemote(ref) {
		return ref, nil
	}
	f, err := os.Open(ref)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// checkpoint records a running milestone. It returns false once the job
// has left the running state.
func (o *Orchestrator) checkpoint(rec *record, percent int) bool {
	return o.advance(rec, func(r *record, _ time.Time) bool {
		if r.status != StatusRunning {
			return false
		}
		r.progress = percent
		return true
	})
}

func (o *Orchestrator) fail(rec *record, err error) {
	o.advance(rec, func(r *record, now time.Time) bool {
		if !r.transition(StatusFailed, now) {
			return false
		}
		r.err = err.Error()
		return true
	})
}

// advance applies fn and, if it reports a change, notifies the sinks.
// emitMu keeps a job's notifications in transition order.
func (o *Orchestrator) advance(rec *record, fn func(r *record, now time.Time) bool) bool {
	rec.emitMu.Lock()
	defer rec.emitMu.Unlock()

	v, ok := o.jobs.update(rec, fn)
	if !ok {
		return false
	}
	o.notifyProgress(v.ID, v.Progress, v.Status)
	if v.Status.Terminal() {
		tr := o.jobs.terminal(rec)
		if o.config.Metrics != nil {
			o.config.Metrics.RecordJobFinished(context.Background(), string(tr.Status), tr.Duration.Seconds())
		}
		o.notifyCompletion(v.ID, tr)
	}
	return true
}

func (o *Orchestrator) notifyProgress(id string, percent int, status Status) {
	if o.config.Progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Progress sink panicked", "jobId", id, "panic", r)
		}
	}()
	o.config.Progress.OnProgress(id, percent, status)
}

func (o *Orchestrator) notifyCompletion(id string, rec TerminalRecord) {
	if o.config.Completion == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Completion sink panicked", "jobId", id, "panic", r)
		}
	}()
	o.config.Completion.OnComplete(id, rec)
}
