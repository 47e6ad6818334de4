package job

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"docflow/internal/apperrors"
	"docflow/internal/extract"
)

// record holds the mutable state of one job. Fields other than emitMu and
// done are guarded by the registry lock.
type record struct {
	id          string
	req         Request
	status      Status
	progress    int
	result      *extract.Result
	err         string
	cacheHit    bool
	submittedAt time.Time
	startedAt   time.Time
	endedAt     time.Time
	cancel      context.CancelFunc // set while running

	// emitMu serialises transition+notify pairs so sinks observe a job's
	// transitions in order.
	emitMu sync.Mutex
	done   chan struct{} // closed on the terminal transition
}

func (r *record) view() View {
	v := View{
		ID:          r.id,
		Reference:   r.req.Reference,
		Status:      r.status,
		Progress:    r.progress,
		Result:      r.result,
		Error:       r.err,
		CacheHit:    r.cacheHit,
		Meta:        maps.Clone(r.req.Meta),
		SubmittedAt: r.submittedAt,
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		v.StartedAt = &t
	}
	if !r.endedAt.IsZero() {
		t := r.endedAt
		v.EndedAt = &t
	}
	if r.result != nil {
		res := *r.result
		res.Metadata = maps.Clone(r.result.Metadata)
		v.Result = &res
	}
	return v
}

func (r *record) terminalRecord() TerminalRecord {
	start := r.startedAt
	if start.IsZero() {
		start = r.submittedAt
	}
	v := r.view()
	return TerminalRecord{
		Status:    r.status,
		Result:    v.Result,
		Error:     r.err,
		Duration:  r.endedAt.Sub(start),
		Reference: r.req.Reference,
		Meta:      v.Meta,
		Callback:  r.req.Callback,
	}
}

// transition moves the record to status if legal. Terminal transitions set
// progress to 100, stamp endedAt, release the job context and close done.
func (r *record) transition(to Status, now time.Time) bool {
	if !canTransition(r.status, to) {
		return false
	}
	r.status = to
	switch {
	case to == StatusRunning:
		r.startedAt = now
		r.progress = ProgressDispatched
	case to.Terminal():
		r.endedAt = now
		r.progress = ProgressTerminal
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		close(r.done)
	}
	return true
}

// registry is the job map. A single coarse lock guards every record.
type registry struct {
	mu   sync.RWMutex
	jobs map[string]*record
	now  func() time.Time
}

func newRegistry() *registry {
	return &registry{
		jobs: make(map[string]*record),
		now:  time.Now,
	}
}

// add inserts all records or none. It fails with a conflict if any id is
// already known.
func (r *registry) add(recs ...*record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range recs {
		if _, exists := r.jobs[rec.id]; exists {
			return apperrors.Conflict("job", rec.id, "job already exists")
		}
	}
	now := r.now()
	for _, rec := range recs {
		rec.submittedAt = now
		r.jobs[rec.id] = rec
	}
	return nil
}

func (r *registry) get(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	return rec, ok
}

// update applies fn to the record under the lock. It returns the resulting
// view and fn's verdict.
func (r *registry) update(rec *record, fn func(rec *record, now time.Time) bool) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := fn(rec, r.now())
	return rec.view(), ok
}

// terminal returns the completion payload for a finished record.
func (r *registry) terminal(rec *record) TerminalRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return rec.terminalRecord()
}

func (r *registry) snapshot(rec *record) View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return rec.view()
}

func (r *registry) status(rec *record) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return rec.status
}

func (r *registry) view(id string) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return View{}, false
	}
	return rec.view(), true
}

func (r *registry) list() map[string]View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]View, len(r.jobs))
	for id, rec := range r.jobs {
		out[id] = rec.view()
	}
	return out
}

// active returns records that have not reached a terminal status.
func (r *registry) active() []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		if !rec.status.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

func (r *registry) counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Status]int, 5)
	for _, rec := range r.jobs {
		out[rec.status]++
	}
	return out
}

// reap removes terminal records except the keep most recently ended.
func (r *registry) reap(keep int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var finished []*record
	for _, rec := range r.jobs {
		if rec.status.Terminal() {
			finished = append(finished, rec)
		}
	}
	if keep < 0 {
		keep = 0
	}
	if len(finished) <= keep {
		return 0
	}
	slices.SortFunc(finished, func(a, b *record) int {
		return b.endedAt.Compare(a.endedAt)
	})
	for _, rec := range finished[keep:] {
		delete(r.jobs, rec.id)
	}
	return len(finished) - keep
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.jobs)
}
