package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	// DefaultRetention bounds how long a finished job stays pollable.
	DefaultRetention = 30 * time.Minute

	// DefaultTerminalCapacity bounds how many finished jobs are retained.
	DefaultTerminalCapacity = 256
)

// Registry is the in-memory synchronization point for all jobs. Active jobs
// live in a map of per-entry locked records so progress updates on unrelated
// jobs never serialize behind one another; finished jobs move into a
// capacity- and time-bounded cache and stay pollable until evicted.
type Registry struct {
	mu       sync.Mutex
	active   map[string]*record
	terminal *expirable.LRU[string, Job]

	now    func() time.Time
	logger *zap.Logger
}

// record pairs one job with its entry lock. The worker owning the job is the
// only writer after creation; pollers take the lock briefly to copy.
type record struct {
	mu  sync.Mutex
	job Job
}

// RegistryOptions tunes retention of finished jobs.
type RegistryOptions struct {
	Retention        time.Duration
	TerminalCapacity int
	Logger           *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.TerminalCapacity <= 0 {
		opts.TerminalCapacity = DefaultTerminalCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Registry{
		active:   make(map[string]*record),
		terminal: expirable.NewLRU[string, Job](opts.TerminalCapacity, nil, opts.Retention),
		now:      time.Now,
		logger:   opts.Logger,
	}
}

// Create allocates a fresh job in queued state and returns its snapshot.
// Identifiers are unique across the registry's lifetime.
func (r *Registry) Create() Job {
	j := Job{
		ID:        uuid.NewString(),
		State:     StateQueued,
		CreatedAt: r.now().UTC(),
		Progress:  Progress{Percent: 0, Phase: PhaseQueued},
	}

	r.mu.Lock()
	r.active[j.ID] = &record{job: j}
	r.mu.Unlock()

	r.logger.Debug("job created", zap.String("job", j.ID))
	return j
}

// Get returns a snapshot of the job, or ErrNotFound for unknown ids. Evicted
// jobs are indistinguishable from ids that never existed.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	rec, ok := r.active[id]
	r.mu.Unlock()

	if ok {
		rec.mu.Lock()
		j := rec.job
		rec.mu.Unlock()
		return j, nil
	}

	if j, ok := r.terminal.Get(id); ok {
		return j, nil
	}

	return Job{}, ErrNotFound
}

// Start moves a queued job to processing. Called once by the worker that
// picked the job up.
func (r *Registry) Start(id string) error {
	return r.update(id, func(j *Job) error {
		if !validTransition(j.State, StateProcessing) {
			return NewError(KindInternal, "invalid transition %s -> %s", j.State, StateProcessing)
		}
		j.State = StateProcessing
		j.StartedAt = r.now().UTC()
		return nil
	})
}

// SetProgress publishes a progress milestone for a processing job. Updates
// that would move the percentage backwards are dropped.
func (r *Registry) SetProgress(id string, percent int, phase string) error {
	return r.update(id, func(j *Job) error {
		if j.State != StateProcessing {
			return NewError(KindInternal, "progress update on %s job", j.State)
		}
		if percent < j.Progress.Percent {
			return nil
		}
		j.Progress = Progress{Percent: percent, Phase: phase}
		return nil
	})
}

// Complete moves a processing job to done, publishing the transcript
// atomically with the state change.
func (r *Registry) Complete(id, transcript string) error {
	return r.finish(id, StateDone, func(j *Job) {
		j.Result = transcript
		j.Progress = Progress{Percent: 100, Phase: PhaseFinished}
	})
}

// Fail moves a processing job to failed, publishing the structured error
// atomically with the state change.
func (r *Registry) Fail(id string, jobErr *Error) error {
	if jobErr == nil {
		jobErr = NewError(KindInternal, "job failed without error detail")
	}
	return r.finish(id, StateFailed, func(j *Job) {
		j.Err = jobErr
	})
}

// Evict drops a finished job's bookkeeping. It is a no-op for in-flight or
// unknown ids so eviction can never interrupt running work.
func (r *Registry) Evict(id string) {
	r.terminal.Remove(id)
}

// ActiveLen reports the number of jobs not yet in a terminal state.
func (r *Registry) ActiveLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// update applies fn to an active job under its entry lock.
func (r *Registry) update(id string, fn func(*Job) error) error {
	r.mu.Lock()
	rec, ok := r.active[id]
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return fn(&rec.job)
}

// finish applies a terminal transition and moves the job into the bounded
// terminal cache. Both locks are held so no poller observes the job absent
// from either side of the move.
func (r *Registry) finish(id string, to State, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active[id]
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !validTransition(rec.job.State, to) {
		return NewError(KindInternal, "invalid transition %s -> %s", rec.job.State, to)
	}

	rec.job.State = to
	rec.job.CompletedAt = r.now().UTC()
	fn(&rec.job)

	r.terminal.Add(id, rec.job)
	delete(r.active, id)

	r.logger.Debug("job finished", zap.String("job", id), zap.String("state", string(to)))
	return nil
}
