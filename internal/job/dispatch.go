package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultConcurrency bounds parallel engine invocations. The engine
	// holds a loaded model per invocation, so the default stays small.
	DefaultConcurrency = 2

	// DefaultJobTimeout is the per-job ceiling on one engine invocation.
	DefaultJobTimeout = 10 * time.Minute
)

// ErrDispatcherClosed is returned by Submit after shutdown has begun.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// RunFunc executes the engine against one staged audio file. Implementations
// report coarse progress through the supplied callback.
type RunFunc func(ctx context.Context, audioPath string, progress func(percent int, phase string)) (string, error)

// Dispatcher runs submitted jobs on a slot-bounded pool of goroutines and
// feeds every outcome back into the registry. Submission is fire-and-forget;
// a job whose upload connection drops still runs to completion.
type Dispatcher struct {
	reg     *Registry
	run     RunFunc
	release func(id string)
	slots   *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOptions configures the worker pool.
type DispatcherOptions struct {
	// Run invokes the engine. Required.
	Run RunFunc

	// Release frees the job's staged audio once the job is terminal.
	Release func(id string)

	// Concurrency is the number of pool slots.
	Concurrency int

	// JobTimeout bounds one engine invocation.
	JobTimeout time.Duration

	Logger *zap.Logger
}

// NewDispatcher creates a dispatcher feeding results into reg.
func NewDispatcher(reg *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Release == nil {
		opts.Release = func(string) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		reg:     reg,
		run:     opts.Run,
		release: opts.Release,
		slots:   semaphore.NewWeighted(int64(opts.Concurrency)),
		timeout: opts.JobTimeout,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit schedules a created job for execution. The job stays queued until a
// pool slot frees; queued time is unbounded but observable via its phase.
func (d *Dispatcher) Submit(id, audioPath string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.work(id, audioPath)
	return nil
}

// Close stops accepting jobs and waits for in-flight workers. When ctx
// expires first, remaining engine invocations are canceled and abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work(id, audioPath string) {
	defer d.wg.Done()

	if err := d.slots.Acquire(d.ctx, 1); err != nil {
		// Shutdown won the race; the queued job dies with the process.
		d.logger.Warn("job abandoned before slot acquisition", zap.String("job", id), zap.Error(err))
		return
	}
	defer d.slots.Release(1)

	if err := d.reg.Start(id); err != nil {
		d.logger.Error("job could not start", zap.String("job", id), zap.Error(err))
		return
	}
	_ = d.reg.SetProgress(id, 10, PhaseStaging)

	runCtx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	started := time.Now()
	transcript, err := d.invoke(runCtx, id, audioPath)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		if err := d.reg.Complete(id, transcript); err != nil {
			d.logger.Error("publish result", zap.String("job", id), zap.Error(err))
		}
		d.logger.Info("job done", zap.String("job", id), zap.Duration("elapsed", elapsed), zap.Int("chars", len(transcript)))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		failErr := NewError(KindTimeout, "transcription exceeded %s ceiling", d.timeout)
		if err := d.reg.Fail(id, failErr); err != nil {
			d.logger.Error("publish timeout", zap.String("job", id), zap.Error(err))
		}
		d.logger.Warn("job timed out", zap.String("job", id), zap.Duration("elapsed", elapsed))
	default:
		if err := d.reg.Fail(id, AsError(err)); err != nil {
			d.logger.Error("publish failure", zap.String("job", id), zap.Error(err))
		}
		d.logger.Warn("job failed", zap.String("job", id), zap.Duration("elapsed", elapsed), zap.Error(err))
	}

	d.release(id)
}

// invoke runs the engine off the worker goroutine so the timeout guard fires
// even when an engine invocation never observes its context. A timed-out
// invocation is abandoned, not killed; its slot is handed to the next job.
// Panics are converted to errors so a pathological input can never wedge a
// job in processing or kill the pool.
func (d *Dispatcher) invoke(ctx context.Context, id, audioPath string) (string, error) {
	type outcome struct {
		text string
		err  error
	}
	outcomes := make(chan outcome, 1)

	go func() {
		var out outcome
		defer func() {
			if v := recover(); v != nil {
				out = outcome{err: NewError(KindInternal, "worker panic: %v", v)}
			}
			outcomes <- out
		}()

		progress := func(percent int, phase string) {
			_ = d.reg.SetProgress(id, percent, phase)
		}

		text, err := d.run(ctx, audioPath, progress)
		out = outcome{text: text, err: err}
	}()

	select {
	case out := <-outcomes:
		return out.text, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
