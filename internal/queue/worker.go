package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/wajourney/internal/logging"
	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// Worker defaults.
const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 10
	DefaultMaxAttempts  = 5
	// DefaultLockTimeout outlasts an advance of the default 50 steps at the
	// default 15s node timeout.
	DefaultLockTimeout = 15 * time.Minute
)

// Handler processes the payload of one job.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Handlers routes job types to their handler.
type Handlers map[schema.JobType]Handler

// Typed decodes the payload into T before calling fn. A payload that does
// not decode fails the job permanently.
func Typed[T any](fn func(ctx context.Context, payload T) error) Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var p T
		if err := json.Unmarshal(raw, &p); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "decode payload: %s", err.Error()).WithCause(err)
		}
		return fn(ctx, p)
	}
}

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	LockTimeout  time.Duration
	Backoff      BackoffPolicy
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max <= 0 {
		c.Backoff = DefaultBackoffPolicy()
	}
	return c
}

// WorkerMetrics is a snapshot of worker counters.
type WorkerMetrics struct {
	Pool      PoolMetrics `json:"pool"`
	Claimed   int64       `json:"claimed"`
	Completed int64       `json:"completed"`
	Retried   int64       `json:"retried"`
	Failed    int64       `json:"failed"`
	Released  int64       `json:"released"`
}

// Worker claims due jobs from the store and dispatches them to handlers.
// Delivery is at least once: handlers must tolerate redelivery.
type Worker struct {
	store    store.Store
	handlers Handlers
	notifier Notifier
	cfg      WorkerConfig
	pool     *WorkerPool
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	claimed   atomic.Int64
	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	released  atomic.Int64
}

// NewWorker creates a Worker. A nil notifier means poll only.
func NewWorker(s store.Store, handlers Handlers, notifier Notifier, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	cfg = cfg.withDefaults()
	return &Worker{
		store:    s,
		handlers: handlers,
		notifier: notifier,
		cfg:      cfg,
		pool:     NewWorkerPool(cfg.BatchSize),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the background polling loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.logger.Info("job worker started",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("batch_size", w.cfg.BatchSize),
	)
	return nil
}

// Stop cancels the loop and waits for in-flight jobs to settle.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.pool.Shutdown()
	w.logger.Info("job worker stopped", slog.String("worker_id", w.cfg.WorkerID))
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.notifier.Wake():
			w.drain(ctx)
		}
	}
}

// drain keeps claiming while batches come back full.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("job poll failed", slog.String("error", err.Error()))
			}
			return
		}
		if n < w.cfg.BatchSize {
			return
		}
	}
}

// RunOnce releases stale locks, claims one batch and blocks until every
// claimed job has settled. It returns the number of jobs claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	released, err := w.store.ReleaseStaleJobs(ctx, now.Add(-w.cfg.LockTimeout))
	if err != nil {
		return 0, err
	}
	if released > 0 {
		w.released.Add(int64(released))
		w.logger.Warn("released stale job locks", slog.Int("count", released))
	}

	jobs, err := w.store.ClaimJobs(ctx, w.cfg.WorkerID, w.cfg.BatchSize, now)
	if err != nil {
		return 0, err
	}
	w.claimed.Add(int64(len(jobs)))

	for i, job := range jobs {
		jobCtx := logging.WithJobID(ctx, job.ID)
		err := w.pool.Submit(jobCtx,
			func(ctx context.Context) error { return w.dispatch(ctx, job) },
			func(err error) { w.settle(jobCtx, job, err) },
		)
		if err != nil {
			// Not started: hand the rest of the batch back untouched.
			for _, rest := range jobs[i:] {
				w.requeue(ctx, rest)
			}
			break
		}
	}
	w.pool.Wait()
	return len(jobs), nil
}

func (w *Worker) dispatch(ctx context.Context, job *store.Job) error {
	handler, ok := w.handlers[job.Type]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeUnknownJobType, "no handler for job type %q", job.Type)
	}
	logging.LogWith(ctx, w.logger).Debug("dispatching job",
		slog.String("job_type", string(job.Type)),
		slog.Int("attempt", job.Attempts+1),
	)
	return handler(ctx, job.Payload)
}

func (w *Worker) settle(ctx context.Context, job *store.Job, err error) {
	logger := logging.LogWith(ctx, w.logger).With(slog.String("job_type", string(job.Type)))
	if err == nil {
		if cerr := w.store.CompleteJob(context.WithoutCancel(ctx), job.ID); cerr != nil {
			logger.Error("failed to complete job", slog.String("error", cerr.Error()))
			return
		}
		w.completed.Add(1)
		return
	}

	// Shutdown interrupted the handler; it is not the job's fault.
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		w.requeue(ctx, job)
		return
	}

	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.cfg.MaxAttempts
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		logger.Error("job handler panicked",
			slog.Any("panic", panicErr.Value),
			slog.String("stack", string(panicErr.Stack)),
		)
	}

	retryable := panicErr != nil || IsRetryableError(err)
	if !retryable || attempts >= maxAttempts {
		if ferr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, attempts, err.Error()); ferr != nil {
			logger.Error("failed to mark job failed", slog.String("error", ferr.Error()))
			return
		}
		w.failed.Add(1)
		logger.Error("job failed permanently",
			slog.Int("attempts", attempts),
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()),
		)
		return
	}

	delay := ComputeBackoff(w.cfg.Backoff, attempts)
	if rerr := w.store.RetryJob(context.WithoutCancel(ctx), job.ID, attempts, w.now().Add(delay), err.Error()); rerr != nil {
		logger.Error("failed to reschedule job", slog.String("error", rerr.Error()))
		return
	}
	w.retried.Add(1)
	logger.Warn("job failed, retrying",
		slog.Int("attempts", attempts),
		slog.Duration("backoff", delay),
		slog.String("error", err.Error()),
	)
}

// requeue returns a claimed job to pending without counting an attempt.
func (w *Worker) requeue(ctx context.Context, job *store.Job) {
	if err := w.store.RetryJob(context.WithoutCancel(ctx), job.ID, job.Attempts, w.now(), job.Error); err != nil {
		w.logger.Error("failed to requeue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Metrics returns a snapshot of the worker counters.
func (w *Worker) Metrics() WorkerMetrics {
	return WorkerMetrics{
		Pool:      w.pool.Metrics(),
		Claimed:   w.claimed.Load(),
		Completed: w.completed.Load(),
		Retried:   w.retried.Load(),
		Failed:    w.failed.Load(),
		Released:  w.released.Load(),
	}
}
