package jobs

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"opencopilot/internal/clock"
	"opencopilot/internal/metrics"
	"opencopilot/internal/telemetry"
)

// Backoff policy for retryable failures.
const (
	backoffBase   = 1 * time.Second
	backoffFactor = 2
	backoffJitter = 0.2
	backoffCap    = 5 * time.Minute
)

// Config tunes the dispatcher.
type Config struct {
	MaxConcurrency int           // worker count, default 4
	MaxRetries     int           // retry budget per job; zero disables retries, negative selects 3
	JobTimeout     time.Duration // per-job deadline, default 30m
	QueueCapacity  int           // default 64
	DedupTTL       time.Duration // default 2x JobTimeout
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 2 * c.JobTimeout
	}
	return c
}

type jobState struct {
	cancelCh chan struct{}
	once     sync.Once
	attempts int
}

// Dispatcher admits, deduplicates, schedules, retries and cancels
// background jobs over a pool of workers.
type Dispatcher struct {
	cfg     Config
	queue   *Queue
	status  StatusStore
	dedup   *Deduplicator
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]Handler
	states   map[string]*jobState

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool

	// OnTerminal, when set, is invoked after a job reaches a terminal
	// status (including cancellation while still queued and retry
	// exhaustion). Wiring uses it to finalize the owning task record and
	// emit notifications.
	OnTerminal func(job *Job, status Status, lastError string)
}

// NewDispatcher wires the dispatcher from its explicit collaborators.
// logger and m may be nil.
func NewDispatcher(cfg Config, status StatusStore, dedup *Deduplicator, c clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	cfg = cfg.withDefaults()
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		queue:    NewQueue(cfg.QueueCapacity),
		status:   status,
		dedup:    dedup,
		clock:    c,
		logger:   logger,
		metrics:  m,
		handlers: make(map[string]Handler),
		states:   make(map[string]*jobState),
	}
}

// Register binds a handler to a job type. It must be called before Start.
func (d *Dispatcher) Register(jobType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = h
}

// Start launches the worker pool. ctx bounds the dispatcher lifetime.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.rootCtx, d.rootCancel = context.WithCancel(ctx)
	d.mu.Unlock()

	d.logger.Info("starting job dispatcher", "workers", d.cfg.MaxConcurrency)
	for i := 0; i < d.cfg.MaxConcurrency; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Shutdown stops accepting work, cancels running jobs and waits for workers.
func (d *Dispatcher) Shutdown() {
	d.queue.Close()
	if d.rootCancel != nil {
		d.rootCancel()
	}
	d.wg.Wait()
	d.logger.Info("job dispatcher stopped")
}

// Dispatch admits a job: fingerprint, dedup registration, status record,
// enqueue. It returns false when the job was deduplicated against an
// in-flight one or could not be enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) bool {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := d.clock.Now()
	fingerprint := job.Fingerprint()

	if !d.dedup.TryRegister(fingerprint, job.ID, d.cfg.DedupTTL) {
		active, _ := d.dedup.GetActive(fingerprint)
		d.logger.Info("job deduplicated", "job_id", job.ID, "job_type", job.Type, "duplicate_of", active)
		meta := map[string]string{"deduplicated": "true"}
		if active != "" {
			meta["duplicate_of"] = active
		}
		d.setStatus(StatusInfo{
			JobID:     job.ID,
			Type:      job.Type,
			Status:    StatusQueued,
			CreatedAt: now,
			Metadata:  meta,
		})
		if d.metrics != nil {
			d.metrics.JobsDeduped.WithLabelValues(job.Type).Inc()
		}
		return false
	}

	d.mu.Lock()
	d.states[job.ID] = &jobState{cancelCh: make(chan struct{})}
	d.mu.Unlock()

	d.setStatus(StatusInfo{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    StatusQueued,
		CreatedAt: now,
		Metadata:  job.Metadata,
	})

	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.logger.Error("failed to enqueue job", "job_id", job.ID, "error", err)
		d.dedup.Release(fingerprint)
		d.forget(job.ID)
		return false
	}

	if d.metrics != nil {
		d.metrics.JobsDispatched.WithLabelValues(job.Type).Inc()
		d.metrics.QueueDepth.Set(float64(d.queue.Len()))
	}
	return true
}

// CancelJob trips the cancellation token of a queued or running job.
// Unknown or already-terminal ids return false.
func (d *Dispatcher) CancelJob(jobID string) bool {
	d.mu.Lock()
	state, ok := d.states[jobID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	state.once.Do(func() { close(state.cancelCh) })
	d.logger.Info("job cancellation requested", "job_id", jobID)
	return true
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		job, err := d.queue.Dequeue(d.rootCtx)
		if err != nil {
			return
		}
		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(d.queue.Len()))
			d.metrics.WorkersBusy.Inc()
		}
		d.runJob(job)
		if d.metrics != nil {
			d.metrics.WorkersBusy.Dec()
		}
	}
}

func (d *Dispatcher) runJob(job *Job) {
	logger := telemetry.JobLogger(d.logger, job.ID, job.Type)

	d.mu.Lock()
	state, ok := d.states[job.ID]
	if !ok {
		state = &jobState{cancelCh: make(chan struct{})}
		d.states[job.ID] = state
	}
	state.attempts++
	attempt := state.attempts
	handler := d.handlers[job.Type]
	d.mu.Unlock()

	// Cancelled while still queued.
	select {
	case <-state.cancelCh:
		d.finish(job, StatusCancelled, attempt, "cancelled before start", nil)
		return
	default:
	}

	if handler == nil {
		logger.Error("no handler registered for job type")
		d.finish(job, StatusFailed, attempt, "no handler registered for type "+job.Type, nil)
		return
	}

	started := d.clock.Now()
	d.setStatus(StatusInfo{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    StatusRunning,
		CreatedAt: started,
		StartedAt: &started,
		Attempts:  attempt,
		Metadata:  job.Metadata,
	})

	ctx, cancel := context.WithTimeout(d.rootCtx, d.cfg.JobTimeout)
	stop := make(chan struct{})
	go func() {
		select {
		case <-state.cancelCh:
			cancel()
		case <-stop:
		}
	}()

	logger.Info("job started", "attempt", attempt)
	result, err := handler.Handle(ctx, job)
	close(stop)
	cancel()

	if d.metrics != nil {
		d.metrics.JobDuration.WithLabelValues(job.Type).Observe(d.clock.Now().Sub(started).Seconds())
	}

	switch {
	case err != nil && isCancellation(err):
		logger.Info("job cancelled", "attempt", attempt)
		d.finish(job, StatusCancelled, attempt, err.Error(), nil)

	case err != nil:
		// Handlers report failures via Result; a raw error is treated as a
		// retryable failure.
		d.afterFailure(job, logger, attempt, Result{Error: err.Error(), ShouldRetry: true})

	case result.Success:
		logger.Info("job completed", "attempt", attempt)
		d.finish(job, StatusCompleted, attempt, "", result.Data)

	default:
		d.afterFailure(job, logger, attempt, result)
	}
}

func (d *Dispatcher) afterFailure(job *Job, logger *slog.Logger, attempt int, result Result) {
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}

	if result.ShouldRetry && attempt <= maxRetries {
		delay := retryDelayFn(attempt)
		logger.Warn("job failed, scheduling retry", "attempt", attempt, "delay", delay, "error", result.Error)
		d.setStatus(StatusInfo{
			JobID:     job.ID,
			Type:      job.Type,
			Status:    StatusQueued,
			CreatedAt: d.clock.Now(),
			Attempts:  attempt,
			LastError: result.Error,
			Metadata:  job.Metadata,
		})
		if d.metrics != nil {
			d.metrics.JobRetries.WithLabelValues(job.Type).Inc()
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case <-d.rootCtx.Done():
				return
			case <-time.After(delay):
			}
			if err := d.queue.Enqueue(d.rootCtx, job); err != nil {
				logger.Error("failed to re-enqueue job", "error", err)
				d.finish(job, StatusFailed, attempt, result.Error, nil)
			}
		}()
		return
	}

	logger.Error("job failed terminally", "attempt", attempt, "error", result.Error)
	d.finish(job, StatusFailed, attempt, result.Error, result.Data)
}

// finish records a terminal status and releases per-job state.
func (d *Dispatcher) finish(job *Job, status Status, attempts int, lastError string, data map[string]string) {
	now := d.clock.Now()
	d.setStatus(StatusInfo{
		JobID:       job.ID,
		Type:        job.Type,
		Status:      status,
		CreatedAt:   now,
		CompletedAt: &now,
		Attempts:    attempts,
		LastError:   lastError,
		Result:      data,
		Metadata:    job.Metadata,
	})
	d.dedup.Release(job.Fingerprint())
	d.forget(job.ID)
	if d.metrics != nil {
		d.metrics.JobsCompleted.WithLabelValues(job.Type, string(status)).Inc()
	}
	if d.OnTerminal != nil {
		d.OnTerminal(job, status, lastError)
	}
}

func (d *Dispatcher) forget(jobID string) {
	d.mu.Lock()
	delete(d.states, jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) setStatus(info StatusInfo) {
	if d.status == nil {
		return
	}
	if err := d.status.Set(context.Background(), info); err != nil {
		d.logger.Warn("failed to persist job status", "job_id", info.JobID, "error", err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// retryDelayFn allows shortening backoff in tests.
var retryDelayFn = retryDelay

// retryDelay computes exponential backoff with jitter for the given attempt
// (1-based): base 1s, factor 2, cap 5min, jitter within ±20%.
func retryDelay(attempt int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	delay = time.Duration(float64(delay) * jitter)
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}
