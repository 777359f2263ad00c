// Package workers provides the worker pool that runs API scans. A fixed
// number of workers drain a bounded queue; submissions beyond the queue are
// rejected rather than blocking the caller.
package workers

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/scanning"
)

// Job statuses reported in results and metrics.
const (
	StatusCompleted   = scanning.ResultCompleted
	StatusNoOpenPorts = scanning.ResultNoOpenPorts
	StatusFailed      = "failed"
	StatusCanceled    = scanning.ResultCanceled
	StatusSubmitted   = "submitted"
	StatusRejected    = "rejected"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Observer receives queue level events. *metrics.PrometheusMetrics
// satisfies it.
type Observer interface {
	IncrementJobs(status string)
	SetQueueDepth(depth int)
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Status   string
	Error    error
	Duration time.Duration
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can wait for a worker.
	QueueSize int
	// ShutdownTimeout is how long Shutdown waits before canceling running jobs.
	ShutdownTimeout time.Duration
	// RateLimit is the maximum number of jobs started per second (0 = no limit).
	RateLimit int
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            4,
		QueueSize:       64,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config          Config
	logger          *logging.Logger
	observer        Observer
	limiter         *rate.Limiter
	jobs            chan Job
	results         chan Result
	externalResults chan Result
	wg              sync.WaitGroup
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	startOnce       sync.Once

	// mu guards closed and the close of jobs against concurrent Submit calls.
	mu     sync.RWMutex
	closed bool
}

// New creates a new worker pool with the given configuration.
func New(config Config, logger *logging.Logger, observer Observer) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if logger == nil {
		logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		config:          config,
		logger:          logger.WithComponent("workers"),
		observer:        observer,
		jobs:            make(chan Job, config.QueueSize),
		results:         make(chan Result, config.QueueSize+config.Size),
		externalResults: make(chan Result, config.QueueSize+config.Size),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	if config.RateLimit > 0 {
		pool.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return pool
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.RateLimit)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.work(i)
		}

		go p.processResults()

		metrics.Gauge("worker_pool_size", float64(p.config.Size), metrics.Labels{
			"component": "workers",
		})
	})
}

// Submit queues job. It never blocks: a full queue yields a CodeQueueFull
// error and a pool that is shutting down yields CodeServiceUnavailable.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.NewScanError(errors.CodeServiceUnavailable, "worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		p.logger.Debug("Job submitted to worker pool",
			"job_id", job.ID(),
			"job_type", job.Type())
		metrics.Counter("jobs_submitted_total", metrics.Labels{
			"job_type": job.Type(),
		})
		p.observe(StatusSubmitted)
		return nil
	default:
		metrics.Counter("jobs_rejected_total", metrics.Labels{
			"job_type": job.Type(),
		})
		p.observe(StatusRejected)
		return errors.NewScanError(errors.CodeQueueFull, "job queue is full").
			WithContext("queue_size", p.config.QueueSize)
	}
}

// Results returns a channel for receiving job results. Results are dropped
// when nobody reads them.
func (p *Pool) Results() <-chan Result {
	return p.externalResults
}

// QueueDepth returns the number of jobs waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// Accepting reports whether Submit may still succeed.
func (p *Pool) Accepting() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. After ShutdownTimeout running jobs are canceled; Shutdown still
// waits for them to return.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Shutting down worker pool", "queued", len(p.jobs))

	// A pool that was never started has no workers to drain the queue.
	p.startOnce.Do(func() { close(p.done) })

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	var err error
	timeout := p.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	select {
	case <-finished:
		p.logger.Info("Worker pool shutdown completed")
	case <-time.After(timeout):
		p.logger.Warn("Worker pool shutdown timeout, canceling running jobs")
		err = errors.NewScanError(errors.CodeServiceTimeout, "worker pool shutdown timed out")
		p.cancel()
		<-finished
	}
	p.cancel()

	close(p.results)
	<-p.done
	close(p.externalResults)

	return err
}

// Wait blocks until the pool has shut down.
func (p *Pool) Wait() {
	<-p.done
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", "worker_id", id)
	defer p.logger.Debug("Worker stopped", "worker_id", id)

	for job := range p.jobs {
		p.setQueueDepth()
		p.execute(id, job)
	}
}

// execute runs a single job. Jobs are not retried.
func (p *Pool) execute(workerID int, job Job) {
	timer := metrics.NewTimer("job_duration_seconds", metrics.Labels{
		"job_type": job.Type(),
	})
	defer timer.Stop()

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			p.results <- Result{JobID: job.ID(), JobType: job.Type(), Status: StatusCanceled, Error: err}
			return
		}
	}

	start := time.Now()
	err := job.Execute(p.ctx)
	duration := time.Since(start)
	status := StatusOf(err)

	p.results <- Result{
		JobID:    job.ID(),
		JobType:  job.Type(),
		Status:   status,
		Error:    err,
		Duration: duration,
	}

	if status == StatusFailed {
		p.logger.Error("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"error", err,
			"worker_id", workerID)
		return
	}
	p.logger.Debug("Job finished",
		"job_id", job.ID(),
		"job_type", job.Type(),
		"status", status,
		"duration", duration,
		"worker_id", workerID)
}

// processResults records metrics for every result and forwards it to
// external consumers.
func (p *Pool) processResults() {
	defer close(p.done)

	for result := range p.results {
		select {
		case p.externalResults <- result:
		default:
			// External consumer not reading, continue with metrics
		}

		metrics.Counter("jobs_completed_total", metrics.Labels{
			"job_type": result.JobType,
			"status":   result.Status,
		})
		p.observe(result.Status)
	}
}

func (p *Pool) observe(status string) {
	if p.observer != nil {
		p.observer.IncrementJobs(status)
	}
	p.setQueueDepth()
}

func (p *Pool) setQueueDepth() {
	if p.observer != nil {
		p.observer.SetQueueDepth(len(p.jobs))
	}
}

// StatusOf maps a job error to its result status. A scan that found no open
// port is a normal outcome, not a failure.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.IsNoOpenPorts(err):
		return StatusNoOpenPorts
	case errors.IsCanceled(err),
		stderrors.Is(err, context.Canceled):
		return StatusCanceled
	default:
		return StatusFailed
	}
}

// ScanFunc runs one scan request to completion.
type ScanFunc func(ctx context.Context, req scanning.ScanRequest) error

// ScanJob implements Job for port range scans.
type ScanJob struct {
	id       string
	request  scanning.ScanRequest
	executor ScanFunc
}

// NewScanJob creates a new scan job.
func NewScanJob(id string, request scanning.ScanRequest, executor ScanFunc) *ScanJob {
	return &ScanJob{
		id:       id,
		request:  request,
		executor: executor,
	}
}

// Execute implements the Job interface.
func (j *ScanJob) Execute(ctx context.Context) error {
	return j.executor(ctx, j.request)
}

// ID implements the Job interface.
func (j *ScanJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *ScanJob) Type() string {
	return "scan"
}

// Request returns the scan request the job runs.
func (j *ScanJob) Request() scanning.ScanRequest {
	return j.request
}
