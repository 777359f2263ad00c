package scanning

import (
	"context"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
)

// Terminal scan statuses, used as metric labels and in API responses.
const (
	ResultCompleted   = "completed"
	ResultNoOpenPorts = "no_open_ports"
	ResultCanceled    = "canceled"
)

// Options configures an Engine. Zero values select the defaults: unbounded
// fan-out, the platform connect timeout, a plain net.Dialer, no resolver,
// no metrics and the default logger.
type Options struct {
	// Concurrency caps the number of outstanding attempts; 0 is unbounded.
	Concurrency int
	// ConnectTimeout bounds each attempt; 0 leaves it to the OS.
	ConnectTimeout time.Duration
	Dialer         Dialer
	Resolver       Resolver
	Recorder       metrics.ScanRecorder
	Logger         *logging.Logger
}

// Engine runs port range scans. It is safe for concurrent use; every scan
// owns its own attempt state.
type Engine struct {
	opts Options
}

// NewEngine creates an engine from opts.
func NewEngine(opts Options) *Engine {
	if opts.Dialer == nil {
		opts.Dialer = defaultDialer()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Concurrency < 0 {
		opts.Concurrency = 0
	}
	return &Engine{opts: opts}
}

// WithLimits returns a copy of the engine using the given concurrency and
// connect timeout. Negative values keep the current setting.
func (e *Engine) WithLimits(concurrency int, timeout time.Duration) *Engine {
	opts := e.opts
	if concurrency >= 0 {
		opts.Concurrency = concurrency
	}
	if timeout >= 0 {
		opts.ConnectTimeout = timeout
	}
	return &Engine{opts: opts}
}

// Concurrency returns the configured attempt limit, 0 meaning unbounded.
func (e *Engine) Concurrency() int {
	return e.opts.Concurrency
}

// ConnectTimeout returns the per-attempt timeout, 0 meaning the OS default.
func (e *Engine) ConnectTimeout() time.Duration {
	return e.opts.ConnectTimeout
}

// Scan runs req to completion. It returns the open ports in ascending order,
// or a CodeNoOpenPorts error when every attempt was closed. An invalid request
// is rejected before any attempt starts. When ctx is canceled before every
// port was attempted, the scan ends with a CodeCanceled error and no result.
func (e *Engine) Scan(ctx context.Context, req ScanRequest, sink ProgressSink) (*ScanResult, error) {
	job, err := e.Start(ctx, req, sink)
	if err != nil {
		return nil, err
	}
	return job.Wait()
}

// Start validates req and launches its attempts in the background. The
// returned Job finishes exactly once, after sink has seen one event per port.
func (e *Engine) Start(ctx context.Context, req ScanRequest, sink ProgressSink) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NopSink{}
	}

	job := newJob(uuid.NewString(), req, sink)
	job.logger = e.opts.Logger.WithComponent("engine").WithScanID(job.ID).WithTarget(req.Host)
	job.recorder = e.opts.Recorder

	e.opts.Recorder.ScanStarted()
	job.logger.Info("Starting scan",
		"start_port", req.StartPort,
		"end_port", req.EndPort,
		"total", job.total,
		"concurrency", e.opts.Concurrency)

	go e.run(ctx, job)
	return job, nil
}

// run issues one attempt per port. Launching may wait on the limiter, but it
// never waits for an attempt to finish.
func (e *Engine) run(ctx context.Context, job *Job) {
	address := e.resolve(ctx, job)
	job.setAddress(address)

	lim := newLimiter(e.opts.Concurrency)
	for port := job.Request.StartPort; port <= job.Request.EndPort; port++ {
		if err := lim.Acquire(ctx); err != nil {
			job.logger.DebugAttempt("Attempt not started", port, "error", err)
			job.record(port, StatusClosed, true)
			continue
		}
		go func(port int) {
			defer lim.Release()
			e.attempt(ctx, job, address, port)
		}(port)
	}
}

func (e *Engine) resolve(ctx context.Context, job *Job) string {
	if e.opts.Resolver == nil {
		return job.Request.Host
	}
	addr, err := e.opts.Resolver.Resolve(ctx, job.Request.Host)
	if err != nil || addr == "" {
		job.logger.Warn("Host resolution failed, dialing host as given", "error", err)
		return job.Request.Host
	}
	if addr != job.Request.Host {
		job.logger.Debug("Resolved host", "address", addr)
	}
	return addr
}

func (e *Engine) attempt(ctx context.Context, job *Job, address string, port int) {
	e.opts.Recorder.AttemptStarted()
	status := e.probe(ctx, job.logger, address, port)
	e.opts.Recorder.AttemptFinished(string(status))
	// A dial cut short by the scan context did not observe the port.
	job.record(port, status, status == StatusClosed && ctx.Err() != nil)
}

// probe dials once. A successful connection is closed immediately; every
// dial error counts as closed.
func (e *Engine) probe(ctx context.Context, logger *logging.Logger, address string, port int) PortStatus {
	if e.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ConnectTimeout)
		defer cancel()
	}

	conn, err := e.opts.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		logger.DebugAttempt("Port closed", port, "error", err)
		return StatusClosed
	}
	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.DebugAttempt("Closing probe connection failed", port, "error", cerr)
		}
	}
	return StatusOpen
}

// Job tracks one running scan.
type Job struct {
	ID      string
	Request ScanRequest

	total    int
	sink     ProgressSink
	logger   *logging.Logger
	recorder metrics.ScanRecorder
	started  time.Time

	completed atomic.Int64

	mu          sync.Mutex
	address     string
	outstanding int
	open        []int
	closed      int
	interrupted bool
	finished    bool
	result      *ScanResult
	err         error
	done        chan struct{}
}

func newJob(id string, req ScanRequest, sink ProgressSink) *Job {
	total := req.TotalAttempts()
	return &Job{
		ID:          id,
		Request:     req,
		total:       total,
		sink:        sink,
		logger:      logging.Default(),
		recorder:    metrics.NopRecorder{},
		started:     time.Now(),
		outstanding: total,
		address:     req.Host,
		done:        make(chan struct{}),
	}
}

func (j *Job) setAddress(address string) {
	j.mu.Lock()
	j.address = address
	j.mu.Unlock()
}

// record stores the terminal outcome of port, emits its progress event and
// finalizes the job when it was the last outstanding attempt. All of this
// happens under one lock so the final read of the open set cannot race an
// append. interrupted marks an attempt that the scan context stopped.
func (j *Job) record(port int, status PortStatus, interrupted bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.finished {
		j.logger.Error("Attempt recorded after scan finished", "port", port)
		return
	}

	if status == StatusOpen {
		j.open = append(j.open, port)
	} else {
		j.closed++
	}
	if interrupted {
		j.interrupted = true
	}
	j.outstanding--
	completed := int(j.completed.Add(1))

	j.sink.Tick(ProgressEvent{
		Port:      port,
		Status:    status,
		Completed: completed,
		Total:     j.total,
	})

	if j.outstanding == 0 {
		j.finish()
	}
}

// finish must be called with j.mu held.
func (j *Job) finish() {
	j.finished = true
	end := time.Now()
	duration := end.Sub(j.started)

	status := ResultCompleted
	switch {
	case j.interrupted:
		status = ResultCanceled
		j.err = errors.ErrScanCanceled(j.Request.Host, j.Request.StartPort, j.Request.EndPort)
		j.logger.Info("Scan interrupted",
			"open", len(j.open),
			"closed", j.closed,
			"duration", duration)
	case len(j.open) == 0:
		status = ResultNoOpenPorts
		j.err = errors.ErrNoOpenPorts(j.Request.Host, j.Request.StartPort, j.Request.EndPort)
		j.logger.Info("Scan finished, no port is open", "closed", j.closed, "duration", duration)
	default:
		ports := slices.Clone(j.open)
		slices.Sort(ports)
		j.result = &ScanResult{
			ID:          j.ID,
			Host:        j.Request.Host,
			Address:     j.address,
			StartPort:   j.Request.StartPort,
			EndPort:     j.Request.EndPort,
			OpenPorts:   ports,
			ClosedCount: j.closed,
			StartTime:   j.started,
			EndTime:     end,
			Duration:    duration,
		}
		j.logger.Info("Scan finished",
			"open", len(ports),
			"closed", j.closed,
			"duration", duration)
	}
	j.open = nil

	j.recorder.ScanFinished(status, duration)
	close(j.done)
}

// Total is the number of attempts the job will make.
func (j *Job) Total() int {
	return j.total
}

// Completed is the number of attempts that have finished so far.
func (j *Job) Completed() int {
	return int(j.completed.Load())
}

// Done is closed once the job has a result.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes and returns its outcome.
func (j *Job) Wait() (*ScanResult, error) {
	<-j.done
	return j.result, j.err
}

// Finished reports whether the job has a result.
func (j *Job) Finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}
