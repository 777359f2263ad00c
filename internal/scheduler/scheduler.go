// Package scheduler re-runs port range scans on cron schedules and reports
// how the set of open ports changes between consecutive runs.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/scanning"
)

// Run statuses.
const (
	RunCompleted   = scanning.ResultCompleted
	RunNoOpenPorts = scanning.ResultNoOpenPorts
	RunCanceled    = scanning.ResultCanceled
	RunFailed      = "failed"
)

// Scanner runs one scan to completion. *scanning.Engine satisfies it.
type Scanner interface {
	Scan(ctx context.Context, req scanning.ScanRequest, sink scanning.ProgressSink) (*scanning.ScanResult, error)
}

// RunReport describes one finished run of a scheduled scan.
type RunReport struct {
	JobID     uuid.UUID
	RunID     string
	Name      string
	Request   scanning.ScanRequest
	Status    string
	Err       error
	StartTime time.Time
	EndTime   time.Time

	// OpenPorts is the ascending open set of this run.
	OpenPorts []int
	// Opened and Closed are the ports that changed state since the previous
	// successful run. Both are empty on the first run.
	Opened []int
	Closed []int
	First  bool
}

// Changed reports whether the open set differs from the previous run.
func (r RunReport) Changed() bool {
	return len(r.Opened) > 0 || len(r.Closed) > 0
}

// Options configures a Scheduler.
type Options struct {
	Scanner Scanner
	Logger  *logging.Logger
	// OnRun is called after every run, from the run's goroutine.
	OnRun func(RunReport)
	// Seconds enables a leading seconds field in cron specs.
	Seconds bool
}

// Scheduler manages scheduled scans.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	scanner Scanner
	logger  *logging.Logger
	onRun   func(RunReport)
	jobs    map[uuid.UUID]*ScheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// ScheduledJob is the state kept for one scheduled scan.
type ScheduledJob struct {
	ID       uuid.UUID
	Name     string
	Spec     string
	CronID   cron.EntryID
	Request  scanning.ScanRequest
	Enabled  bool
	Running  bool
	Runs     int
	LastRun  time.Time
	NextRun  time.Time
	LastOpen []int

	hasBaseline bool
}

// NewScheduler creates a new scan scheduler.
func NewScheduler(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	logger := opts.Logger.WithComponent("scheduler")

	fields := cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor
	if opts.Seconds {
		fields |= cron.Second
	}
	parser := cron.NewParser(fields)

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		parser:  parser,
		scanner: opts.Scanner,
		logger:  logger,
		onRun:   opts.OnRun,
		jobs:    make(map[uuid.UUID]*ScheduledJob),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler has been stopped")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops the scheduler, cancels running scans and waits for them to
// return. A stopped scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()

	s.logger.Info("Scheduler stopped")
}

// AddScan schedules req under spec and returns the job ID. The request is
// validated up front so a bad range never reaches cron.
func (s *Scheduler) AddScan(name, spec string, req scanning.ScanRequest) (uuid.UUID, error) {
	if s.scanner == nil {
		return uuid.Nil, fmt.Errorf("scheduler has no scanner")
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}

	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return uuid.Nil, errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression: %v", err), "schedule", spec)
	}

	id := uuid.New()
	if name == "" {
		name = fmt.Sprintf("%s:%d-%d", req.Host, req.StartPort, req.EndPort)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cronID := s.cron.Schedule(schedule, cron.FuncJob(func() { s.execute(id) }))
	s.jobs[id] = &ScheduledJob{
		ID:      id,
		Name:    name,
		Spec:    spec,
		CronID:  cronID,
		Request: req,
		Enabled: true,
		NextRun: schedule.Next(time.Now()),
	}

	s.logger.Info("Added scheduled scan",
		"job_id", id,
		"name", name,
		"schedule", spec,
		"target", req.Host,
		"start_port", req.StartPort,
		"end_port", req.EndPort)
	return id, nil
}

// RemoveJob removes a scheduled job.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return errors.ErrNotFound("scheduled job", jobID.String())
	}

	s.cron.Remove(job.CronID)
	delete(s.jobs, jobID)

	s.logger.Info("Removed scheduled scan", "job_id", jobID, "name", job.Name)
	return nil
}

// EnableJob resumes a disabled job.
func (s *Scheduler) EnableJob(jobID uuid.UUID) error {
	return s.setJobEnabled(jobID, true)
}

// DisableJob keeps a job scheduled but skips its runs.
func (s *Scheduler) DisableJob(jobID uuid.UUID) error {
	return s.setJobEnabled(jobID, false)
}

func (s *Scheduler) setJobEnabled(jobID uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return errors.ErrNotFound("scheduled job", jobID.String())
	}
	job.Enabled = enabled
	return nil
}

// GetJobs returns a snapshot of all scheduled jobs.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot := *job
		snapshot.LastOpen = slices.Clone(job.LastOpen)
		if entry := s.cron.Entry(job.CronID); entry.Valid() && !entry.Next.IsZero() {
			snapshot.NextRun = entry.Next
		}
		jobs = append(jobs, snapshot)
	}
	slices.SortFunc(jobs, func(a, b ScheduledJob) int {
		return a.NextRun.Compare(b.NextRun)
	})
	return jobs
}

// RunNow runs a job immediately in the calling goroutine, outside its
// schedule. It is skipped like a scheduled run if the job is already running.
func (s *Scheduler) RunNow(jobID uuid.UUID) error {
	s.mu.RLock()
	_, exists := s.jobs[jobID]
	s.mu.RUnlock()
	if !exists {
		return errors.ErrNotFound("scheduled job", jobID.String())
	}
	s.execute(jobID)
	return nil
}

// execute runs one scan for jobID and reports the change in its open set.
func (s *Scheduler) execute(jobID uuid.UUID) {
	job, ok := s.prepareJobExecution(jobID)
	if !ok {
		return
	}
	defer s.cleanupJobExecution(jobID)

	runID := uuid.NewString()
	logger := s.logger.WithScanID(runID).WithTarget(job.Request.Host).WithFields("job_id", jobID)
	logger.Info("Executing scheduled scan", "name", job.Name)

	report := RunReport{
		JobID:     jobID,
		RunID:     runID,
		Name:      job.Name,
		Request:   job.Request,
		StartTime: time.Now(),
	}

	result, err := s.scanner.Scan(s.ctx, job.Request, nil)
	report.EndTime = time.Now()

	switch {
	case err == nil:
		report.Status = RunCompleted
		report.OpenPorts = slices.Clone(result.OpenPorts)
	case errors.IsNoOpenPorts(err):
		report.Status = RunNoOpenPorts
	case errors.IsCanceled(err):
		report.Status = RunCanceled
		report.Err = err
	default:
		report.Status = RunFailed
		report.Err = err
	}

	// Only a run that attempted every port can serve as a baseline.
	if report.Status == RunCompleted || report.Status == RunNoOpenPorts {
		s.mu.Lock()
		report.First = !job.hasBaseline
		if job.hasBaseline {
			report.Opened, report.Closed = Diff(job.LastOpen, report.OpenPorts)
		}
		job.LastOpen = slices.Clone(report.OpenPorts)
		job.hasBaseline = true
		s.mu.Unlock()
	}

	metrics.Counter(metrics.MetricScheduledRuns, metrics.Labels{
		metrics.LabelStatus: report.Status,
	})

	switch {
	case report.Status == RunFailed:
		logger.Error("Scheduled scan failed", "error", err)
	case report.Status == RunCanceled:
		logger.Info("Scheduled scan interrupted", "name", job.Name)
	case report.Changed():
		logger.Info("Open ports changed",
			"opened", report.Opened,
			"closed", report.Closed,
			"open", report.OpenPorts)
	default:
		logger.Info("Scheduled scan completed", "status", report.Status, "open", report.OpenPorts)
	}

	if s.onRun != nil {
		s.onRun(report)
	}
}

// prepareJobExecution marks a job running unless it is unknown, disabled or
// still busy with a previous run.
func (s *Scheduler) prepareJobExecution(jobID uuid.UUID) (*ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists || !job.Enabled {
		return nil, false
	}
	if job.Running {
		s.logger.Warn("Scheduled scan is still running, skipping", "job_id", jobID, "name", job.Name)
		return nil, false
	}

	job.Running = true
	job.Runs++
	job.LastRun = time.Now()
	return job, true
}

// cleanupJobExecution marks the job as no longer running.
func (s *Scheduler) cleanupJobExecution(jobID uuid.UUID) {
	s.mu.Lock()
	if job, exists := s.jobs[jobID]; exists {
		job.Running = false
	}
	s.mu.Unlock()
}

// Diff compares two ascending port sets and returns the ports only in next
// (opened) and the ports only in prev (closed), both ascending.
func Diff(prev, next []int) (opened, closed []int) {
	i, j := 0, 0
	for i < len(prev) && j < len(next) {
		switch {
		case prev[i] == next[j]:
			i++
			j++
		case prev[i] < next[j]:
			closed = append(closed, prev[i])
			i++
		default:
			opened = append(opened, next[j])
			j++
		}
	}
	closed = append(closed, prev[i:]...)
	opened = append(opened, next[j:]...)
	return opened, closed
}

// cronLogger adapts the portprobe logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
