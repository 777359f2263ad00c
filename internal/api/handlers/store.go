package handlers

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/scanning"
)

// Scan states reported by the API.
const (
	ScanQueued      = "queued"
	ScanRunning     = "running"
	ScanCompleted   = scanning.ResultCompleted
	ScanNoOpenPorts = scanning.ResultNoOpenPorts
	ScanFailed      = "failed"
	ScanCanceled    = scanning.ResultCanceled
)

// DefaultRetainedScans is how many finished scans a ScanStore keeps.
const DefaultRetainedScans = 1000

// ScanStatus is the API view of one submitted scan.
type ScanStatus struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Host        string     `json:"host"`
	Address     string     `json:"address,omitempty"`
	StartPort   int        `json:"start_port"`
	EndPort     int        `json:"end_port"`
	Concurrency int        `json:"concurrency"`
	TimeoutMS   int64      `json:"timeout_ms"`
	Completed   int        `json:"completed"`
	Total       int        `json:"total"`
	Progress    float64    `json:"progress"`
	OpenPorts   []int      `json:"open_ports"`
	ClosedCount int        `json:"closed_count"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
}

// Finished reports whether the status is terminal.
func (s ScanStatus) Finished() bool {
	switch s.Status {
	case ScanQueued, ScanRunning:
		return false
	default:
		return true
	}
}

// ScanRecord tracks one scan submitted through the API. It is the progress
// sink of its scan and fans events out to websocket subscribers.
type ScanRecord struct {
	ID          string
	Request     scanning.ScanRequest
	Concurrency int
	Timeout     time.Duration
	CreatedAt   time.Time

	mu              sync.Mutex
	status          string
	completed       int
	result          *scanning.ScanResult
	err             error
	startedAt       time.Time
	finishedAt      time.Time
	cancel          context.CancelFunc
	cancelRequested bool
	subs            map[*Subscription]struct{}
	done            chan struct{}
}

// NewScanRecord creates a queued record.
func NewScanRecord(id string, req scanning.ScanRequest, concurrency int, timeout time.Duration) *ScanRecord {
	return &ScanRecord{
		ID:          id,
		Request:     req,
		Concurrency: concurrency,
		Timeout:     timeout,
		CreatedAt:   time.Now().UTC(),
		status:      ScanQueued,
		subs:        make(map[*Subscription]struct{}),
		done:        make(chan struct{}),
	}
}

// begin marks the record running. It returns false when the scan was
// canceled while queued.
func (r *ScanRecord) begin(cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != ScanQueued {
		return false
	}
	r.status = ScanRunning
	r.startedAt = time.Now().UTC()
	r.cancel = cancel
	return true
}

// Tick records a progress event and forwards it to subscribers.
func (r *ScanRecord) Tick(ev scanning.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed = ev.Completed
	for sub := range r.subs {
		sub.push(ev)
	}
}

// finish stores the outcome and closes every subscription. The returned error
// is what the worker pool should see: cancellation wins over the scan error.
func (r *ScanRecord) finish(result *scanning.ScanResult, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isFinished() {
		return r.err
	}

	r.result = result
	r.err = err
	switch {
	case r.cancelRequested:
		r.status = ScanCanceled
		r.err = errors.NewScanErrorWithTarget(errors.CodeCanceled, "scan canceled", r.Request.Host)
	case err == nil:
		r.status = ScanCompleted
	case errors.IsNoOpenPorts(err):
		r.status = ScanNoOpenPorts
	case errors.IsCanceled(err):
		r.status = ScanCanceled
	default:
		r.status = ScanFailed
	}
	r.finishLocked()
	return r.err
}

func (r *ScanRecord) finishLocked() {
	r.finishedAt = time.Now().UTC()
	r.cancel = nil
	for sub := range r.subs {
		sub.close()
	}
	close(r.done)
}

func (r *ScanRecord) isFinished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Cancel stops the scan. A queued scan finishes at once as canceled; a
// running scan stops launching attempts and finishes as canceled. It returns
// false when the scan had already finished.
func (r *ScanRecord) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isFinished() {
		return false
	}
	r.cancelRequested = true
	switch r.status {
	case ScanQueued:
		r.status = ScanCanceled
		r.err = errors.NewScanErrorWithTarget(errors.CodeCanceled, "scan canceled before start", r.Request.Host)
		r.finishLocked()
	case ScanRunning:
		if r.cancel != nil {
			r.cancel()
		}
	}
	return true
}

// Done is closed once the record reaches a terminal state.
func (r *ScanRecord) Done() <-chan struct{} {
	return r.done
}

// Subscribe returns a subscription receiving every progress event after this
// call, and the status at the moment of subscribing. The subscription of a
// finished scan is already closed.
func (r *ScanRecord) Subscribe() (*Subscription, ScanStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := newSubscription()
	if r.isFinished() {
		sub.close()
	} else {
		r.subs[sub] = struct{}{}
	}
	return sub, r.statusLocked()
}

// Unsubscribe detaches sub.
func (r *ScanRecord) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
}

// Status returns a snapshot of the record.
func (r *ScanRecord) Status() ScanStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *ScanRecord) statusLocked() ScanStatus {
	s := ScanStatus{
		ID:          r.ID,
		Status:      r.status,
		Host:        r.Request.Host,
		StartPort:   r.Request.StartPort,
		EndPort:     r.Request.EndPort,
		Concurrency: r.Concurrency,
		TimeoutMS:   r.Timeout.Milliseconds(),
		Completed:   r.completed,
		Total:       r.Request.TotalAttempts(),
		OpenPorts:   []int{},
		CreatedAt:   r.CreatedAt,
	}
	if s.Total > 0 {
		s.Progress = float64(s.Completed) * 100 / float64(s.Total)
	}
	if r.result != nil {
		s.Address = r.result.Address
		s.OpenPorts = slices.Clone(r.result.OpenPorts)
		s.ClosedCount = r.result.ClosedCount
	} else if r.status == ScanNoOpenPorts {
		s.ClosedCount = s.Total
	}
	if r.err != nil && r.status != ScanNoOpenPorts {
		s.Error = r.err.Error()
	}
	if !r.startedAt.IsZero() {
		started := r.startedAt
		s.StartedAt = &started
	}
	if !r.finishedAt.IsZero() {
		finished := r.finishedAt
		s.FinishedAt = &finished
		if !r.startedAt.IsZero() {
			s.DurationMS = r.finishedAt.Sub(r.startedAt).Milliseconds()
		}
	}
	return s
}

// Subscription buffers progress events for one consumer without bounding
// the buffer, so a slow websocket client never stalls the scan.
type Subscription struct {
	mu      sync.Mutex
	pending []scanning.ProgressEvent
	closed  bool
	notify  chan struct{}
}

func newSubscription() *Subscription {
	return &Subscription{notify: make(chan struct{}, 1)}
}

func (s *Subscription) push(ev scanning.ProgressEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever events are pending or the subscription closed.
func (s *Subscription) Ready() <-chan struct{} {
	return s.notify
}

// Drain takes all pending events. closed is true once no further events will
// arrive; events returned together with closed are still valid.
func (s *Subscription) Drain() (events []scanning.ProgressEvent, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, s.pending = s.pending, nil
	return events, s.closed
}

// ScanStore keeps submitted scans in memory. Once more than the retention
// limit of scans have finished the oldest finished ones are dropped.
type ScanStore struct {
	mu       sync.RWMutex
	records  map[string]*ScanRecord
	order    []string
	retained int
}

// NewScanStore creates a store retaining up to retained finished scans.
func NewScanStore(retained int) *ScanStore {
	if retained <= 0 {
		retained = DefaultRetainedScans
	}
	return &ScanStore{
		records:  make(map[string]*ScanRecord),
		retained: retained,
	}
}

// Add stores rec and prunes old finished scans.
func (s *ScanStore) Add(rec *ScanRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.pruneLocked()
}

func (s *ScanStore) pruneLocked() {
	finished := 0
	for _, id := range s.order {
		if s.records[id].isFinished() {
			finished++
		}
	}
	if finished <= s.retained {
		return
	}

	drop := finished - s.retained
	kept := s.order[:0]
	for _, id := range s.order {
		if drop > 0 && s.records[id].isFinished() {
			delete(s.records, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Get returns the record with id.
func (s *ScanStore) Get(id string) (*ScanRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Remove deletes the record with id.
func (s *ScanStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

// List returns the records newest first, optionally filtered by status.
func (s *ScanStore) List(status string) []*ScanRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*ScanRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if status != "" && rec.Status().Status != status {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// Len returns the number of stored scans.
func (s *ScanStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// CancelAll cancels every unfinished scan.
func (s *ScanStore) CancelAll() int {
	s.mu.RLock()
	records := make([]*ScanRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	n := 0
	for _, rec := range records {
		if rec.Cancel() {
			n++
		}
	}
	return n
}
