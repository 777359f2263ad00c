package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/scanning"
	"github.com/anstrom/portprobe/internal/scheduler"
)

// fakeScanner returns the open sets it was given, one per call, and keeps
// returning the last one afterwards.
type fakeScanner struct {
	mu    sync.Mutex
	runs  [][]int
	calls int
}

func (f *fakeScanner) Scan(_ context.Context, req scanning.ScanRequest, _ scanning.ProgressSink) (*scanning.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	open := f.runs[min(f.calls, len(f.runs)-1)]
	f.calls++
	if len(open) == 0 {
		return nil, errors.ErrNoOpenPorts(req.Host, req.StartPort, req.EndPort)
	}
	return &scanning.ScanResult{
		Host:        req.Host,
		OpenPorts:   open,
		ClosedCount: req.TotalAttempts() - len(open),
	}, nil
}

func TestFormatRunReport(t *testing.T) {
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := scheduler.RunReport{
		JobID:   uuid.New(),
		Name:    "db",
		EndTime: end,
		Status:  scheduler.RunCompleted,
	}

	tests := []struct {
		name     string
		mutate   func(r *scheduler.RunReport)
		expected string
	}{
		{
			name: "first run",
			mutate: func(r *scheduler.RunReport) {
				r.First = true
				r.OpenPorts = []int{22, 80}
			},
			expected: "2026-03-01T12:00:00Z db: open 22,80",
		},
		{
			name: "changed",
			mutate: func(r *scheduler.RunReport) {
				r.OpenPorts = []int{22, 443}
				r.Opened = []int{443}
				r.Closed = []int{80}
			},
			expected: "2026-03-01T12:00:00Z db: opened 443, closed 80, open 22,443",
		},
		{
			name: "unchanged",
			mutate: func(r *scheduler.RunReport) {
				r.OpenPorts = []int{22}
			},
			expected: "2026-03-01T12:00:00Z db: unchanged, open 22",
		},
		{
			name: "everything closed",
			mutate: func(r *scheduler.RunReport) {
				r.Status = scheduler.RunNoOpenPorts
				r.Closed = []int{22}
			},
			expected: "2026-03-01T12:00:00Z db: opened none, closed 22, open none",
		},
		{
			name: "failed",
			mutate: func(r *scheduler.RunReport) {
				r.Status = scheduler.RunFailed
				r.Err = fmt.Errorf("network unreachable")
			},
			expected: "2026-03-01T12:00:00Z db: scan failed: network unreachable",
		},
		{
			name: "interrupted",
			mutate: func(r *scheduler.RunReport) {
				r.Status = scheduler.RunCanceled
				r.Err = fmt.Errorf("scan interrupted")
			},
			expected: "2026-03-01T12:00:00Z db: scan interrupted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			assert.Equal(t, tt.expected, formatRunReport(r))
		})
	}
}

func TestWatch(t *testing.T) {
	origSchedule, origName, origSkip := watchSchedule, watchName, watchSkipInitial
	t.Cleanup(func() { watchSchedule, watchName, watchSkipInitial = origSchedule, origName, origSkip })

	t.Run("reports the initial run", func(t *testing.T) {
		watchSchedule, watchName, watchSkipInitial = "@every 1h", "web", false

		scanner := &fakeScanner{runs: [][]int{{80, 443}}}
		var out syncBuffer
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- watch(ctx, scanner, scanning.NewRangeRequest("127.0.0.1", 1, 1024), &out) }()

		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "web: open 80,443")
		}, 5*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("watch did not return after cancel")
		}
	})

	t.Run("reports changes between runs", func(t *testing.T) {
		watchSchedule, watchName, watchSkipInitial = "@every 1s", "web", false

		scanner := &fakeScanner{runs: [][]int{{80}, {80, 8080}}}
		var out syncBuffer
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- watch(ctx, scanner, scanning.NewRangeRequest("127.0.0.1", 1, 9000), &out) }()

		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "opened 8080, closed none, open 80,8080")
		}, 10*time.Second, 20*time.Millisecond)

		cancel()
		require.NoError(t, <-done)
		assert.Contains(t, out.String(), "web: open 80\n", "first run sets the baseline")
	})

	t.Run("invalid schedule", func(t *testing.T) {
		watchSchedule, watchName, watchSkipInitial = "every tuesday", "", false

		err := watch(context.Background(), &fakeScanner{runs: [][]int{{80}}},
			scanning.NewRangeRequest("127.0.0.1", 80), &syncBuffer{})
		require.Error(t, err)
		var exitErr *exitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, exitUsage, exitErr.code)
	})
}
