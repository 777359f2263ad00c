package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portprobe/internal/scanning"
)

func TestNewScanReport(t *testing.T) {
	req := scanning.NewRangeRequest("db.internal", 5430, 5434)

	t.Run("with result", func(t *testing.T) {
		result := &scanning.ScanResult{Address: "10.0.0.7", OpenPorts: []int{5432, 5433}, ClosedCount: 3}
		report := newScanReport(req, result, scanning.ResultCompleted, 1234*time.Microsecond)

		assert.Equal(t, "db.internal", report.Host)
		assert.Equal(t, "10.0.0.7", report.Address)
		assert.Equal(t, []int{5432, 5433}, report.OpenPorts)
		assert.Equal(t, 3, report.ClosedCount)
		assert.Equal(t, "1ms", report.Duration)
	})

	t.Run("no open ports", func(t *testing.T) {
		report := newScanReport(req, nil, scanning.ResultNoOpenPorts, time.Second)

		assert.Equal(t, []int{}, report.OpenPorts)
		assert.Equal(t, 5, report.ClosedCount, "every attempt counts as closed")
		assert.Empty(t, report.Address)
	})
}

func TestWriteReport(t *testing.T) {
	report := scanReport{
		Host:        "db.internal",
		Address:     "10.0.0.7",
		StartPort:   20,
		EndPort:     24,
		Status:      scanning.ResultCompleted,
		OpenPorts:   []int{22, 23},
		ClosedCount: 3,
		Duration:    "5ms",
	}

	t.Run("table", func(t *testing.T) {
		var out, errOut bytes.Buffer
		require.NoError(t, writeReport(&out, &errOut, formatTable, report))

		text := out.String()
		assert.Contains(t, text, "PORT")
		assert.Contains(t, text, "STATE")
		assert.Less(t, strings.Index(text, "22"), strings.Index(text, "23"))
		assert.Contains(t, text, "db.internal (10.0.0.7): 2 open, 3 closed in 5ms")
		assert.Empty(t, errOut.String())
	})

	t.Run("plain", func(t *testing.T) {
		var out, errOut bytes.Buffer
		require.NoError(t, writeReport(&out, &errOut, formatPlain, report))
		assert.Equal(t, "22\n23\n", out.String())
	})

	t.Run("yaml", func(t *testing.T) {
		var out, errOut bytes.Buffer
		require.NoError(t, writeReport(&out, &errOut, formatYAML, report))

		var decoded scanReport
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
		assert.Equal(t, report, decoded)
	})

	t.Run("empty plain", func(t *testing.T) {
		empty := report
		empty.OpenPorts = []int{}
		var out, errOut bytes.Buffer
		require.NoError(t, writeReport(&out, &errOut, formatPlain, empty))
		assert.Equal(t, noOpenPortsMessage+"\n", out.String())
	})

	t.Run("empty yaml reports on stderr", func(t *testing.T) {
		empty := report
		empty.OpenPorts = []int{}
		empty.Status = scanning.ResultNoOpenPorts
		var out, errOut bytes.Buffer
		require.NoError(t, writeReport(&out, &errOut, formatYAML, empty))
		assert.Contains(t, out.String(), "status: no_open_ports")
		assert.Equal(t, noOpenPortsMessage+"\n", errOut.String())
	})
}

func TestValidFormat(t *testing.T) {
	for _, f := range []string{formatTable, formatJSON, formatYAML, formatPlain} {
		assert.True(t, validFormat(f), f)
	}
	assert.False(t, validFormat("xml"))
	assert.False(t, validFormat(""))
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	bar := newProgressBar(&out, 10)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bar.start = start
	bar.now = func() time.Time { return start.Add(2 * time.Second) }

	bar.Tick(scanning.ProgressEvent{Port: 1, Status: scanning.StatusClosed, Completed: 2, Total: 4})
	assert.Equal(t, "\rscanning [=====     ] 50% eta 2s", out.String())

	// Stale and same-percent events are not redrawn.
	bar.Tick(scanning.ProgressEvent{Port: 2, Status: scanning.StatusOpen, Completed: 1, Total: 4})
	bar.Tick(scanning.ProgressEvent{Port: 3, Status: scanning.StatusOpen, Completed: 2, Total: 4})
	assert.Equal(t, 1, strings.Count(out.String(), "\r"))

	bar.Tick(scanning.ProgressEvent{Port: 4, Status: scanning.StatusClosed, Completed: 4, Total: 4})
	assert.True(t, strings.HasSuffix(out.String(), "\rscanning [==========] 100% eta 0s"))

	bar.Finish()
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
	bar.Finish()
	assert.Equal(t, 1, strings.Count(out.String(), "\n"), "finish only ends the line once")
}

func TestProgressBar_Render(t *testing.T) {
	bar := newProgressBar(&bytes.Buffer{}, 0)
	assert.Equal(t, defaultBarWidth, bar.width)
	assert.Contains(t, bar.render(0, 0), "0% eta ?")
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
}
