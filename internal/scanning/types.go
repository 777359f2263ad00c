package scanning

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/portprobe/internal/errors"
)

const (
	// MinPort and MaxPort bound the TCP port space.
	MinPort = 1
	MaxPort = 65535
)

var validate = validator.New()

// PortStatus is the state of a single connection attempt.
type PortStatus string

const (
	StatusPending PortStatus = "pending"
	StatusOpen    PortStatus = "open"
	StatusClosed  PortStatus = "closed"
)

// ScanRequest names one host and one inclusive port range.
type ScanRequest struct {
	Host      string `json:"host" yaml:"host" validate:"required"`
	StartPort int    `json:"start_port" yaml:"start_port" validate:"min=1,max=65535"`
	EndPort   int    `json:"end_port" yaml:"end_port" validate:"min=1,max=65535,gtefield=StartPort"`
}

// NewRangeRequest builds a request for host. When end is omitted only the
// start port is scanned; extra values after the first end port are ignored.
func NewRangeRequest(host string, start int, end ...int) ScanRequest {
	req := ScanRequest{Host: host, StartPort: start, EndPort: start}
	if len(end) > 0 {
		req.EndPort = end[0]
	}
	return req
}

// Validate reports a blank host as CodeTargetInvalid and any other violation
// of 1 <= StartPort <= EndPort <= 65535 as CodeInvalidRange.
func (r ScanRequest) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return errors.ErrInvalidTarget(r.Host)
	}
	if err := validate.Struct(r); err != nil {
		rangeErr := errors.ErrInvalidRange(r.StartPort, r.EndPort)
		rangeErr.Target = r.Host
		rangeErr.Cause = err
		return rangeErr
	}
	return nil
}

// TotalAttempts is the number of connection attempts the request implies.
func (r ScanRequest) TotalAttempts() int {
	return r.EndPort - r.StartPort + 1
}

// ProgressEvent marks the completion of one attempt. Port and Status describe
// the attempt that finished; Completed counts finished attempts so far.
type ProgressEvent struct {
	Port      int        `json:"port"`
	Status    PortStatus `json:"status"`
	Completed int        `json:"completed"`
	Total     int        `json:"total"`
}

// Percent returns the share of finished attempts in the range [0, 100].
func (e ProgressEvent) Percent() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Completed) * 100 / float64(e.Total)
}

// ScanResult is the aggregate of a scan that found at least one open port.
type ScanResult struct {
	ID          string        `json:"id" yaml:"id"`
	Host        string        `json:"host" yaml:"host"`
	Address     string        `json:"address" yaml:"address"`
	StartPort   int           `json:"start_port" yaml:"start_port"`
	EndPort     int           `json:"end_port" yaml:"end_port"`
	OpenPorts   []int         `json:"open_ports" yaml:"open_ports"`
	ClosedCount int           `json:"closed_count" yaml:"closed_count"`
	StartTime   time.Time     `json:"start_time" yaml:"start_time"`
	EndTime     time.Time     `json:"end_time" yaml:"end_time"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// Total is the number of attempts the result accounts for.
func (r *ScanResult) Total() int {
	return len(r.OpenPorts) + r.ClosedCount
}

// IsOpen reports whether port was found open.
func (r *ScanResult) IsOpen(port int) bool {
	for _, p := range r.OpenPorts {
		if p == port {
			return true
		}
		if p > port {
			return false
		}
	}
	return false
}
