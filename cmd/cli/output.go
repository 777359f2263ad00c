package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portprobe/internal/scanning"
)

// Output formats accepted by --output.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatPlain = "plain"
)

const noOpenPortsMessage = "no port is open"

// scanReport is what the scan command prints, whatever the format.
type scanReport struct {
	Host        string `json:"host" yaml:"host"`
	Address     string `json:"address,omitempty" yaml:"address,omitempty"`
	StartPort   int    `json:"start_port" yaml:"start_port"`
	EndPort     int    `json:"end_port" yaml:"end_port"`
	Status      string `json:"status" yaml:"status"`
	OpenPorts   []int  `json:"open_ports" yaml:"open_ports"`
	ClosedCount int    `json:"closed_count" yaml:"closed_count"`
	Duration    string `json:"duration" yaml:"duration"`
}

func validFormat(format string) bool {
	switch format {
	case formatTable, formatJSON, formatYAML, formatPlain:
		return true
	default:
		return false
	}
}

// newScanReport summarizes a finished scan. result is nil when no port was
// open, in which case every attempt counts as closed.
func newScanReport(req scanning.ScanRequest, result *scanning.ScanResult, status string,
	elapsed time.Duration) scanReport {
	report := scanReport{
		Host:        req.Host,
		StartPort:   req.StartPort,
		EndPort:     req.EndPort,
		Status:      status,
		OpenPorts:   []int{},
		ClosedCount: req.TotalAttempts(),
		Duration:    elapsed.Round(time.Millisecond).String(),
	}
	if result != nil {
		report.Address = result.Address
		report.OpenPorts = append(report.OpenPorts, result.OpenPorts...)
		report.ClosedCount = result.ClosedCount
	}
	return report
}

// writeReport renders report to out. For the structured formats the
// no-open-ports notice goes to errOut so out stays machine readable.
func writeReport(out, errOut io.Writer, format string, report scanReport) error {
	empty := len(report.OpenPorts) == 0

	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, string(data)); err != nil {
			return err
		}
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	case formatPlain:
		if empty {
			_, err := fmt.Fprintln(out, noOpenPortsMessage)
			return err
		}
		for _, port := range report.OpenPorts {
			if _, err := fmt.Fprintln(out, port); err != nil {
				return err
			}
		}
		return nil
	default:
		if empty {
			_, err := fmt.Fprintln(out, noOpenPortsMessage)
			return err
		}
		return writeTable(out, report)
	}

	if empty {
		_, _ = fmt.Fprintln(errOut, noOpenPortsMessage)
	}
	return nil
}

func writeTable(out io.Writer, report scanReport) error {
	table := tablewriter.NewWriter(out)
	table.Header("PORT", "STATE")
	for _, port := range report.OpenPorts {
		if err := table.Append([]string{strconv.Itoa(port), string(scanning.StatusOpen)}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	target := report.Host
	if report.Address != "" && report.Address != report.Host {
		target = fmt.Sprintf("%s (%s)", report.Host, report.Address)
	}
	_, err := fmt.Fprintf(out, "%s: %d open, %d closed in %s\n",
		target, len(report.OpenPorts), report.ClosedCount, report.Duration)
	return err
}
