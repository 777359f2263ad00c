package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/scanning"
)

var (
	scanConcurrency int
	scanTimeout     time.Duration
	scanOutput      string
	scanNoProgress  bool
	scanNoResolve   bool
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan HOST START [END]",
	Short: "Scan a range of TCP ports on one host",
	Long: `Scan makes one TCP connection attempt to every port from START to END
on HOST and prints the ports that accepted the connection, in ascending order.

When END is omitted only START is scanned. The command exits with status 2
when no port in the range is open and with status 1 on invalid input. An
interrupted scan prints no ports and exits with status 130.`,
	Example: `  portprobe scan localhost 22
  portprobe scan 192.168.1.10 1 1024
  portprobe scan example.com 1 65535 --concurrency 2000 --timeout 500ms
  portprobe scan 10.0.0.5 8000 8100 --output json`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().IntVar(&scanConcurrency, "concurrency", 0, "Maximum outstanding connection attempts (0 = unbounded)")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "Per-attempt connect timeout (0 = system default)")
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", formatTable, "Output format: table, json, yaml, plain")
	scanCmd.Flags().BoolVar(&scanNoProgress, "no-progress", false, "Do not render a progress bar")
	scanCmd.Flags().BoolVar(&scanNoResolve, "no-resolve", false, "Dial HOST as given instead of resolving it first")

	scanCmd.Flags().Lookup("concurrency").Usage = "Maximum outstanding connection attempts; defaults to scanning.concurrency, 0 = unbounded"
	scanCmd.Flags().Lookup("timeout").Usage = "Per-attempt connect timeout such as 500ms; defaults to scanning.connect_timeout"
}

func runScan(cmd *cobra.Command, args []string) error {
	req, err := parseRangeArgs(args, appConfig.Scanning.MaxRange)
	if err != nil {
		return &exitError{code: exitUsage, msg: err.Error()}
	}
	if !validFormat(scanOutput) {
		return &exitError{code: exitUsage, msg: fmt.Sprintf("unknown output format %q", scanOutput)}
	}

	cfg := *appConfig
	if cmd.Flags().Changed("concurrency") {
		cfg.Scanning.Concurrency = scanConcurrency
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Scanning.ConnectTimeout = scanTimeout
	}
	if cfg.Scanning.Concurrency < 0 || cfg.Scanning.ConnectTimeout < 0 {
		return &exitError{code: exitUsage, msg: "concurrency and timeout must not be negative"}
	}

	logger := appLogger.WithComponent("cli").WithTarget(req.Host)
	engine := newEngine(&cfg, appLogger, nil, !scanNoResolve)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sink scanning.ProgressSink
	var bar *progressBar
	if !scanNoProgress && isTerminal(cmd.ErrOrStderr()) {
		bar = newProgressBar(cmd.ErrOrStderr(), defaultBarWidth)
		sink = bar
	}

	logger.Debug("Starting scan",
		"start_port", req.StartPort,
		"end_port", req.EndPort,
		"concurrency", engine.Concurrency(),
		"timeout", engine.ConnectTimeout())

	start := time.Now()
	result, err := engine.Scan(ctx, req, sink)
	elapsed := time.Since(start)
	if bar != nil {
		bar.Finish()
	}

	return finishScan(cmd.OutOrStdout(), cmd.ErrOrStderr(), logger, req, result, err, elapsed)
}

// finishScan prints the outcome of a scan and maps it to an exit status. An
// interrupted scan has no result to print.
func finishScan(out, errOut io.Writer, logger *logging.Logger, req scanning.ScanRequest,
	result *scanning.ScanResult, err error, elapsed time.Duration) error {
	var status string
	switch {
	case err == nil:
		status = scanning.ResultCompleted
	case errors.IsNoOpenPorts(err):
		status = scanning.ResultNoOpenPorts
	case errors.IsCanceled(err):
		logger.Info("Scan interrupted", "elapsed", elapsed)
		return &exitError{code: exitInterrupted, msg: "scan interrupted"}
	default:
		logger.Error("Scan failed", "error", err)
		return &exitError{code: exitUsage, msg: fmt.Sprintf("scan failed: %v", err)}
	}

	report := newScanReport(req, result, status, elapsed)
	if err := writeReport(out, errOut, scanOutput, report); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	if status == scanning.ResultNoOpenPorts {
		return &exitError{code: exitNoOpenPorts}
	}
	return nil
}
