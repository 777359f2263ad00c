package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/portprobe/internal/scanning"
	"github.com/anstrom/portprobe/internal/scheduler"
)

var (
	watchSchedule    string
	watchName        string
	watchSeconds     bool
	watchSkipInitial bool
	watchNoResolve   bool
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch HOST START [END]",
	Short: "Re-run a scan on a schedule and report changes",
	Long: `Watch scans the range once, then again on every tick of the cron
schedule, and prints the ports that opened or closed since the previous
successful run. A run that is still in progress when the next tick fires
is not started twice.`,
	Example: `  portprobe watch db.internal 5432
  portprobe watch 10.0.0.5 1 1024 --schedule "*/10 * * * *"
  portprobe watch localhost 8000 8100 --schedule "@every 30s"`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "@every 5m", "Cron expression or descriptor for re-runs")
	watchCmd.Flags().StringVar(&watchName, "name", "", "Name used in logs (default HOST:START-END)")
	watchCmd.Flags().BoolVar(&watchSeconds, "seconds", false, "Schedule has a leading seconds field")
	watchCmd.Flags().BoolVar(&watchSkipInitial, "skip-initial", false, "Wait for the first tick instead of scanning immediately")
	watchCmd.Flags().BoolVar(&watchNoResolve, "no-resolve", false, "Dial HOST as given instead of resolving it first")
}

func runWatch(cmd *cobra.Command, args []string) error {
	req, err := parseRangeArgs(args, appConfig.Scanning.MaxRange)
	if err != nil {
		return &exitError{code: exitUsage, msg: err.Error()}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := newEngine(appConfig, appLogger, nil, !watchNoResolve)
	return watch(ctx, engine, req, cmd.OutOrStdout())
}

// watch schedules req and prints a line per run to out until ctx is done.
func watch(ctx context.Context, scanner scheduler.Scanner, req scanning.ScanRequest, out io.Writer) error {
	var mu sync.Mutex
	sched := scheduler.NewScheduler(scheduler.Options{
		Scanner: scanner,
		Logger:  appLogger,
		Seconds: watchSeconds,
		OnRun: func(report scheduler.RunReport) {
			mu.Lock()
			defer mu.Unlock()
			_, _ = fmt.Fprintln(out, formatRunReport(report))
		},
	})

	id, err := sched.AddScan(watchName, watchSchedule, req)
	if err != nil {
		return &exitError{code: exitUsage, msg: err.Error()}
	}
	if err := sched.Start(); err != nil {
		return err
	}

	initial := make(chan struct{})
	if watchSkipInitial {
		close(initial)
	} else {
		go func() {
			defer close(initial)
			_ = sched.RunNow(id)
		}()
	}

	<-ctx.Done()
	sched.Stop()
	<-initial
	return nil
}

// formatRunReport renders one run as a single line.
func formatRunReport(r scheduler.RunReport) string {
	prefix := fmt.Sprintf("%s %s", r.EndTime.Format(time.RFC3339), r.Name)

	switch {
	case r.Status == scheduler.RunFailed:
		return fmt.Sprintf("%s: scan failed: %v", prefix, r.Err)
	case r.Status == scheduler.RunCanceled:
		return fmt.Sprintf("%s: scan interrupted", prefix)
	case r.First:
		return fmt.Sprintf("%s: open %s", prefix, joinPorts(r.OpenPorts))
	case r.Changed():
		return fmt.Sprintf("%s: opened %s, closed %s, open %s",
			prefix, joinPorts(r.Opened), joinPorts(r.Closed), joinPorts(r.OpenPorts))
	default:
		return fmt.Sprintf("%s: unchanged, open %s", prefix, joinPorts(r.OpenPorts))
	}
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "none"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
