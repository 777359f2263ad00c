package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/portprobe/internal/api"
	"github.com/anstrom/portprobe/internal/api/handlers"
	"github.com/anstrom/portprobe/internal/config"
	"github.com/anstrom/portprobe/internal/daemon"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/workers"
)

var (
	serveHost    string
	servePort    int
	servePIDFile string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Serve runs the portprobe HTTP API. Scans submitted with
POST /api/v1/scans run on a bounded worker pool, their progress can be
followed over a websocket, and Prometheus metrics are exposed on the
configured metrics path.

Scan state is kept in memory for the lifetime of the process. SIGINT and
SIGTERM shut the server down gracefully; SIGUSR1 logs a status dump.`,
	Example: `  portprobe serve
  portprobe serve --host 0.0.0.0 --port 9090
  portprobe serve --config /etc/portprobe/portprobe.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Address to listen on (overrides api.listen_addr)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides api.port)")
	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", "", "Write the process ID to this file while running")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := *appConfig
	if cmd.Flags().Changed("host") {
		cfg.API.ListenAddr = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.API.Port = servePort
	}
	if !cfg.API.Enabled {
		return &exitError{code: exitUsage, msg: "the API is disabled in the configuration (api.enabled)"}
	}

	d := daemon.New(daemon.Options{PIDFile: servePIDFile, Logger: appLogger})
	return d.Run(cmd.Context(), func(ctx context.Context) error {
		return serve(ctx, &cfg, appLogger, d, func(addr string) {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "portprobe API listening on http://%s\n", addr)
		})
	})
}

// serve runs the API until ctx is canceled. onListen is called with the
// bound address once the listener is open. d may be nil.
func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger, d *daemon.Daemon,
	onListen func(addr string)) error {
	prom := metrics.NewPrometheusMetrics()
	engine := newEngine(cfg, logger, prom, true)

	pool := workers.New(workers.Config{
		Size:            cfg.Scanning.MaxConcurrentScans,
		QueueSize:       cfg.Scanning.QueueSize,
		ShutdownTimeout: cfg.Scanning.ShutdownTimeout,
	}, logger, prom)
	pool.Start()

	server, err := api.New(api.Options{
		Config:     cfg,
		Engine:     engine,
		Pool:       pool,
		Prometheus: prom,
		Logger:     logger,
	})
	if err != nil {
		_ = pool.Shutdown()
		return err
	}
	if err := server.Listen(); err != nil {
		_ = pool.Shutdown()
		return err
	}
	if onListen != nil {
		onListen(server.Addr())
	}
	if d != nil {
		addr, store := server.Addr(), server.Scans().Store()
		d.SetStatus(func() []any { return statusFields(addr, store, pool, prom) })
	}

	metricsCtx, cancelMetrics := context.WithCancel(ctx)
	defer cancelMetrics()
	if cfg.Metrics.Enabled && cfg.Metrics.UpdateInterval > 0 {
		go prom.StartPeriodicUpdates(metricsCtx, cfg.Metrics.UpdateInterval)
	}

	serveErr := server.Start(ctx)
	if serveErr != nil {
		logger.Error("API server stopped with error", "error", serveErr)
	}

	// Queued scans are canceled so the pool drains without running them.
	server.Scans().Store().CancelAll()
	if err := pool.Shutdown(); err != nil {
		logger.Warn("Worker pool shutdown incomplete", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}

	logger.Info("portprobe API stopped")
	return serveErr
}

// statusFields are the service fields of the SIGUSR1 status dump.
func statusFields(addr string, store *handlers.ScanStore, pool *workers.Pool, prom *metrics.PrometheusMetrics) []any {
	fields := []any{
		"address", addr,
		"scans", store.Len(),
		"queue_depth", pool.QueueDepth(),
		"accepting", pool.Accepting(),
	}
	if updated := prom.GetLastUpdate(); !updated.IsZero() {
		fields = append(fields, "metrics_updated", updated.Format(time.RFC3339))
	}
	return fields
}
