// Package cli provides the command-line interface for portprobe.
// It implements the Cobra command tree: one-shot scans, the HTTP API
// server, scheduled re-scans and API key tooling.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/portprobe/internal/api/handlers"
	"github.com/anstrom/portprobe/internal/config"
	"github.com/anstrom/portprobe/internal/logging"
)

// Process exit codes.
const (
	exitOK          = 0
	exitUsage       = 1
	exitNoOpenPorts = 2
	exitInterrupted = 130
)

var (
	cfgFile string
	verbose bool

	// Set by initConfig before any subcommand runs.
	appConfig *config.Config
	appLogger *logging.Logger
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// exitError carries a process exit code out of a command. An empty message
// means the command already reported the outcome.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "portprobe",
	Short: "Concurrent TCP port range scanner",
	Long: `portprobe probes a range of TCP ports on a single host with one
connection attempt per port and reports which ports accept connections.

It runs one-shot scans from the command line, serves an HTTP API with
live progress over websockets, and can re-run a scan on a cron schedule
to report ports that opened or closed between runs.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the command tree against the process arguments and returns
// the exit code. This is called by main.main().
func Execute() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.msg != "" {
			_, _ = fmt.Fprintln(stderr, "Error:", exitErr.msg)
		}
		return exitErr.code
	}

	_, _ = fmt.Fprintln(stderr, "Error:", err)
	return exitUsage
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./portprobe.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig reads the config file and PORTPROBE_* environment variables,
// then installs the configured logger as the default.
func initConfig() error {
	v := viper.New()
	config.SetDefaults(v)
	config.ConfigureEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("portprobe")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = string(logging.LevelDebug)
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("Failed to initialize logging, using defaults", "error", err)
	}
	logging.SetDefault(logger)

	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("Using config file", "path", used)
	}

	appConfig = cfg
	appLogger = logger
	return nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
	handlers.SetBuildInfo(v, c, bt)
}
