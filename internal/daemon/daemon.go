// Package daemon runs the portprobe API as a long-lived foreground service.
// It owns the PID file and the process signals: SIGINT and SIGTERM stop the
// service gracefully and SIGUSR1 writes a status dump to the log.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Service runs until ctx is canceled or it fails.
type Service func(ctx context.Context) error

// StatusFunc returns extra key/value pairs for the SIGUSR1 status dump.
type StatusFunc func() []any

// Options configures a Daemon.
type Options struct {
	// PIDFile is written on Run and removed on return. Empty disables it.
	PIDFile string
	Logger  *logging.Logger
}

// Daemon supervises one Service.
type Daemon struct {
	pidFile   string
	logger    *logging.Logger
	signals   chan os.Signal
	startTime time.Time

	mu     sync.RWMutex
	status StatusFunc
}

// New creates a new daemon instance.
func New(opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Daemon{
		pidFile:   opts.PIDFile,
		logger:    opts.Logger.WithComponent("daemon"),
		signals:   make(chan os.Signal, 1),
		startTime: time.Now(),
	}
}

// SetStatus registers the source of service specific status fields. It may
// be called from the running service once its components exist.
func (d *Daemon) SetStatus(fn StatusFunc) {
	d.mu.Lock()
	d.status = fn
	d.mu.Unlock()
}

// Run writes the PID file, runs svc and waits for it to return. A stop
// signal cancels the context svc runs with; Run still waits for svc so that
// its shutdown completes before the PID file is removed.
func (d *Daemon) Run(ctx context.Context, svc Service) error {
	if err := d.createPIDFile(); err != nil {
		return err
	}
	defer d.removePIDFile()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signal.Notify(d.signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(d.signals)

	errCh := make(chan error, 1)
	go func() { errCh <- svc(ctx) }()

	d.logger.Info("Daemon started", "pid", os.Getpid())
	for {
		select {
		case err := <-errCh:
			d.logger.Info("Daemon stopped", "uptime", time.Since(d.startTime).Round(time.Second))
			return err
		case sig := <-d.signals:
			d.handleSignal(sig, cancel)
		}
	}
}

func (d *Daemon) handleSignal(sig os.Signal, stop context.CancelFunc) {
	d.logger.Info("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.logger.Info("Initiating graceful shutdown")
		stop()
	case syscall.SIGUSR1:
		d.dumpStatus()
	}
}

// dumpStatus logs process and service status.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"uptime", time.Since(d.startTime).Round(time.Second),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
	}

	d.mu.RLock()
	status := d.status
	d.mu.RUnlock()
	if status != nil {
		fields = append(fields, status()...)
	}

	d.logger.Info("Status dump", fields...)
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return errors.WrapScanError(errors.CodeDirectoryCreate, "failed to create PID file directory", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return errors.WrapScanError(errors.CodeFilePermission, "failed to write PID file", err)
	}

	d.logger.Debug("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Error removing PID file", "path", d.pidFile, "error", err)
	}
}

// checkExistingPID fails if the PID file names a live process other than
// this one. Stale or unreadable PID files are removed.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WrapScanError(errors.CodeFilePermission, "failed to read existing PID file", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if pid != os.Getpid() && isProcessRunning(pid) {
		return errors.NewScanError(errors.CodeServiceUnavailable,
			fmt.Sprintf("portprobe already running with PID %d (%s)", pid, d.pidFile))
	}

	d.logger.Debug("Removing stale PID file", "path", d.pidFile, "pid", pid)
	_ = os.Remove(d.pidFile)
	return nil
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
