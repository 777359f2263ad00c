package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestDaemon(pidFile string) (*Daemon, *lockedBuffer) {
	var buf lockedBuffer
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelDebug}, &buf)
	return New(Options{PIDFile: pidFile, Logger: logger}), &buf
}

func TestNewDaemon(t *testing.T) {
	d := New(Options{})
	require.NotNil(t, d)
	assert.NotNil(t, d.logger)
	assert.NotNil(t, d.signals)
	assert.Empty(t, d.pidFile)
}

func TestPIDFileHandling(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "portprobe.pid")
	d, _ := newTestDaemon(pidFile)

	require.NoError(t, d.createPIDFile())

	content, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), string(content))

	d.removePIDFile()
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file was not removed")

	// Removing twice is harmless.
	d.removePIDFile()
}

func TestCheckExistingPID(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		expectError bool
		expectKept  bool
	}{
		{name: "garbage is removed", content: "not-a-pid"},
		{name: "stale pid is removed", content: "999999999"},
		{name: "own pid is reused", content: fmt.Sprintf("%d", os.Getpid())},
		{name: "live process blocks", content: fmt.Sprintf("%d", os.Getppid()), expectError: true, expectKept: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pidFile := filepath.Join(t.TempDir(), "portprobe.pid")
			require.NoError(t, os.WriteFile(pidFile, []byte(tt.content), DefaultFilePermissions))
			d, _ := newTestDaemon(pidFile)

			err := d.checkExistingPID()
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeServiceUnavailable))
			} else {
				require.NoError(t, err)
			}

			_, statErr := os.Stat(pidFile)
			assert.Equal(t, tt.expectKept, statErr == nil)
		})
	}
}

func TestRun(t *testing.T) {
	t.Run("service error is returned and PID file removed", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "portprobe.pid")
		d, _ := newTestDaemon(pidFile)

		err := d.Run(context.Background(), func(ctx context.Context) error {
			_, statErr := os.Stat(pidFile)
			assert.NoError(t, statErr, "PID file exists while running")
			return fmt.Errorf("bind failed")
		})
		assert.EqualError(t, err, "bind failed")

		_, statErr := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("parent context stops the service", func(t *testing.T) {
		d, _ := newTestDaemon("")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := d.Run(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("stop signal cancels and waits", func(t *testing.T) {
		d, _ := newTestDaemon("")
		started := make(chan struct{})
		var shutdownDone bool

		done := make(chan error, 1)
		go func() {
			done <- d.Run(context.Background(), func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				time.Sleep(20 * time.Millisecond)
				shutdownDone = true
				return nil
			})
		}()

		<-started
		d.signals <- syscall.SIGTERM

		select {
		case err := <-done:
			require.NoError(t, err)
			assert.True(t, shutdownDone, "Run returns after the service finished shutting down")
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	})

	t.Run("existing daemon blocks start", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "portprobe.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getppid())), DefaultFilePermissions))
		d, _ := newTestDaemon(pidFile)

		ran := false
		err := d.Run(context.Background(), func(ctx context.Context) error {
			ran = true
			return nil
		})
		assert.Error(t, err)
		assert.False(t, ran)
	})
}

func TestDumpStatus(t *testing.T) {
	d, buf := newTestDaemon("")
	d.SetStatus(func() []any { return []any{"queue_depth", 3} })

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		})
	}()

	<-started
	d.signals <- syscall.SIGUSR1

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("Status dump"))
	}, 2*time.Second, 10*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "goroutines=")
	assert.Contains(t, out, fmt.Sprintf("pid=%d", os.Getpid()))
	assert.Contains(t, out, "queue_depth=3")

	cancel()
	require.NoError(t, <-done)
}
