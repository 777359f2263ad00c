package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/anstrom/portprobe/internal/scanning"
)

const defaultBarWidth = 30

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// progressBar redraws a single line such as
// "scanning [=========       ] 42% eta 3s" as attempts finish.
type progressBar struct {
	mu        sync.Mutex
	w         io.Writer
	width     int
	start     time.Time
	now       func() time.Time
	completed int
	percent   int
	drawn     bool
}

func newProgressBar(w io.Writer, width int) *progressBar {
	if width < 1 {
		width = defaultBarWidth
	}
	return &progressBar{w: w, width: width, start: time.Now(), now: time.Now, percent: -1}
}

// Tick implements scanning.ProgressSink. Events may arrive from several
// goroutines; the line is redrawn only when the whole percent changes.
func (b *progressBar) Tick(ev scanning.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Completed <= b.completed {
		return
	}
	b.completed = ev.Completed

	percent := int(ev.Percent())
	if percent == b.percent {
		return
	}
	b.percent = percent
	b.drawn = true
	_, _ = fmt.Fprintf(b.w, "\r%s", b.render(ev.Completed, ev.Total))
}

// Finish ends the progress line.
func (b *progressBar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawn {
		_, _ = fmt.Fprintln(b.w)
		b.drawn = false
	}
}

func (b *progressBar) render(completed, total int) string {
	if total <= 0 {
		return fmt.Sprintf("scanning [%s] 0%% eta ?", strings.Repeat(" ", b.width))
	}

	filled := b.width * completed / total
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", b.width-filled)
	return fmt.Sprintf("scanning [%s] %d%% eta %s", bar, completed*100/total, b.eta(completed, total))
}

// eta extrapolates the remaining time from the average time per attempt.
func (b *progressBar) eta(completed, total int) time.Duration {
	if completed == 0 {
		return 0
	}
	elapsed := b.now().Sub(b.start)
	remaining := time.Duration(int64(elapsed) / int64(completed) * int64(total-completed))
	return remaining.Round(time.Second)
}
