package scanning

import "sync/atomic"

// ProgressSink receives one Tick per finished attempt. Ticks for a scan are
// delivered serially and all of them precede the scan's result. Tick must not
// call back into the Job that produced the event.
type ProgressSink interface {
	Tick(ProgressEvent)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ProgressEvent)

// Tick calls f(ev).
func (f ProgressFunc) Tick(ev ProgressEvent) {
	f(ev)
}

// NopSink ignores every event.
type NopSink struct{}

// Tick does nothing.
func (NopSink) Tick(ProgressEvent) {}

// CounterSink counts events.
type CounterSink struct {
	n atomic.Int64
}

// Tick increments the count.
func (c *CounterSink) Tick(ProgressEvent) {
	c.n.Add(1)
}

// Count returns the number of events seen.
func (c *CounterSink) Count() int {
	return int(c.n.Load())
}

// ChannelSink forwards events to a buffered channel. It never drops events, so
// a consumer that stops reading stalls the scan once the buffer is full.
type ChannelSink struct {
	ch chan ProgressEvent
}

// NewChannelSink creates a sink buffering up to size events.
func NewChannelSink(size int) *ChannelSink {
	if size < 0 {
		size = 0
	}
	return &ChannelSink{ch: make(chan ProgressEvent, size)}
}

// Tick sends ev on the channel.
func (c *ChannelSink) Tick(ev ProgressEvent) {
	c.ch <- ev
}

// Events returns the receive side of the channel.
func (c *ChannelSink) Events() <-chan ProgressEvent {
	return c.ch
}

// Close closes the channel. Call it only after the scan has finished.
func (c *ChannelSink) Close() {
	close(c.ch)
}

// MultiSink delivers each event to every sink in order.
type MultiSink []ProgressSink

// Tick fans ev out.
func (m MultiSink) Tick(ev ProgressEvent) {
	for _, s := range m {
		if s != nil {
			s.Tick(ev)
		}
	}
}
