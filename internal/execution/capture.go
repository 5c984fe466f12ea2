package execution

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/livedeck/internal/domain"
	"github.com/ashureev/livedeck/internal/metrics"
	"github.com/ashureev/livedeck/internal/recording"
)

// defaultFlushDelay bounds how long coalesced output waits for the clock to
// move on before it is recorded anyway.
const defaultFlushDelay = 2 * time.Millisecond

// chunk is output of one stream not yet recorded.
type chunk struct {
	stream domain.Stream
	data   []byte
}

// capture turns process writes into recording events. stdout and stderr share
// one capture so their events interleave by time with strictly increasing
// timestamps. Writes arriving faster than the millisecond clock are coalesced
// per stream, so timestamps never run ahead of the time since start.
type capture struct {
	mu      sync.Mutex
	store   *recording.Store
	runID   string
	start   time.Time
	now     func() time.Time
	delay   time.Duration
	last    int64
	pending []chunk // at most one per stream, in order of first write
	timer   *time.Timer
	closed  bool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newCapture(store *recording.Store, runID string, start time.Time, m *metrics.Metrics, logger *slog.Logger) *capture {
	return &capture{
		store:   store,
		runID:   runID,
		start:   start,
		now:     time.Now,
		delay:   defaultFlushDelay,
		last:    -1,
		metrics: m,
		logger:  logger,
	}
}

func (c *capture) writer(stream domain.Stream) io.Writer {
	return &streamWriter{c: c, stream: stream}
}

func (c *capture) elapsed() int64 {
	return c.now().Sub(c.start).Milliseconds()
}

func (c *capture) append(stream domain.Stream, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.record(stream, bytes.Clone(p), c.last+1)
		return
	}

	merged := false
	for i := range c.pending {
		if c.pending[i].stream == stream {
			c.pending[i].data = append(c.pending[i].data, p...)
			merged = true
			break
		}
	}
	if !merged {
		c.pending = append(c.pending, chunk{stream: stream, data: append([]byte(nil), p...)})
	}

	// Every pending chunk needs its own millisecond after the last event.
	if c.elapsed()-c.last >= int64(len(c.pending)) {
		c.flushLocked()
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.delay, c.flushDue)
	}
}

func (c *capture) flushDue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if !c.closed {
		c.flushLocked()
	}
}

// flushLocked records pending chunks on consecutive milliseconds ending at
// the current time, or right after the last event if the clock has not
// moved far enough.
func (c *capture) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.pending) == 0 {
		return
	}
	t := max(c.elapsed()-int64(len(c.pending))+1, c.last+1)
	for _, ch := range c.pending {
		c.record(ch.stream, ch.data, t)
		t++
	}
	c.pending = c.pending[:0]
}

func (c *capture) record(stream domain.Stream, data []byte, t int64) {
	c.last = t
	err := c.store.Append(c.runID, domain.RecordingEvent{
		RelativeTimeMs: t,
		Stream:         stream,
		Data:           data,
	})
	if err != nil {
		c.logger.Warn("Failed to record output",
			"run_id", c.runID,
			"stream", stream,
			"bytes", len(data),
			"error", err,
		)
		return
	}
	c.metrics.RecordedBytes(len(data))
}

// close records any coalesced output. It must be called once the process
// has exited and before the recording is finished.
func (c *capture) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.closed = true
}

// streamWriter always consumes p. Recording errors are logged, not returned.
type streamWriter struct {
	c      *capture
	stream domain.Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.c.append(w.stream, p)
	return len(p), nil
}
