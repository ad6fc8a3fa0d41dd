package framer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrSampling is returned when Sample is called while another sample runs.
var ErrSampling = errors.New("sampling already in progress")

// SampleOptions shapes one record: Windows consecutive sub-windows, each
// closing after WindowDuration or once both quotas are met.
type SampleOptions struct {
	Windows        int
	WindowDuration time.Duration
	PollInterval   time.Duration
	SmallQuota     int
	LargeQuota     int
}

// DefaultSampleOptions returns 4 windows of 1s collecting up to 512 small
// and 1 large packet each, checked every 10ms.
func DefaultSampleOptions() SampleOptions {
	return SampleOptions{
		Windows:        4,
		WindowDuration: time.Second,
		PollInterval:   10 * time.Millisecond,
		SmallQuota:     512,
		LargeQuota:     1,
	}
}

func (o SampleOptions) withDefaults() SampleOptions {
	def := DefaultSampleOptions()
	if o.Windows <= 0 {
		o.Windows = def.Windows
	}
	if o.WindowDuration <= 0 {
		o.WindowDuration = def.WindowDuration
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.SmallQuota < 0 {
		o.SmallQuota = 0
	}
	if o.LargeQuota < 0 {
		o.LargeQuota = 0
	}
	return o
}

// Frames is the sampled content of one record.
type Frames struct {
	Small     []string
	Large     []string
	StartedAt time.Time
}

// Empty reports whether nothing was collected.
func (f Frames) Empty() bool {
	return len(f.Small) == 0 && len(f.Large) == 0
}

// CollectorStats extends the framer counters with sampling drops.
type CollectorStats struct {
	Stats
	OutsideWindow int64 // packets framed while no window was open
	OverQuota     int64 // packets framed after the window quota was met
}

type window struct {
	small, large           []string
	smallQuota, largeQuota int
}

func (w *window) full() bool {
	return len(w.small) >= w.smallQuota && len(w.large) >= w.largeQuota
}

// Collector owns a Framer and routes its packets into sampling windows.
// Consume is called by the single stream consumer; Sample may run from any
// goroutine.
type Collector struct {
	mu       sync.Mutex
	framer   *Framer
	window   *window
	sampling bool
	outside  int64
	over     int64
	logger   *logrus.Logger
	now      func() time.Time
}

// NewCollector creates a Collector whose framer holds at most capacity hex chars.
func NewCollector(capacity int, logger *logrus.Logger) *Collector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Collector{
		framer: New(capacity),
		logger: logger,
		now:    time.Now,
	}
}

// Consume frames a notification payload and routes the resulting packets.
// A returned error reports dropped input; the collector stays usable.
func (c *Collector) Consume(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.framer.Feed(data)
	packets, err := c.framer.Scan()
	c.route(packets)
	return err
}

// Flush frames whatever is pending as the final frame of the stream.
func (c *Collector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	packets, err := c.framer.Flush()
	c.route(packets)
	return err
}

// Reset drops pending text, e.g. after the link was re-established.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framer.Reset()
}

// Pending returns the number of unconsumed hex characters.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framer.Pending()
}

// WindowOpen reports whether a sampling window is accepting packets.
func (c *Collector) WindowOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window != nil
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CollectorStats{
		Stats:         c.framer.Stats(),
		OutsideWindow: c.outside,
		OverQuota:     c.over,
	}
}

func (c *Collector) route(packets []Packet) {
	for _, p := range packets {
		w := c.window
		switch {
		case w == nil:
			c.outside++
		case p.Kind == Small && len(w.small) < w.smallQuota:
			w.small = append(w.small, p.Hex)
		case p.Kind == Large && len(w.large) < w.largeQuota:
			w.large = append(w.large, p.Hex)
		default:
			c.over++
		}
	}
}

// Sample collects one record worth of packets. It returns what was gathered
// so far together with ctx.Err() when cancelled.
func (c *Collector) Sample(ctx context.Context, opts SampleOptions) (Frames, error) {
	opts = opts.withDefaults()

	c.mu.Lock()
	if c.sampling {
		c.mu.Unlock()
		return Frames{}, ErrSampling
	}
	c.sampling = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sampling = false
		c.window = nil
		c.mu.Unlock()
	}()

	frames := Frames{StartedAt: c.now()}
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for i := 0; i < opts.Windows; i++ {
		w, err := c.collectWindow(ctx, ticker, opts)
		frames.Small = append(frames.Small, w.small...)
		frames.Large = append(frames.Large, w.large...)

		c.logger.WithFields(logrus.Fields{
			"window": i + 1,
			"small":  len(w.small),
			"large":  len(w.large),
		}).Debug("Sampling window closed")

		if err != nil {
			return frames, err
		}
	}
	return frames, nil
}

func (c *Collector) collectWindow(ctx context.Context, ticker *time.Ticker, opts SampleOptions) (*window, error) {
	w := &window{smallQuota: opts.SmallQuota, largeQuota: opts.LargeQuota}

	c.mu.Lock()
	c.window = w
	c.mu.Unlock()

	closeWindow := func() {
		c.mu.Lock()
		c.window = nil
		c.mu.Unlock()
	}

	deadline := time.NewTimer(opts.WindowDuration)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		full := w.full()
		c.mu.Unlock()
		if full {
			closeWindow()
			return w, nil
		}

		select {
		case <-ctx.Done():
			closeWindow()
			return w, ctx.Err()
		case <-deadline.C:
			closeWindow()
			return w, nil
		case <-ticker.C:
		}
	}
}
