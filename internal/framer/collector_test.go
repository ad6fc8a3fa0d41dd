package framer

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(windows, small, large int) SampleOptions {
	return SampleOptions{
		Windows:        windows,
		WindowDuration: 200 * time.Millisecond,
		PollInterval:   time.Millisecond,
		SmallQuota:     small,
		LargeQuota:     large,
	}
}

func sampleAsync(c *Collector, ctx context.Context, opts SampleOptions) <-chan Frames {
	out := make(chan Frames, 1)
	go func() {
		frames, _ := c.Sample(ctx, opts)
		out <- frames
	}()
	return out
}

func waitSampling(t *testing.T, c *Collector) {
	t.Helper()
	require.Eventually(t, c.WindowOpen, time.Second, time.Millisecond, "sampling window MUST open")
}

func TestCollector_ClosesWindowWhenQuotasMet(t *testing.T) {
	c := NewCollector(0, logrus.New())
	result := sampleAsync(c, context.Background(), fastOptions(1, 1, 1))
	waitSampling(t, c)

	require.NoError(t, c.Consume(mustHex(t, smallFrameA)))
	require.NoError(t, c.Consume(mustHex(t, largeFrame)))
	require.NoError(t, c.Consume(mustHex(t, Marker)))

	select {
	case frames := <-result:
		assert.Equal(t, []string{smallFrameA}, frames.Small)
		assert.Equal(t, []string{largeFrame}, frames.Large)
		assert.False(t, frames.StartedAt.IsZero())
	case <-time.After(150 * time.Millisecond):
		t.Fatal("window MUST close as soon as both quotas are met")
	}
}

func TestCollector_QuotaExcessIsCounted(t *testing.T) {
	c := NewCollector(0, nil)
	result := sampleAsync(c, context.Background(), fastOptions(1, 1, 0))
	waitSampling(t, c)

	require.NoError(t, c.Consume(mustHex(t, smallFrameA+smallFrameB+largeFrame+Marker)))

	frames := <-result
	assert.Equal(t, []string{smallFrameA}, frames.Small)
	assert.Empty(t, frames.Large)
	assert.EqualValues(t, 2, c.Stats().OverQuota, "packets beyond quota MUST be counted, not kept")
}

func TestCollector_PacketsOutsideWindowAreCounted(t *testing.T) {
	c := NewCollector(0, nil)

	require.NoError(t, c.Consume(mustHex(t, smallFrameA+Marker)))

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.OutsideWindow)
	assert.EqualValues(t, 1, stats.Small)
}

func TestCollector_WindowsAccumulate(t *testing.T) {
	c := NewCollector(0, nil)
	opts := fastOptions(2, 1, 0)
	opts.WindowDuration = 50 * time.Millisecond
	result := sampleAsync(c, context.Background(), opts)

	waitSampling(t, c)
	require.NoError(t, c.Consume(mustHex(t, smallFrameA+Marker)))

	frames := <-result
	assert.Equal(t, []string{smallFrameA}, frames.Small, "second window MAY time out empty")
}

func TestCollector_SampleCancelled(t *testing.T) {
	c := NewCollector(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	frames, err := c.Sample(ctx, fastOptions(4, 512, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, frames.Empty())
}

func TestCollector_ConcurrentSampleRejected(t *testing.T) {
	c := NewCollector(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = sampleAsync(c, ctx, fastOptions(1, 1, 1))
	waitSampling(t, c)

	_, err := c.Sample(context.Background(), fastOptions(1, 1, 1))
	assert.ErrorIs(t, err, ErrSampling)
}

func TestCollector_FlushAndReset(t *testing.T) {
	c := NewCollector(0, nil)
	require.NoError(t, c.Consume(mustHex(t, smallFrameA)))
	assert.Equal(t, len(smallFrameA), c.Pending())

	require.NoError(t, c.Flush())
	assert.Equal(t, 0, c.Pending())
	assert.EqualValues(t, 1, c.Stats().Small)

	require.NoError(t, c.Consume(mustHex(t, smallFrameB)))
	c.Reset()
	assert.Equal(t, 0, c.Pending())
}

func TestSampleOptions_Defaults(t *testing.T) {
	got := SampleOptions{}.withDefaults()
	def := DefaultSampleOptions()
	assert.Equal(t, def.Windows, got.Windows)
	assert.Equal(t, def.WindowDuration, got.WindowDuration)
	assert.Equal(t, def.PollInterval, got.PollInterval)
	assert.Equal(t, 0, got.SmallQuota, "explicit zero quota MUST be kept")
}
