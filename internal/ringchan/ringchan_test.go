package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)

	var dropped []int
	for i := 0; i < 10; i++ {
		if old, ok := rc.Push(i); ok {
			dropped = append(dropped, old)
		}
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}

	assert.Equal(t, []int{7, 8, 9}, got, "only the newest values MUST survive")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, dropped, "every eviction MUST be reported in order")

	m := rc.Metrics()
	assert.EqualValues(t, 10, m.Written)
	assert.EqualValues(t, 7, m.Overwritten)
}

func TestRingChannel_CloseIsIdempotentAndPushAfterCloseIsCounted(t *testing.T) {
	rc := New[int](2)
	rc.Close()
	rc.Close()

	assert.NotPanics(t, func() { rc.Push(1) })
	assert.EqualValues(t, 1, rc.Metrics().Errors)

	_, ok := <-rc.C()
	assert.False(t, ok)
}

func TestRingChannel_ConcurrentProducersNeverBlock(t *testing.T) {
	rc := New[int](4)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rc.Push(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, rc.Len())
	assert.Equal(t, 4, rc.Cap())
	m := rc.Metrics()
	assert.EqualValues(t, 8000, m.Written)
	assert.EqualValues(t, 8000-4, m.Overwritten)
}
