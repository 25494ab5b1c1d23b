package congestion

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, mutate func(*Options)) *Controller {
	t.Helper()
	opts := Options{Target: 50, Delay: time.Hour, Smoothing: 0.5, Gain: 0.2, QueueSize: 64}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts, slog.Default())
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestController_StartsFullyOpen(t *testing.T) {
	c := newTestController(t, nil)
	assert.Equal(t, 1.0, c.SendProbability())
	assert.False(t, c.ShouldShed())
}

func TestController_HighLoadDrivesProbabilityDown(t *testing.T) {
	c := newTestController(t, nil)

	prev := c.SendProbability()
	for window := 0; window < 20; window++ {
		for i := 0; i < 10; i++ {
			require.True(t, c.UpdateValue(90))
		}
		c.recompute()
		p := c.SendProbability()
		assert.LessOrEqual(t, p, prev, "window %d", window)
		prev = p
	}
	assert.Equal(t, 0.0, prev, "sustained overload must clamp at 0")
	assert.InDelta(t, 90, c.WeightedValue(), 1e-9)
}

func TestController_NoSamplesHoldsProbability(t *testing.T) {
	c := newTestController(t, nil)
	for i := 0; i < 5; i++ {
		c.UpdateValue(100)
	}
	c.recompute()
	held := c.SendProbability()
	require.Less(t, held, 1.0)

	for i := 0; i < 10; i++ {
		c.recompute()
		assert.Equal(t, held, c.SendProbability())
	}
}

func TestController_LowLoadRecovers(t *testing.T) {
	c := newTestController(t, nil)
	for i := 0; i < 5; i++ {
		c.UpdateValue(100)
		c.recompute()
	}
	low := c.SendProbability()
	require.Less(t, low, 1.0)

	for i := 0; i < 50; i++ {
		c.UpdateValue(10)
		c.recompute()
	}
	assert.Equal(t, 1.0, c.SendProbability(), "probability clamps at 1")
}

func TestController_FirstWindowIsPlainAverage(t *testing.T) {
	c := newTestController(t, func(o *Options) { o.Smoothing = 0.1 })
	for _, v := range []float64{10, 20, 30, 40} {
		c.UpdateValue(v)
	}
	c.recompute()
	assert.InDelta(t, 25, c.WeightedValue(), 1e-9)

	// Later windows use the EMA: 25*0.9 + 125*0.1.
	c.UpdateValue(125)
	c.recompute()
	assert.InDelta(t, 35, c.WeightedValue(), 1e-9)
}

func TestController_ControlLaw(t *testing.T) {
	c := newTestController(t, func(o *Options) { o.Target = 80; o.Gain = 0.5 })
	c.UpdateValue(100)
	c.recompute()
	// 1 + 0.5*(80-100)/80
	assert.InDelta(t, 0.875, c.SendProbability(), 1e-9)
}

func TestController_FullQueueDropsWithoutBlocking(t *testing.T) {
	c := newTestController(t, func(o *Options) { o.QueueSize = 4 })
	for i := 0; i < 4; i++ {
		require.True(t, c.UpdateValue(1))
	}
	assert.False(t, c.UpdateValue(1))
	assert.False(t, c.UpdateValue(1))
	assert.EqualValues(t, 2, c.Dropped())

	c.recompute()
	assert.True(t, c.UpdateValue(1), "queue drained by recompute")
}

func TestController_RejectsNonFiniteSamples(t *testing.T) {
	c := newTestController(t, nil)
	assert.False(t, c.UpdateValue(math.Inf(1)))
	assert.False(t, c.UpdateValue(math.NaN()))
	assert.EqualValues(t, 0, c.Dropped())
}

func TestController_SetTarget(t *testing.T) {
	c := newTestController(t, nil)
	require.NoError(t, c.SetTarget(200))
	assert.Equal(t, 200.0, c.Target())
	assert.Error(t, c.SetTarget(0))
	assert.Error(t, c.SetTarget(-5))
	assert.Equal(t, 200.0, c.Target())

	c.UpdateValue(100)
	c.recompute()
	assert.Equal(t, 1.0, c.SendProbability(), "load under the new target")
}

func TestController_StartStop(t *testing.T) {
	c := newTestController(t, func(o *Options) { o.Delay = 5 * time.Millisecond })
	c.Start()
	c.Start()
	assert.True(t, c.Stats().Running)

	for i := 0; i < 10; i++ {
		c.UpdateValue(100)
	}
	require.Eventually(t, func() bool { return c.SendProbability() < 1 }, time.Second, 5*time.Millisecond)

	c.Stop()
	assert.False(t, c.Stats().Running)

	// No recompute after Stop returns.
	p := c.SendProbability()
	for i := 0; i < 10; i++ {
		c.UpdateValue(100)
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, p, c.SendProbability())

	c.Stop()
	c.Start()
	assert.False(t, c.Stats().Running, "Start after Stop does nothing")
}

func TestController_ConcurrentStop(t *testing.T) {
	c := newTestController(t, func(o *Options) { o.Delay = time.Millisecond })
	c.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.UpdateValue(42)
			c.Stop()
		}()
	}
	wg.Wait()
}

func TestController_StopWithoutStart(t *testing.T) {
	c := newTestController(t, nil)
	c.Stop()
	c.Stop()
}

func TestNew_ValidatesOptions(t *testing.T) {
	bad := []func(*Options){
		func(o *Options) { o.Target = 0 },
		func(o *Options) { o.Delay = 0 },
		func(o *Options) { o.Smoothing = 0 },
		func(o *Options) { o.Smoothing = 1.5 },
		func(o *Options) { o.Gain = -1 },
		func(o *Options) { o.QueueSize = 0 },
	}
	for i, mutate := range bad {
		opts := DefaultOptions()
		mutate(&opts)
		_, err := New(opts, nil)
		assert.Error(t, err, "case %d", i)
	}
}

func TestController_ShouldShedFollowsProbability(t *testing.T) {
	c := newTestController(t, nil)
	storeFloat(&c.prob, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, c.ShouldShed())
	}

	storeFloat(&c.prob, 0.5)
	shed := 0
	for i := 0; i < 10000; i++ {
		if c.ShouldShed() {
			shed++
		}
	}
	assert.InDelta(t, 5000, shed, 500)
}

func TestSampler_FeedsController(t *testing.T) {
	c := newTestController(t, nil)
	var reads atomic.Int64
	read := func(context.Context) (float64, error) {
		if reads.Add(1)%2 == 0 {
			return 0, errors.New("transient")
		}
		return 80, nil
	}
	s, err := NewSampler(c, SignalCPU, time.Millisecond, read, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return reads.Load() >= 6 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	c.recompute()
	assert.InDelta(t, 80, c.WeightedValue(), 1e-9)
}

func TestReader_Signals(t *testing.T) {
	for _, s := range []Signal{SignalCPU, SignalMemory, SignalLoad1} {
		_, err := Reader(s)
		assert.NoError(t, err, s)
	}
	_, err := Reader("disk")
	assert.Error(t, err)

	_, err = NewSampler(nil, SignalCPU, 0, nil, nil)
	assert.Error(t, err)
}
