// Package congestion computes a send probability from an observed load
// signal. Admission layers shed 1-p of their traffic to keep the load near
// a target before the host falls over.
package congestion

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/cacheproxy/internal/metrics"
)

// Options configures a Controller.
type Options struct {
	Target    float64       // desired load, in the signal's unit
	Delay     time.Duration // recompute period
	Smoothing float64       // EMA weight of a new sample, (0, 1]
	Gain      float64       // proportional gain of the control law
	QueueSize int           // sample buffer; full buffers drop samples
}

// DefaultOptions returns settings suited to a percent-utilisation signal.
func DefaultOptions() Options {
	return Options{
		Target:    70,
		Delay:     time.Second,
		Smoothing: 0.3,
		Gain:      0.5,
		QueueSize: 1024,
	}
}

func (o Options) validate() error {
	switch {
	case !(o.Target > 0):
		return fmt.Errorf("target must be > 0, got %v", o.Target)
	case o.Delay <= 0:
		return fmt.Errorf("delay must be > 0, got %v", o.Delay)
	case !(o.Smoothing > 0 && o.Smoothing <= 1):
		return fmt.Errorf("smoothing must be in (0, 1], got %v", o.Smoothing)
	case !(o.Gain > 0):
		return fmt.Errorf("gain must be > 0, got %v", o.Gain)
	case o.QueueSize < 1:
		return fmt.Errorf("queue_size must be >= 1, got %d", o.QueueSize)
	}
	return nil
}

// Controller turns load samples into a send probability.
//
// UpdateValue never blocks. A background goroutine started by Start folds
// queued samples into the weighted value every Delay: the first window uses
// the plain average of its samples, later windows an exponential moving
// average. The probability then moves by Gain*(target-weighted)/target and
// is clamped to [0, 1]. A window without samples holds the probability.
type Controller struct {
	samples   chan float64
	delay     time.Duration
	smoothing float64
	gain      float64
	logger    *slog.Logger

	target   atomic.Uint64 // float64 bits
	weighted atomic.Uint64 // float64 bits
	prob     atomic.Uint64 // float64 bits
	dropped  atomic.Uint64

	// Owned by the recompute goroutine (or by tests calling recompute).
	steady bool

	lifeMu  sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a stopped controller with send probability 1.
func New(opts Options, logger *slog.Logger) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("congestion: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		samples:   make(chan float64, opts.QueueSize),
		delay:     opts.Delay,
		smoothing: opts.Smoothing,
		gain:      opts.Gain,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	storeFloat(&c.target, opts.Target)
	storeFloat(&c.prob, 1)
	metrics.CongestionSendProbability.Set(1)
	return c, nil
}

func storeFloat(a *atomic.Uint64, v float64) { a.Store(math.Float64bits(v)) }
func loadFloat(a *atomic.Uint64) float64     { return math.Float64frombits(a.Load()) }

// UpdateValue queues a load sample. It reports false when the queue was
// full and the sample was dropped.
func (c *Controller) UpdateValue(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	select {
	case c.samples <- v:
		return true
	default:
		c.dropped.Add(1)
		metrics.CongestionDroppedSamples.Inc()
		return false
	}
}

// Start launches the recompute loop. Calls after the first, or after Stop,
// do nothing.
func (c *Controller) Start() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	go c.run()
}

// Stop ends the recompute loop and waits for it to exit. No recompute runs
// after Stop returns. Safe to call more than once and from any goroutine.
func (c *Controller) Stop() {
	c.lifeMu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	started := c.started
	c.lifeMu.Unlock()
	if started {
		<-c.doneCh
	}
}

func (c *Controller) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Prefer stop over a tick that raced with it.
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.recompute()
		case <-c.stopCh:
			return
		}
	}
}

// recompute drains queued samples and updates the weighted value and send
// probability.
func (c *Controller) recompute() {
	n := 0
	sum := 0.0
	w := loadFloat(&c.weighted)
drain:
	for {
		select {
		case v := <-c.samples:
			n++
			if c.steady {
				w = c.smoothing*v + (1-c.smoothing)*w
			} else {
				sum += v
			}
		default:
			break drain
		}
	}
	if n == 0 {
		return
	}
	if !c.steady {
		w = sum / float64(n)
		c.steady = true
	}
	storeFloat(&c.weighted, w)

	target := loadFloat(&c.target)
	p := loadFloat(&c.prob) + c.gain*(target-w)/target
	p = math.Max(0, math.Min(1, p))
	storeFloat(&c.prob, p)

	metrics.CongestionWeightedValue.Set(w)
	metrics.CongestionSendProbability.Set(p)
	c.logger.Debug("congestion recompute",
		"samples", n,
		"weighted", w,
		"target", target,
		"send_probability", p,
	)
}

// SetTarget changes the desired load. Takes effect on the next recompute.
func (c *Controller) SetTarget(target float64) error {
	if !(target > 0) || math.IsInf(target, 0) {
		return fmt.Errorf("congestion: target must be > 0, got %v", target)
	}
	storeFloat(&c.target, target)
	c.logger.Info("congestion target changed", "target", target)
	return nil
}

// Target returns the desired load.
func (c *Controller) Target() float64 { return loadFloat(&c.target) }

// SendProbability returns the share of requests that should be admitted.
func (c *Controller) SendProbability() float64 { return loadFloat(&c.prob) }

// WeightedValue returns the smoothed load estimate.
func (c *Controller) WeightedValue() float64 { return loadFloat(&c.weighted) }

// Dropped returns the number of samples dropped on a full queue.
func (c *Controller) Dropped() uint64 { return c.dropped.Load() }

// ShouldShed draws against the send probability.
func (c *Controller) ShouldShed() bool {
	p := c.SendProbability()
	if p >= 1 {
		return false
	}
	return rand.Float64() >= p
}

// Stats is a point-in-time view for the admin API.
type Stats struct {
	Target          float64 `json:"target"`
	WeightedValue   float64 `json:"weighted_value"`
	SendProbability float64 `json:"send_probability"`
	DroppedSamples  uint64  `json:"dropped_samples"`
	Running         bool    `json:"running"`
}

// Stats returns the current controller state.
func (c *Controller) Stats() Stats {
	c.lifeMu.Lock()
	running := c.started && !c.stopped
	c.lifeMu.Unlock()
	return Stats{
		Target:          c.Target(),
		WeightedValue:   c.WeightedValue(),
		SendProbability: c.SendProbability(),
		DroppedSamples:  c.Dropped(),
		Running:         running,
	}
}
