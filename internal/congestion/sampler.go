package congestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Signal names the host metric fed into a controller.
type Signal string

const (
	SignalCPU    Signal = "cpu"    // total CPU utilisation, percent
	SignalMemory Signal = "memory" // used virtual memory, percent
	SignalLoad1  Signal = "load1"  // one-minute load average
)

// ReadFunc returns one load sample.
type ReadFunc func(ctx context.Context) (float64, error)

// Reader returns the ReadFunc for signal.
func Reader(signal Signal) (ReadFunc, error) {
	switch signal {
	case SignalCPU, "":
		return readCPU, nil
	case SignalMemory:
		return readMemory, nil
	case SignalLoad1:
		return readLoad1, nil
	default:
		return nil, fmt.Errorf("unknown congestion signal %q", signal)
	}
}

func readCPU(ctx context.Context) (float64, error) {
	// Interval 0 compares against the previous call.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("cpu: no samples")
	}
	return pct[0], nil
}

func readMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func readLoad1(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

// Sampler feeds a host metric into a Controller on an interval.
type Sampler struct {
	ctrl     *Controller
	read     ReadFunc
	signal   Signal
	interval time.Duration
	logger   *slog.Logger
}

// NewSampler creates a sampler for signal. read may be nil to use the
// gopsutil reader for signal.
func NewSampler(ctrl *Controller, signal Signal, interval time.Duration, read ReadFunc, logger *slog.Logger) (*Sampler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sample interval must be > 0, got %v", interval)
	}
	if read == nil {
		var err error
		if read, err = Reader(signal); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{ctrl: ctrl, read: read, signal: signal, interval: interval, logger: logger}, nil
}

// Run samples until ctx is done. Read errors are logged and skipped.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v, err := s.read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("load sample failed", "signal", s.signal, "error", err)
				continue
			}
			s.ctrl.UpdateValue(v)
		}
	}
}
