package congestion

import "sync/atomic"

// Gate switches shedding by a Controller on and off at runtime. The
// controller keeps sampling while the gate is closed, so reopening it sheds
// from current state instead of a cold start.
type Gate struct {
	ctrl    *Controller
	enabled atomic.Bool
}

// NewGate wraps ctrl. enabled is the initial state.
func NewGate(ctrl *Controller, enabled bool) *Gate {
	g := &Gate{ctrl: ctrl}
	g.enabled.Store(enabled)
	return g
}

// SetEnabled opens or closes the gate.
func (g *Gate) SetEnabled(enabled bool) { g.enabled.Store(enabled) }

// Enabled reports whether the controller may shed.
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// ShouldShed consults the controller only while the gate is enabled.
func (g *Gate) ShouldShed() bool {
	return g.enabled.Load() && g.ctrl.ShouldShed()
}

func (g *Gate) Stats() Stats { return g.ctrl.Stats() }

func (g *Gate) SetTarget(target float64) error { return g.ctrl.SetTarget(target) }
