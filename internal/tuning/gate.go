// Package tuning implements the signal-conditioning core of the tuner: a
// hysteresis gate that decides whether the incoming pitch estimates are real,
// a moving-average smoother over accepted estimates, and the per-cycle step
// function that combines them into the published pitch.
//
// Nothing in this package blocks, allocates per cycle, or reads the clock:
// every call receives the cycle's timestamp, which keeps the state machine
// deterministic and testable without timers.
package tuning

import "time"

const (
	// AttackThreshold is the RMS energy a signal must exceed to start a new
	// note. It is the stricter of the two thresholds so that ambient noise
	// does not trigger a reading.
	AttackThreshold = 0.01

	// SustainThreshold is the RMS energy a signal must exceed to keep an
	// already-detected note alive, letting plucked strings decay naturally.
	SustainThreshold = 0.001

	// GracePeriod is how long rejections may continue before the gate
	// declares the signal lost.
	GracePeriod = 300 * time.Millisecond
)

// Decision is the outcome of one [Gate.Evaluate] call.
type Decision int

const (
	// Accepted means the cycle carried a valid pitch; the estimate should be
	// fed to the smoother.
	Accepted Decision = iota

	// Held means the cycle was rejected but the grace period is still
	// running; the previously published pitch stays on display.
	Held

	// Silent is the one-shot signal that the pitch has vanished. Downstream
	// state must be reset.
	Silent
)

// String returns the lower-case name of the decision.
func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Held:
		return "held"
	case Silent:
		return "silent"
	default:
		return "unknown"
	}
}

// Active reports whether d keeps the readout active (Accepted or Held).
func (d Decision) Active() bool {
	return d == Accepted || d == Held
}

// GateState is a snapshot of the gate's internal state.
type GateState struct {
	// Sustaining is true once an attack has been accepted and until the
	// signal is declared lost.
	Sustaining bool

	// Silencing is true while a silence run is open.
	Silencing bool

	// SilenceStartedAt is the timestamp of the first rejected cycle of the
	// open silence run. Meaningless unless Silencing is set.
	SilenceStartedAt time.Time
}

// Gate is a two-threshold hysteresis gate with a time-based release.
// The zero value is ready to use and starts disarmed (attack threshold).
//
// A Gate is not safe for concurrent use; it is owned by a single session
// loop.
type Gate struct {
	state GateState
}

// Threshold returns the energy threshold that applies to the next cycle.
func (g *Gate) Threshold() float64 {
	if g.state.Sustaining {
		return SustainThreshold
	}
	return AttackThreshold
}

// Evaluate classifies one cycle given the raw estimate in Hz (<= 0 meaning no
// pitch), the buffer's RMS energy, and the cycle timestamp.
//
// A rejected cycle first opens a silence run and reports [Held]. Once the
// run has lasted at least [GracePeriod] the gate reports [Silent] exactly
// once, drops back to the attack threshold, and closes the run; further
// rejections open a new run.
func (g *Gate) Evaluate(raw, energy float64, now time.Time) Decision {
	if raw > 0 && energy > g.Threshold() {
		g.state.Sustaining = true
		g.closeRun()
		return Accepted
	}

	if !g.state.Silencing {
		g.state.Silencing = true
		g.state.SilenceStartedAt = now
		return Held
	}
	if now.Sub(g.state.SilenceStartedAt) >= GracePeriod {
		g.closeRun()
		g.state.Sustaining = false
		return Silent
	}
	return Held
}

func (g *Gate) closeRun() {
	g.state.Silencing = false
	g.state.SilenceStartedAt = time.Time{}
}

// State returns a copy of the gate's state.
func (g *Gate) State() GateState {
	return g.state
}

// Reset disarms the gate and closes any open silence run.
func (g *Gate) Reset() {
	g.state = GateState{}
}
