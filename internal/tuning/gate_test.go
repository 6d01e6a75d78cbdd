package tuning

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// between is an energy level above SustainThreshold but below AttackThreshold.
const between = (SustainThreshold + AttackThreshold) / 2

func TestGate_ZeroValueUsesAttackThreshold(t *testing.T) {
	t.Parallel()

	var g Gate
	if got := g.Threshold(); got != AttackThreshold {
		t.Errorf("Threshold() = %v, want %v", got, AttackThreshold)
	}
	if g.State().Sustaining {
		t.Error("zero Gate should not be sustaining")
	}
}

func TestGate_Attack(t *testing.T) {
	t.Parallel()

	var g Gate
	if d := g.Evaluate(440, between, t0); d == Accepted {
		t.Errorf("energy between thresholds without sustain: got %v, want rejection", d)
	}
	if g.State().Sustaining {
		t.Error("rejected attack must not start sustaining")
	}

	var g2 Gate
	if d := g2.Evaluate(440, 0.05, t0); d != Accepted {
		t.Fatalf("loud pitched sample: got %v, want accepted", d)
	}
	st := g2.State()
	if !st.Sustaining {
		t.Error("accepted attack must start sustaining")
	}
	if st.Silencing || !st.SilenceStartedAt.IsZero() {
		t.Error("accepted attack must not open a silence run")
	}
	if got := g2.Threshold(); got != SustainThreshold {
		t.Errorf("Threshold() after attack = %v, want %v", got, SustainThreshold)
	}
}

func TestGate_RequiresPitch(t *testing.T) {
	t.Parallel()

	for _, raw := range []float64{0, -1} {
		var g Gate
		if d := g.Evaluate(raw, 0.5, t0); d == Accepted {
			t.Errorf("Evaluate(raw=%v) = accepted, want rejection", raw)
		}
	}
}

func TestGate_EnergyMustExceedThreshold(t *testing.T) {
	t.Parallel()

	var g Gate
	if d := g.Evaluate(440, AttackThreshold, t0); d == Accepted {
		t.Error("energy equal to the attack threshold must be rejected")
	}
}

func TestGate_Sustain(t *testing.T) {
	t.Parallel()

	var g Gate
	g.Evaluate(440, 0.05, t0)
	for i := range 10 {
		now := t0.Add(time.Duration(i+1) * 20 * time.Millisecond)
		if d := g.Evaluate(440, between, now); d != Accepted {
			t.Fatalf("cycle %d: sustain-level sample = %v, want accepted", i, d)
		}
	}
	if d := g.Evaluate(440, SustainThreshold/2, t0.Add(time.Second)); d == Accepted {
		t.Error("energy below the sustain threshold must be rejected")
	}
}

func TestGate_GracePeriod(t *testing.T) {
	t.Parallel()

	var g Gate
	g.Evaluate(440, 0.05, t0)

	start := t0.Add(20 * time.Millisecond)
	if d := g.Evaluate(0, 0, start); d != Held {
		t.Fatalf("first rejection = %v, want held", d)
	}
	if st := g.State(); !st.Silencing || !st.SilenceStartedAt.Equal(start) {
		t.Errorf("State() = %+v, want a silence run opened at %v", st, start)
	}

	// Rejections inside the grace window keep the original start time.
	for _, dt := range []time.Duration{20, 100, 200, 299} {
		if d := g.Evaluate(0, 0, start.Add(dt*time.Millisecond)); d != Held {
			t.Fatalf("rejection at +%dms = %v, want held", dt, d)
		}
	}
	if got := g.State().SilenceStartedAt; !got.Equal(start) {
		t.Errorf("SilenceStartedAt moved to %v during grace", got)
	}

	if d := g.Evaluate(0, 0, start.Add(GracePeriod)); d != Silent {
		t.Fatalf("rejection at +300ms = %v, want silent", d)
	}
	st := g.State()
	if st.Sustaining {
		t.Error("Silent must clear Sustaining")
	}
	if st.Silencing || !st.SilenceStartedAt.IsZero() {
		t.Error("Silent must close the silence run")
	}
	if got := g.Threshold(); got != AttackThreshold {
		t.Errorf("Threshold() after Silent = %v, want %v", got, AttackThreshold)
	}
}

func TestGate_SilentIsOneShot(t *testing.T) {
	t.Parallel()

	var g Gate
	g.Evaluate(440, 0.05, t0)

	// 1.2 s of continuous rejection at 20 ms per cycle. Each run opens on a
	// Held cycle and reports Silent 300 ms later, so a run spans 16 cycles
	// and the next one opens on the following cycle.
	var silentAt []int
	for i := range 60 {
		if g.Evaluate(0, 0, t0.Add(time.Duration(i+1)*20*time.Millisecond)) == Silent {
			silentAt = append(silentAt, i)
		}
	}
	want := []int{15, 31, 47}
	if len(silentAt) != len(want) {
		t.Fatalf("Silent at cycles %v, want %v", silentAt, want)
	}
	for i := range want {
		if silentAt[i] != want[i] {
			t.Errorf("Silent at cycles %v, want %v", silentAt, want)
			break
		}
	}
}

func TestGate_ZeroTimestamps(t *testing.T) {
	t.Parallel()

	var zero time.Time
	tests := []struct {
		name  string
		start time.Time
	}{
		{"zero start", zero},
		{"before zero", zero.Add(-time.Second)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var g Gate
			g.Evaluate(440, 0.05, tc.start)
			if d := g.Evaluate(0, 0, tc.start); d != Held {
				t.Fatalf("first rejection = %v, want held", d)
			}
			if !g.State().Silencing {
				t.Fatal("first rejection did not open a silence run")
			}
			if d := g.Evaluate(0, 0, tc.start.Add(GracePeriod/2)); d != Held {
				t.Fatalf("rejection inside grace = %v, want held", d)
			}
			if d := g.Evaluate(0, 0, tc.start.Add(GracePeriod)); d != Silent {
				t.Fatalf("rejection after grace = %v, want silent", d)
			}
			if g.State().Sustaining {
				t.Error("Silent must clear Sustaining")
			}
		})
	}

	// Every cycle stamped with the zero time: the run opens on the first
	// rejection and never reaches the grace period.
	var g Gate
	g.Evaluate(440, 0.05, zero)
	for i := range 30 {
		if d := g.Evaluate(0, 0, zero); d != Held {
			t.Fatalf("cycle %d: got %v, want held", i, d)
		}
	}
	if st := g.State(); !st.Silencing || !st.SilenceStartedAt.IsZero() {
		t.Errorf("State() = %+v, want one run opened at the zero time", st)
	}
}

func TestGate_AcceptanceClearsSilenceRun(t *testing.T) {
	t.Parallel()

	var g Gate
	g.Evaluate(440, 0.05, t0)
	g.Evaluate(0, 0, t0.Add(20*time.Millisecond))
	g.Evaluate(0, 0, t0.Add(250*time.Millisecond))
	if d := g.Evaluate(440, between, t0.Add(280*time.Millisecond)); d != Accepted {
		t.Fatalf("sustain sample during grace = %v, want accepted", d)
	}
	if st := g.State(); st.Silencing || !st.SilenceStartedAt.IsZero() {
		t.Error("acceptance must close the silence run")
	}
	// A new silence run starts from scratch: 290 ms later it is still held.
	g.Evaluate(0, 0, t0.Add(300*time.Millisecond))
	if d := g.Evaluate(0, 0, t0.Add(590*time.Millisecond)); d != Held {
		t.Errorf("got %v, want held within the new grace window", d)
	}
}

func TestGate_Reset(t *testing.T) {
	t.Parallel()

	var g Gate
	g.Evaluate(440, 0.05, t0)
	g.Evaluate(0, 0, t0.Add(time.Millisecond))
	g.Reset()
	if g.State() != (GateState{}) {
		t.Errorf("State() after Reset = %+v, want zero", g.State())
	}
}

func TestDecision_String(t *testing.T) {
	t.Parallel()

	tests := map[Decision]string{Accepted: "accepted", Held: "held", Silent: "silent", Decision(9): "unknown"}
	for d, want := range tests {
		if got := d.String(); got != want {
			t.Errorf("Decision(%d).String() = %q, want %q", int(d), got, want)
		}
	}
	if !Accepted.Active() || !Held.Active() || Silent.Active() {
		t.Error("Active(): want Accepted and Held active, Silent inactive")
	}
}
