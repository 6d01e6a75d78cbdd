// Package pitch maps fundamental frequencies onto 12-tone equal temperament.
//
// [Map] is a pure, total function: every input, including 0 ("no reading"),
// yields a [Reading]. Octave numbering follows scientific pitch notation, so
// A4 is the 440 Hz reference and C4 is middle C.
package pitch

import (
	"fmt"
	"math"
)

// ReferencePitch is the frequency of A4 in Hz.
const ReferencePitch = 440.0

// InTuneCents is the half-width of the window, in cents, inside which a
// reading is considered in tune.
const InTuneCents = 5.0

// NoSignal is the note name of the sentinel reading returned for inputs that
// carry no pitch.
const NoSignal = "-"

// NoteNames lists the twelve pitch classes starting at C.
var NoteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// c0 is the frequency of C0: A4 lies 4 octaves and 9 semitones above it.
var c0 = ReferencePitch * math.Pow(2, -4.75)

// Reading is a frequency expressed as the nearest equal-tempered note.
type Reading struct {
	// Note is one of [NoteNames], or [NoSignal].
	Note string `json:"note"`

	// Octave in scientific pitch notation.
	Octave int `json:"octave"`

	// Cents is the signed deviation of Frequency from TargetFrequency.
	// Always in (-50, 50] for an active reading.
	Cents float64 `json:"cents"`

	// Frequency is the input frequency in Hz.
	Frequency float64 `json:"frequency"`

	// TargetFrequency is the exact equal-tempered frequency of Note/Octave.
	TargetFrequency float64 `json:"target_frequency"`
}

// Map converts frequency into a [Reading]. Non-positive and non-finite inputs
// return the "no reading" sentinel instead of evaluating log2 outside its
// domain, as do inputs so far out of range that the target frequency is not
// representable.
//
// The semitone index is rounded with [nearestSemitone], which resolves an
// exact midpoint toward the lower semitone. Cents is measured from the same
// semitone position, so it stays in (-50, 50].
func Map(frequency float64) Reading {
	if !(frequency > 0) || math.IsInf(frequency, 0) {
		return Reading{Note: NoSignal}
	}
	ratio := frequency / c0
	if ratio == 0 || math.IsInf(ratio, 0) {
		return Reading{Note: NoSignal}
	}

	x := 12 * math.Log2(ratio)
	halfSteps := nearestSemitone(x)

	target := c0 * math.Pow(2, halfSteps/12)
	if target == 0 || math.IsInf(target, 0) {
		return Reading{Note: NoSignal}
	}

	n := int(halfSteps)
	octave := int(math.Floor(halfSteps / 12))
	idx := ((n % 12) + 12) % 12

	return Reading{
		Note:            NoteNames[idx],
		Octave:          octave,
		Cents:           100 * (x - halfSteps),
		Frequency:       frequency,
		TargetFrequency: target,
	}
}

// Active reports whether r carries a pitch.
func (r Reading) Active() bool {
	return r.Note != NoSignal && r.Note != ""
}

// InTune reports whether r is within ±[InTuneCents] of its target.
func (r Reading) InTune() bool {
	return r.Active() && math.Abs(r.Cents) < InTuneCents
}

// DisplayCents returns Cents clamped to [-50, 50] for gauge rendering.
func (r Reading) DisplayCents() float64 {
	return math.Max(-50, math.Min(50, r.Cents))
}

// String formats r as e.g. "A4 +3.2¢", or "-" when there is no pitch.
func (r Reading) String() string {
	if !r.Active() {
		return NoSignal
	}
	return fmt.Sprintf("%s%d %+.1f¢", r.Note, r.Octave, r.Cents)
}

// nearestSemitone rounds x to the nearest integer, resolving ties toward
// negative infinity (57.5 -> 57, -0.5 -> -1).
func nearestSemitone(x float64) float64 {
	return math.Ceil(x - 0.5)
}
