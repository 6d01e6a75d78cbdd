package tuning

import "time"

// Input is everything one cycle contributes to the session.
type Input struct {
	// Raw is the pitch estimator's result in Hz; <= 0 means no pitch.
	Raw float64

	// Energy is the RMS of the cycle's audio buffer.
	Energy float64

	// Now is the cycle timestamp.
	Now time.Time
}

// Output is the result of one [Session.Step].
type Output struct {
	Decision Decision

	// Published is the pitch visible to readers after the step, in Hz.
	// 0 means no reading.
	Published float64

	// Changed reports whether Published differs from the previous step.
	Changed bool
}

// Session is the complete per-session state of the conditioning pipeline.
// It is created when tuning starts and discarded when tuning stops; the zero
// value is a fresh session with nothing published.
type Session struct {
	Gate      Gate
	Smoother  Smoother
	published float64
}

// Step advances the session by one cycle:
//
//   - Accepted: the raw estimate enters the smoother and the new mean is
//     published.
//   - Held: the published pitch is left as is.
//   - Silent: the smoother is emptied and 0 is published.
func (s *Session) Step(in Input) Output {
	prev := s.published
	d := s.Gate.Evaluate(in.Raw, in.Energy, in.Now)
	switch d {
	case Accepted:
		s.published = s.Smoother.Push(in.Raw)
	case Silent:
		s.Smoother.Reset()
		s.published = 0
	}
	return Output{
		Decision:  d,
		Published: s.published,
		Changed:   s.published != prev,
	}
}

// Reject steps the session with a cycle that produced no usable estimate,
// e.g. because capture or estimation failed.
func (s *Session) Reject(now time.Time) Output {
	return s.Step(Input{Now: now})
}

// Published returns the currently published pitch in Hz.
func (s *Session) Published() float64 {
	return s.published
}
