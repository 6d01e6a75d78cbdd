package tuning

// SmoothingWindow is the number of accepted estimates averaged together.
const SmoothingWindow = 5

// Smoother is a bounded moving average over the most recent accepted pitch
// estimates. A plain mean over a short window gives a hard bound on lag
// (SmoothingWindow cycles) which exponential smoothing does not.
//
// The zero value is an empty smoother. Not safe for concurrent use.
type Smoother struct {
	ring  [SmoothingWindow]float64
	head  int // index of the oldest value
	count int
}

// Push appends v, evicting the oldest value once the window is full, and
// returns the mean of the window.
func (s *Smoother) Push(v float64) float64 {
	if s.count < SmoothingWindow {
		s.ring[(s.head+s.count)%SmoothingWindow] = v
		s.count++
	} else {
		s.ring[s.head] = v
		s.head = (s.head + 1) % SmoothingWindow
	}
	return s.Mean()
}

// Mean returns the average of the window, or 0 when empty.
func (s *Smoother) Mean() float64 {
	if s.count == 0 {
		return 0
	}
	var sum float64
	for i := range s.count {
		sum += s.ring[(s.head+i)%SmoothingWindow]
	}
	return sum / float64(s.count)
}

// Len returns the number of values in the window.
func (s *Smoother) Len() int {
	return s.count
}

// Values returns the window contents, oldest first.
func (s *Smoother) Values() []float64 {
	out := make([]float64, s.count)
	for i := range out {
		out[i] = s.ring[(s.head+i)%SmoothingWindow]
	}
	return out
}

// Reset empties the window.
func (s *Smoother) Reset() {
	*s = Smoother{}
}
