package session

import (
	"sync"

	"github.com/MrWong99/tuner/pkg/pitch"
)

// snapshot is the immutable value readers see. It is replaced as a whole on
// every publish so readers never observe a half-written reading.
type snapshot struct {
	published float64
	reading   pitch.Reading
}

var emptySnapshot = &snapshot{reading: pitch.Map(0)}

// publisher holds the current snapshot and the push subscribers.
type publisher struct {
	mu     sync.Mutex
	subs   map[int]chan pitch.Reading
	nextID int
}

// Reading returns the note reading for the published pitch. It is the "-"
// sentinel when nothing is published.
func (m *Manager) Reading() pitch.Reading {
	return m.snap.Load().reading
}

// Published returns the published smoothed pitch in Hz, 0 when none.
func (m *Manager) Published() float64 {
	return m.snap.Load().published
}

// IsActive reports whether a pitch is currently published.
func (m *Manager) IsActive() bool {
	return m.snap.Load().published > 0
}

// Subscribe returns a channel that receives the reading every time the
// published pitch changes, starting with the current one. Delivery is
// latest-wins: a slow reader skips intermediate readings but never sees them
// out of order. Call the returned function to unsubscribe; it closes the
// channel.
func (m *Manager) Subscribe() (<-chan pitch.Reading, func()) {
	ch := make(chan pitch.Reading, 1)

	p := &m.pub
	p.mu.Lock()
	if p.subs == nil {
		p.subs = make(map[int]chan pitch.Reading)
	}
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	ch <- m.snap.Load().reading
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// publish stores f as the published pitch and notifies subscribers.
func (m *Manager) publish(f float64) {
	s := &snapshot{published: f, reading: pitch.Map(f)}

	p := &m.pub
	p.mu.Lock()
	defer p.mu.Unlock()
	m.snap.Store(s)
	for _, ch := range p.subs {
		offer(ch, s.reading)
	}
}

// offer replaces whatever is pending in ch with r.
func offer(ch chan pitch.Reading, r pitch.Reading) {
	select {
	case ch <- r:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- r:
	default:
	}
}
