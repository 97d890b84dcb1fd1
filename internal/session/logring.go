package session

import "time"

// MaxLogCapacity is the hard upper bound of a session's log ring.
const MaxLogCapacity = 200

// DefaultLogCapacity is the ring size when none is configured.
const DefaultLogCapacity = MaxLogCapacity

// Entry is one timestamped session log line.
type Entry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Ring is a fixed-capacity, append-only log that evicts oldest first.
// It is not safe for concurrent use; State serializes access.
type Ring struct {
	buf   []Entry
	start int // index of the oldest entry
	n     int
}

// NewRing returns a ring of the given size, clamped to MaxLogCapacity.
func NewRing(capacity int) *Ring {
	switch {
	case capacity <= 0:
		capacity = DefaultLogCapacity
	case capacity > MaxLogCapacity:
		capacity = MaxLogCapacity
	}
	return &Ring{buf: make([]Entry, capacity)}
}

func (r *Ring) Cap() int { return len(r.buf) }
func (r *Ring) Len() int { return r.n }

func (r *Ring) Append(e Entry) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// Last returns the newest entry.
func (r *Ring) Last() (Entry, bool) {
	if r.n == 0 {
		return Entry{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// Tail returns up to n newest entries, oldest first. n <= 0 means all.
func (r *Ring) Tail(n int) []Entry {
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]Entry, n)
	skip := r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}
