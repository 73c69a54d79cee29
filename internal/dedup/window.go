// Package dedup implements bounded-lookback duplicate detection.
package dedup

// Window remembers the most recent keys it has seen, up to a fixed capacity.
// Once full, the oldest key is forgotten. Not safe for concurrent use; each
// instance is owned by a single goroutine.
type Window[K comparable] struct {
	seen map[K]struct{}
	ring []K
	next int
	full bool
}

// NewWindow creates a window remembering up to size keys.
func NewWindow[K comparable](size int) *Window[K] {
	if size <= 0 {
		size = 1
	}
	return &Window[K]{
		seen: make(map[K]struct{}, size),
		ring: make([]K, size),
	}
}

// Seen reports whether key was already observed and records it otherwise.
func (w *Window[K]) Seen(key K) bool {
	if _, ok := w.seen[key]; ok {
		return true
	}
	if w.full {
		delete(w.seen, w.ring[w.next])
	}
	w.ring[w.next] = key
	w.seen[key] = struct{}{}
	w.next++
	if w.next == len(w.ring) {
		w.next = 0
		w.full = true
	}
	return false
}

// Contains reports whether key is in the window without recording it.
func (w *Window[K]) Contains(key K) bool {
	_, ok := w.seen[key]
	return ok
}

// Len returns the number of remembered keys.
func (w *Window[K]) Len() int { return len(w.seen) }

// Set is a family of windows keyed by partition (e.g. symbol).
type Set[P comparable, K comparable] struct {
	size    int
	windows map[P]*Window[K]
}

// NewSet creates a Set whose windows hold up to size keys each.
func NewSet[P comparable, K comparable](size int) *Set[P, K] {
	return &Set[P, K]{size: size, windows: make(map[P]*Window[K])}
}

// Seen reports whether key was already observed within partition p.
func (s *Set[P, K]) Seen(p P, key K) bool {
	w, ok := s.windows[p]
	if !ok {
		w = NewWindow[K](s.size)
		s.windows[p] = w
	}
	return w.Seen(key)
}
