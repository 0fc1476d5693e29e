package rolling

// windowSize is the number of recently answered challenges that are remembered.
const windowSize = 64

// Window rejects challenges that were answered recently. Magnitude plays no part: clients may pick
// challenges at random. A challenge that has aged out of the window is accepted again, and the
// device counter still makes its code differ from the earlier one. The zero value is empty.
type Window struct {
	recent []uint32 // oldest first
	seen   map[uint32]struct{}
}

// Accept records challenge and returns true if it is not among the recently answered ones.
func (w *Window) Accept(challenge uint32) bool {
	if w.seen == nil {
		w.seen = make(map[uint32]struct{}, windowSize)
	}
	if _, ok := w.seen[challenge]; ok {
		return false
	}
	if len(w.recent) == windowSize {
		delete(w.seen, w.recent[0])
		w.recent = append(w.recent[:0], w.recent[1:]...)
	}
	w.recent = append(w.recent, challenge)
	w.seen[challenge] = struct{}{}
	return true
}

// Len returns how many challenges are remembered.
func (w *Window) Len() int {
	return len(w.recent)
}

// Recent returns the remembered challenges, oldest first, for persistence.
func (w *Window) Recent() []uint32 {
	if len(w.recent) == 0 {
		return nil
	}
	out := make([]uint32, len(w.recent))
	copy(out, w.recent)
	return out
}

// RestoreWindow rebuilds a Window from persisted challenges. Duplicates are dropped and only the
// newest windowSize entries are kept.
func RestoreWindow(recent []uint32) Window {
	if len(recent) > windowSize {
		recent = recent[len(recent)-windowSize:]
	}
	var w Window
	for _, challenge := range recent {
		w.Accept(challenge)
	}
	return w
}
