package peripheral

import (
	"encoding/binary"
	"time"
)

// Liveness produces the heartbeat value: milliseconds since an epoch that survives reconnects,
// and with a restored baseline, restarts. Successive values strictly increase.
type Liveness struct {
	start     time.Time
	baseline  uint64
	last      uint64
	updated   time.Time
	threshold time.Duration
	written   bool
}

func newLiveness(now time.Time, threshold time.Duration) *Liveness {
	return &Liveness{start: now, threshold: threshold}
}

// Restore continues counting from a persisted value.
func (l *Liveness) Restore(value uint64) {
	if value > l.last {
		l.baseline = value
		l.last = value
	}
}

// Due returns true if the threshold has elapsed since the last update.
func (l *Liveness) Due(now time.Time) bool {
	return !l.written || now.Sub(l.updated) >= l.threshold
}

// Next computes and records the next value.
func (l *Liveness) Next(now time.Time) uint64 {
	elapsed := now.Sub(l.start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	v := l.baseline + uint64(elapsed)
	if l.written && v <= l.last {
		v = l.last + 1
	}
	l.last = v
	l.updated = now
	l.written = true
	return v
}

// Value returns the most recent value.
func (l *Liveness) Value() uint64 {
	return l.last
}

func encodeLiveness(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// DecodeLiveness parses a Liveness characteristic value.
func DecodeLiveness(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}
