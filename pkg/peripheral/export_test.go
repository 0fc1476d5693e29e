package peripheral

import (
	"time"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
)

// SetLookup replaces the registry lookup used by the exchange.
func (s *Server) SetLookup(fn func(svc, chr gatt.UUID) (*gatt.Characteristic, error)) {
	s.call(func() { s.lookup = fn })
}

// SetClock replaces the server clock. Call before Run.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
	s.liveness = newLiveness(now(), s.config.Liveness.Threshold)
}

// Poll runs one housekeeping pass on the server loop.
func (s *Server) Poll() error {
	return s.call(s.poll)
}

// DefaultLookup returns the registry lookup.
func (s *Server) DefaultLookup() func(svc, chr gatt.UUID) (*gatt.Characteristic, error) {
	return s.registry.Lookup
}
