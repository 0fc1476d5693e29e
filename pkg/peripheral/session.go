package peripheral

import (
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
)

// ExchangeState tracks where a session is in the authorization exchange.
type ExchangeState int

const (
	StateIdle ExchangeState = iota
	StateAwaitingWrite
	StateComputingResponse
	StateNotified
)

func (e ExchangeState) String() string {
	switch e {
	case StateIdle:
		return "idle"
	case StateAwaitingWrite:
		return "awaiting-write"
	case StateComputingResponse:
		return "computing-response"
	case StateNotified:
		return "notified"
	}
	return fmt.Sprintf("ExchangeState(%d)", int(e))
}

// Session is one live connection. Sessions are owned by the server loop and must not be touched
// from other goroutines; use Server.Sessions for a snapshot.
type Session struct {
	ID            ulid.ULID
	Handle        uint16
	Address       string
	Params        ConnParams
	MTU           uint16
	Encrypted     bool
	Authenticated bool
	Connected     time.Time

	state         ExchangeState
	subscriptions map[gatt.UUID]gatt.Subscription
	limiter       *rate.Limiter
	closing       bool
}

func (s *Session) String() string {
	return "[" + s.ID.String() + "]"
}

func (s *Session) State() ExchangeState {
	return s.state
}

func (s *Session) Subscription(chr gatt.UUID) gatt.Subscription {
	return s.subscriptions[chr]
}

// SessionInfo is a copy of a session's observable state.
type SessionInfo struct {
	ID            string
	Handle        uint16
	Address       string
	MTU           uint16
	Params        ConnParams
	Encrypted     bool
	Authenticated bool
	State         ExchangeState
	Subscriptions map[gatt.UUID]gatt.Subscription
	Connected     time.Time
}

func (s *Session) info() SessionInfo {
	subs := make(map[gatt.UUID]gatt.Subscription, len(s.subscriptions))
	for k, v := range s.subscriptions {
		subs[k] = v
	}
	return SessionInfo{
		ID:            s.ID.String(),
		Handle:        s.Handle,
		Address:       s.Address,
		MTU:           s.MTU,
		Params:        s.Params,
		Encrypted:     s.Encrypted,
		Authenticated: s.Authenticated,
		State:         s.state,
		Subscriptions: subs,
		Connected:     s.Connected,
	}
}

// Sessions indexes live sessions by connection handle.
type Sessions struct {
	byHandle map[uint16]*Session
	limit    rate.Limit
	burst    int
}

func newSessions(cfg WriteRateConfig) *Sessions {
	return &Sessions{
		byHandle: make(map[uint16]*Session),
		limit:    rate.Limit(cfg.PerSecond),
		burst:    cfg.Burst,
	}
}

// open records a new connection. A handle that is already open is replaced, since the stack
// only reuses handles after the previous link is gone.
func (m *Sessions) open(info ConnInfo, now time.Time) (session *Session, replaced *Session) {
	replaced = m.byHandle[info.Handle]
	session = &Session{
		ID:            ulid.Make(),
		Handle:        info.Handle,
		Address:       info.Address,
		Params:        info.Params,
		MTU:           info.MTU,
		Encrypted:     info.Encrypted,
		Connected:     now,
		subscriptions: make(map[gatt.UUID]gatt.Subscription),
		limiter:       rate.NewLimiter(m.limit, m.burst),
	}
	m.byHandle[info.Handle] = session
	return session, replaced
}

func (m *Sessions) close(handle uint16) (*Session, bool) {
	s, ok := m.byHandle[handle]
	if ok {
		delete(m.byHandle, handle)
	}
	return s, ok
}

func (m *Sessions) get(handle uint16) (*Session, bool) {
	s, ok := m.byHandle[handle]
	return s, ok
}

// all returns live sessions ordered by handle.
func (m *Sessions) all() []*Session {
	out := make([]*Session, 0, len(m.byHandle))
	for _, s := range m.byHandle {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// subscribers returns sessions subscribed to chr, ordered by handle.
func (m *Sessions) subscribers(chr gatt.UUID) []*Session {
	var out []*Session
	for _, s := range m.all() {
		if s.subscriptions[chr].Active() && !s.closing {
			out = append(out, s)
		}
	}
	return out
}

func (m *Sessions) len() int {
	return len(m.byHandle)
}
