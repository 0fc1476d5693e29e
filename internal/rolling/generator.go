package rolling

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/teslamotors/vehicle-opener/pkg/protocol"
)

// NewSecret returns a random secret suitable for NewGenerator.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// State is the persistent part of a Generator.
type State struct {
	Counter uint64   `json:"counter"`
	Recent  []uint32 `json:"recent,omitempty"` // recently answered challenges, oldest first
}

// Generator issues rolling codes. Each accepted challenge increments a device counter, so no two
// codes share an HMAC input even if a challenge value is reused after falling out of the window.
type Generator struct {
	secret []byte
	digits int

	lock    sync.Mutex
	counter uint64
	window  Window
	last    Code
	issued  bool
	now     func() time.Time
}

// NewGenerator returns a Generator producing codes with the given number of decimal digits.
func NewGenerator(secret []byte, digits int) (*Generator, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	if err := checkDigits(digits); err != nil {
		return nil, err
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Generator{secret: key, digits: digits, now: time.Now}, nil
}

// Next accepts challenge and issues a fresh code for it. Challenges among the recently answered
// ones are rejected with protocol.ErrReplay.
func (g *Generator) Next(challenge uint32) (Code, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if !g.window.Accept(challenge) {
		return Code{}, fmt.Errorf("challenge %d: %w", challenge, protocol.ErrReplay)
	}
	g.counter++
	code := Code{
		Counter:   g.counter,
		Challenge: challenge,
		Value:     compute(g.secret, g.counter, challenge, g.digits),
		Digits:    g.digits,
		Issued:    g.now(),
	}
	g.last = code
	g.issued = true
	return code, nil
}

// Last returns the most recently issued code.
func (g *Generator) Last() (Code, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.last, g.issued
}

func (g *Generator) Digits() int {
	return g.digits
}

// State returns a snapshot suitable for persisting.
func (g *Generator) State() State {
	g.lock.Lock()
	defer g.lock.Unlock()
	return State{
		Counter: g.counter,
		Recent:  g.window.Recent(),
	}
}

// Restore loads persisted state. The counter never moves backwards.
func (g *Generator) Restore(s State) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if s.Counter > g.counter {
		g.counter = s.Counter
	}
	if len(s.Recent) > 0 {
		g.window = RestoreWindow(s.Recent)
	}
}
