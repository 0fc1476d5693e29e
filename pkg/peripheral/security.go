package peripheral

import (
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/protocol"
)

// Gate enforces link security: it answers pairing prompts, drops links that fail to encrypt and
// refuses encryption-gated characteristics on unencrypted links.
type Gate struct {
	config  SecurityConfig
	passkey uint32
}

func NewGate(cfg SecurityConfig, passkey uint32) *Gate {
	return &Gate{config: cfg, passkey: passkey}
}

// Passkey returns the static passkey displayed to or entered by the peer.
func (g *Gate) Passkey() uint32 {
	return g.passkey
}

// ConfirmPIN returns true if pin matches the configured passkey.
func (g *Gate) ConfirmPIN(pin uint32) bool {
	var want, got [4]byte
	binary.BigEndian.PutUint32(want[:], g.passkey)
	binary.BigEndian.PutUint32(got[:], pin)
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// Complete records the outcome of pairing. It returns protocol.ErrPairingFailed if the session
// must be torn down.
func (g *Gate) Complete(s *Session, encrypted bool) error {
	s.Authenticated = true
	s.Encrypted = encrypted
	if !encrypted && g.config.RequireEncryption {
		return protocol.ErrPairingFailed
	}
	return nil
}

// Expired returns true if s has been connected longer than the pairing deadline without
// completing authentication.
func (g *Gate) Expired(s *Session, now time.Time) bool {
	if !g.config.RequireEncryption || s.Authenticated || g.config.PairingTimeout <= 0 {
		return false
	}
	return now.Sub(s.Connected) > g.config.PairingTimeout
}

// Ready returns true if s may start an exchange.
func (g *Gate) Ready(s *Session) bool {
	if g.config.RequireEncryption {
		return s.Encrypted
	}
	return true
}

func (g *Gate) AllowRead(s *Session, c *gatt.Characteristic) error {
	if c.ReadRequiresEncryption() && !s.Encrypted {
		return protocol.ErrInsufficientEncryption
	}
	return nil
}

func (g *Gate) AllowWrite(s *Session, c *gatt.Characteristic) error {
	if c.WriteRequiresEncryption() && !s.Encrypted {
		return protocol.ErrInsufficientEncryption
	}
	return nil
}

// properties returns the access properties for a gated characteristic. Without the encryption
// requirement the encrypted flags are dropped, so no characteristic advertises a protection the
// stack will not enforce.
func (g *Gate) properties(props gatt.Property) gatt.Property {
	if g.config.RequireEncryption {
		return props
	}
	return props.Without(gatt.PropReadEncrypted | gatt.PropWriteEncrypted)
}
