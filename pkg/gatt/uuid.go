package gatt

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// baseUUID is the Bluetooth Base UUID. 16- and 32-bit identifiers are aliases into it.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID identifies a service or characteristic. The zero value is not a valid identifier.
type UUID uuid.UUID

// UUID16 expands a 16-bit assigned number into a full UUID.
func UUID16(short uint16) UUID {
	u := baseUUID
	binary.BigEndian.PutUint16(u[2:4], short)
	return UUID(u)
}

// UUID32 expands a 32-bit assigned number into a full UUID.
func UUID32(short uint32) UUID {
	u := baseUUID
	binary.BigEndian.PutUint32(u[0:4], short)
	return UUID(u)
}

// ParseUUID accepts a 16-bit ("AAAA"), 32-bit ("0000AAAA") or canonical 128-bit identifier.
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	switch len(s) {
	case 4, 8:
		b, err := hex.DecodeString(s)
		if err != nil {
			return UUID{}, fmt.Errorf("gatt: invalid short uuid '%s': %w", s, err)
		}
		if len(b) == 2 {
			return UUID16(binary.BigEndian.Uint16(b)), nil
		}
		return UUID32(binary.BigEndian.Uint32(b)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("gatt: invalid uuid '%s': %w", s, err)
	}
	return UUID(u), nil
}

// MustParseUUID is like ParseUUID but panics on malformed input. Use it only for constants.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Short returns the 16-bit alias of u, if it has one.
func (u UUID) Short() (uint16, bool) {
	if !u.isBaseAlias() || u[0] != 0 || u[1] != 0 {
		return 0, false
	}
	return binary.BigEndian.Uint16(u[2:4]), true
}

func (u UUID) isBaseAlias() bool {
	for i := 4; i < len(u); i++ {
		if u[i] != baseUUID[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether u is unset.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

// Canonical returns the 36-character form, regardless of whether u has a short alias.
func (u UUID) Canonical() string {
	return strings.ToUpper(uuid.UUID(u).String())
}

// String returns the 16-bit form ("AAAA") when u has one, and the canonical form otherwise.
func (u UUID) String() string {
	if short, ok := u.Short(); ok {
		return fmt.Sprintf("%04X", short)
	}
	return u.Canonical()
}

// MarshalText implements encoding.TextMarshaler so UUIDs can be used in config files.
func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UUID) UnmarshalText(text []byte) error {
	parsed, err := ParseUUID(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
