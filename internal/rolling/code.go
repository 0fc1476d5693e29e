package rolling

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cronokirby/saferith"
)

const (
	// PayloadLength is the size of the value notified on the RollingCode characteristic.
	PayloadLength = 12
	// SecretLength is the size of secrets created by NewSecret.
	SecretLength = 32
	// MinSecretLength is the smallest secret accepted by NewGenerator.
	MinSecretLength = 16

	DefaultDigits = 8
	MinDigits     = 6
	MaxDigits     = 9

	label = "rolling code"
)

var (
	ErrShortSecret   = errors.New("rolling: secret too short")
	ErrDigits        = fmt.Errorf("rolling: digits must be between %d and %d", MinDigits, MaxDigits)
	ErrPayloadLength = fmt.Errorf("rolling: payload must be %d bytes", PayloadLength)
	ErrMismatch      = errors.New("rolling: code does not match challenge")
)

// Code is a one-time value bound to a single accepted challenge.
type Code struct {
	Counter   uint64
	Challenge uint32
	Value     uint32
	Digits    int
	Issued    time.Time
}

// Payload encodes c for the RollingCode characteristic: the counter as a big-endian uint64
// followed by the value as a big-endian uint32. Payloads of successive codes compare strictly
// increasing byte-wise.
func (c Code) Payload() []byte {
	buf := make([]byte, 0, PayloadLength)
	buf = binary.BigEndian.AppendUint64(buf, c.Counter)
	return binary.BigEndian.AppendUint32(buf, c.Value)
}

// Expired returns true if c was issued more than validity before now.
func (c Code) Expired(now time.Time, validity time.Duration) bool {
	return validity > 0 && now.Sub(c.Issued) > validity
}

func (c Code) String() string {
	digits := c.Digits
	if digits == 0 {
		digits = DefaultDigits
	}
	return fmt.Sprintf("%0*d", digits, c.Value)
}

// DecodePayload splits a RollingCode payload into its counter and value.
func DecodePayload(payload []byte) (counter uint64, value uint32, err error) {
	if len(payload) != PayloadLength {
		return 0, 0, ErrPayloadLength
	}
	return binary.BigEndian.Uint64(payload[:8]), binary.BigEndian.Uint32(payload[8:]), nil
}

func checkDigits(digits int) error {
	if digits < MinDigits || digits > MaxDigits {
		return ErrDigits
	}
	return nil
}

func pow10(digits int) uint64 {
	m := uint64(1)
	for i := 0; i < digits; i++ {
		m *= 10
	}
	return m
}

// compute derives the code for (counter, challenge). The HMAC output is reduced modulo
// 10^digits without data-dependent branches.
func compute(secret []byte, counter uint64, challenge uint32, digits int) uint32 {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	var msg [12]byte
	binary.BigEndian.PutUint64(msg[:8], counter)
	binary.BigEndian.PutUint32(msg[8:], challenge)
	mac.Write(msg[:])

	var n saferith.Nat
	n.SetBytes(mac.Sum(nil))
	n.Mod(&n, saferith.ModulusFromUint64(pow10(digits)))
	var out [8]byte
	n.FillBytes(out[:])
	return uint32(binary.BigEndian.Uint64(out[:]))
}

// Verify checks that payload is the code the holder of secret would issue for challenge. It is
// used by clients and tests; the device never needs it.
func Verify(secret []byte, digits int, challenge uint32, payload []byte) (Code, error) {
	if err := checkDigits(digits); err != nil {
		return Code{}, err
	}
	counter, value, err := DecodePayload(payload)
	if err != nil {
		return Code{}, err
	}
	var want, got [4]byte
	binary.BigEndian.PutUint32(want[:], compute(secret, counter, challenge, digits))
	binary.BigEndian.PutUint32(got[:], value)
	if !hmac.Equal(want[:], got[:]) {
		return Code{}, ErrMismatch
	}
	return Code{Counter: counter, Challenge: challenge, Value: value, Digits: digits}, nil
}
