package rolling

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/teslamotors/vehicle-opener/pkg/protocol"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := NewGenerator(testSecret, DefaultDigits)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestNewGeneratorValidation(t *testing.T) {
	if _, err := NewGenerator(testSecret[:8], DefaultDigits); !errors.Is(err, ErrShortSecret) {
		t.Errorf("Expected ErrShortSecret, got %v", err)
	}
	if _, err := NewGenerator(testSecret, 10); !errors.Is(err, ErrDigits) {
		t.Errorf("Expected ErrDigits, got %v", err)
	}
}

func TestCodesIncrease(t *testing.T) {
	g := newTestGenerator(t)
	var previous []byte
	for _, challenge := range []uint32{7, 8, 3, 1000, 999} {
		code, err := g.Next(challenge)
		if err != nil {
			t.Fatalf("challenge %d: %s", challenge, err)
		}
		payload := code.Payload()
		if len(payload) != PayloadLength {
			t.Fatalf("Unexpected payload length %d", len(payload))
		}
		if bytes.Compare(payload, previous) <= 0 {
			t.Errorf("Payload %x not greater than %x", payload, previous)
		}
		if code.Value >= 100000000 {
			t.Errorf("Code %d has more than %d digits", code.Value, DefaultDigits)
		}
		if _, err := Verify(testSecret, DefaultDigits, challenge, payload); err != nil {
			t.Errorf("Verify failed for challenge %d: %s", challenge, err)
		}
		previous = payload
	}
}

func TestReplayRejected(t *testing.T) {
	g := newTestGenerator(t)
	first, err := g.Next(7)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Next(7); !errors.Is(err, protocol.ErrReplay) {
		t.Fatalf("Expected replay error, got %v", err)
	}
	last, ok := g.Last()
	if !ok || last != first {
		t.Errorf("Rejected challenge changed the last code")
	}
	if state := g.State(); state.Counter != 1 {
		t.Errorf("Rejected challenge advanced counter to %d", state.Counter)
	}
}

func TestVerifyMismatch(t *testing.T) {
	g := newTestGenerator(t)
	code, err := g.Next(42)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(testSecret, DefaultDigits, 43, code.Payload()); !errors.Is(err, ErrMismatch) {
		t.Errorf("Expected mismatch for wrong challenge, got %v", err)
	}
	other := bytes.Repeat([]byte{0x55}, SecretLength)
	if _, err := Verify(other, DefaultDigits, 42, code.Payload()); !errors.Is(err, ErrMismatch) {
		t.Errorf("Expected mismatch for wrong secret, got %v", err)
	}
	if _, err := Verify(testSecret, DefaultDigits, 42, code.Payload()[:4]); !errors.Is(err, ErrPayloadLength) {
		t.Errorf("Expected length error, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	g := newTestGenerator(t)
	for _, c := range []uint32{10, 11, 12} {
		if _, err := g.Next(c); err != nil {
			t.Fatal(err)
		}
	}
	state := g.State()

	restored := newTestGenerator(t)
	restored.Restore(state)
	if _, err := restored.Next(11); !errors.Is(err, protocol.ErrReplay) {
		t.Errorf("Restored generator accepted replayed challenge: %v", err)
	}
	code, err := restored.Next(13)
	if err != nil {
		t.Fatal(err)
	}
	if code.Counter != 4 {
		t.Errorf("Expected counter 4 after restore, got %d", code.Counter)
	}

	// Older state never rewinds the counter.
	restored.Restore(State{Counter: 1})
	if restored.State().Counter != 4 {
		t.Error("Restore moved counter backwards")
	}
}

func TestHighChallengeThenLow(t *testing.T) {
	g := newTestGenerator(t)
	for _, c := range []uint32{0xFFFFFFFF, 7, 1000, 0x7FFFFFFF, 0xFFFFFF00} {
		if _, err := g.Next(c); err != nil {
			t.Errorf("Challenge %#x rejected after a high challenge: %v", c, err)
		}
	}

	restored := newTestGenerator(t)
	restored.Restore(g.State())
	if _, err := restored.Next(42); err != nil {
		t.Errorf("Restored generator rejected fresh challenge: %v", err)
	}
	if _, err := restored.Next(0xFFFFFFFF); !errors.Is(err, protocol.ErrReplay) {
		t.Errorf("Restored generator accepted replayed challenge: %v", err)
	}

	g = newTestGenerator(t)
	if _, err := g.Next(1000); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Next(7); err != nil {
		t.Errorf("Lower challenge rejected: %v", err)
	}
}

func TestCodeExpiry(t *testing.T) {
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	code := Code{Value: 42, Digits: 6, Issued: issued}
	if code.String() != "000042" {
		t.Errorf("Unexpected formatting %s", code)
	}
	if code.Expired(issued.Add(30*time.Second), 30*time.Second) {
		t.Error("Code expired too early")
	}
	if !code.Expired(issued.Add(31*time.Second), 30*time.Second) {
		t.Error("Code did not expire")
	}
	if code.Expired(issued.Add(time.Hour), 0) {
		t.Error("Zero validity should never expire")
	}
}

func TestEnrollment(t *testing.T) {
	e := Enrollment{Device: "opener", Service: "AAAA", Secret: testSecret, Digits: DefaultDigits}
	token, err := IssueEnrollment(e, 123456, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseEnrollment(token, 123456)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Device != e.Device || parsed.Service != e.Service || parsed.Digits != e.Digits || !bytes.Equal(parsed.Secret, testSecret) {
		t.Errorf("Enrollment round trip mismatch: %+v", parsed)
	}
	if _, err := ParseEnrollment(token, 654321); !errors.Is(err, ErrEnrollment) {
		t.Errorf("Expected wrong passkey to fail, got %v", err)
	}

	expired, err := IssueEnrollment(e, 123456, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseEnrollment(expired, 123456); !errors.Is(err, ErrEnrollment) {
		t.Errorf("Expected expired token to fail, got %v", err)
	}
}
