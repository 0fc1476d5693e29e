package protocol

import (
	"errors"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition. For
	// example, a notification can fail because the peer's receive queue is momentarily full, and
	// advertising can fail while the controller is still finishing a disconnect.
	Temporary() bool

	// ResetsSession returns true if the connection that triggered the Error must be torn down.
	// Only pairing failures do this; every other failure leaves the session usable.
	ResetsSession() bool
}

var (
	// ErrPairingFailed indicates a peer did not complete an encrypted pairing.
	ErrPairingFailed = NewError("pairing did not establish an encrypted link", gatt.StatusInsufficientAuth, false, true)
	// ErrPairingTimeout indicates a peer stayed connected without pairing for too long.
	ErrPairingTimeout = NewError("pairing not completed before deadline", gatt.StatusInsufficientAuth, false, true)
	// ErrInsufficientEncryption indicates a peer tried to access an encryption-gated
	// characteristic over an unencrypted link.
	ErrInsufficientEncryption = NewError("characteristic requires an encrypted link", gatt.StatusInsufficientEncryption, false, false)
	// ErrLookupFailed indicates a characteristic could not be found in the registry. The write
	// that triggered it completes without notifying.
	ErrLookupFailed = NewError("characteristic lookup failed", gatt.StatusUnlikely, false, false)
	// ErrInvalidLength indicates an Authorization write had an unsupported payload size.
	ErrInvalidLength = NewError("invalid authorization payload length", gatt.StatusInvalidValueLength, false, false)
	// ErrOutOfRange indicates an Authorization write decoded to a value outside the accepted range.
	ErrOutOfRange = NewError("authorization value out of range", gatt.StatusOutOfRange, false, false)
	// ErrReplay indicates a challenge has already been answered or is too old.
	ErrReplay = NewError("challenge replayed or stale", gatt.StatusChallengeRejected, false, false)
	// ErrRateLimited indicates a session is writing Authorization faster than allowed.
	ErrRateLimited = NewError("authorization writes rate limited", gatt.StatusRateLimited, true, false)
	// ErrWriteNotPermitted indicates a write to a characteristic whose role does not accept writes.
	ErrWriteNotPermitted = NewError("characteristic does not accept writes", gatt.StatusWriteNotPermitted, false, false)
	// ErrReadNotPermitted indicates a read of a characteristic that is not readable.
	ErrReadNotPermitted = NewError("characteristic does not accept reads", gatt.StatusReadNotPermitted, false, false)
	// ErrNotifyFailed indicates the stack could not deliver a notification or indication.
	ErrNotifyFailed = NewError("notification not delivered", gatt.StatusUnlikely, true, false)
	// ErrAdvertiseFailed indicates the stack refused to start advertising.
	ErrAdvertiseFailed = NewError("advertising could not be started", gatt.StatusUnlikely, true, false)
	// ErrUnknownSession indicates a callback referenced a connection handle with no session.
	ErrUnknownSession = NewError("no session for connection handle", gatt.StatusUnlikely, false, false)
	// ErrBusy indicates the server loop did not answer a synchronous callback in time.
	ErrBusy = NewError("server busy", gatt.StatusUnlikely, true, false)
	// ErrServerClosed indicates a callback arrived after the server shut down.
	ErrServerClosed = errors.New("server closed")
)

type OpenerError struct {
	Err               error
	Status            gatt.Status
	PossibleTemporary bool
	Reset             bool
}

func NewError(message string, status gatt.Status, temporary bool, resetsSession bool) error {
	return &OpenerError{Err: errors.New(message), Status: status, PossibleTemporary: temporary, Reset: resetsSession}
}

func (e *OpenerError) Error() string {
	return e.Err.Error()
}

func (e *OpenerError) Unwrap() error {
	return e.Err
}

func (e *OpenerError) Temporary() bool {
	return e.PossibleTemporary
}

func (e *OpenerError) ResetsSession() bool {
	return e.Reset
}

// ATTStatus returns the status code sent to a peer when this error answers a read or write.
func (e *OpenerError) ATTStatus() gatt.Status {
	return e.Status
}

// Temporary returns true if err indicates a failure due to possibly transient conditions that do
// not require peer or operator action to resolve.
func Temporary(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Temporary()
	}
	return false
}

// ResetsSession returns true if err requires tearing down the connection that caused it.
func ResetsSession(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.ResetsSession()
	}
	return false
}

// ShouldRetry returns true if the operation that triggered an error should be attempted again.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if ResetsSession(err) {
		return false
	}
	return Temporary(err)
}

// Status maps err onto the ATT status returned to a peer.
func Status(err error) gatt.Status {
	return gatt.StatusOf(err)
}
