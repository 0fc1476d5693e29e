// Package goble drives the opener through the Linux HCI socket using github.com/go-ble/ble.
//
// go-ble has no Security Manager, so links are never encrypted by this stack. Set
// Options.TrustedLink when the controller enforces encryption on its own, or run the server with
// security.require_encryption disabled.
package goble

import (
	"errors"
	"strings"
	"time"

	"github.com/go-ble/ble"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
)

var (
	ErrUnsupported = errors.New("goble: not supported on this platform")
	ErrNotStarted  = errors.New("goble: stack not initialized")
	ErrNoPeer      = errors.New("goble: no connection with that handle")
	ErrNoListener  = errors.New("goble: peer is not subscribed")
)

const defaultTimeout = 20 * time.Second

// Options configure the HCI device.
type Options struct {
	// DeviceID selects hciN.
	DeviceID int
	// Timeout bounds HCI command round trips.
	Timeout time.Duration
	// TrustedLink reports every link as encrypted.
	TrustedLink bool
}

func toBLE(u gatt.UUID) ble.UUID {
	if short, ok := u.Short(); ok {
		return ble.UUID16(short)
	}
	return ble.MustParse(u.Canonical())
}

func fromBLE(u ble.UUID) (gatt.UUID, error) {
	return gatt.ParseUUID(u.String())
}

// IsAdapterError reports whether err came from opening the HCI device.
func IsAdapterError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "no such device")
}

func AdapterErrorHelpMessage(err error) string {
	return "Failed to open the HCI device: " + err.Error() + ". " +
		"Run as root or grant CAP_NET_ADMIN and CAP_NET_RAW, and stop bluetoothd so it releases the adapter."
}
