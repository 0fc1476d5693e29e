// Package tinygo runs the opener on BlueZ through tinygo.org/x/bluetooth.
//
// BlueZ answers reads from the attribute table and tracks client configuration descriptors
// itself, so this stack serves reads from the values pushed with SetValue and broadcasts
// RollingCode updates to whichever centrals subscribed. Pairing is handled by the BlueZ agent;
// set Options.TrustedLink when the agent is configured to require an encrypted link.
package tinygo

import (
	"errors"
	"strings"

	"tinygo.org/x/bluetooth"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
)

var (
	ErrUnsupported = errors.New("tinygo: not supported by this stack")
	ErrNotStarted  = errors.New("tinygo: stack not initialized")
	ErrNoPeer      = errors.New("tinygo: no connection with that handle")
)

type Options struct {
	// AdapterID selects the BlueZ adapter, for example "hci1". Empty selects the default.
	AdapterID string
	// TrustedLink reports every link as encrypted.
	TrustedLink bool
}

func IsAdapterError(err error) bool {
	// D-Bus not found
	if strings.Contains(err.Error(), "dbus") && strings.HasSuffix(err.Error(), "no such file or directory") {
		return true
	}
	// D-Bus is running but org.bluez is not found
	if strings.Contains(err.Error(), "The name org.bluez was not provided by any .service files") {
		return true
	}
	return false
}

func AdapterErrorHelpMessage(err error) string {
	return "Failed to initialize BLE adapter: \n\t" + err.Error() + "\n" +
		"Make sure bluez and dbus are installed and running.\n" +
		"If running in a container, make sure the container has access to the host's D-Bus socket. (e.g. -v /var/run/dbus:/var/run/dbus)"
}

func toBluetooth(u gatt.UUID) bluetooth.UUID {
	if short, ok := u.Short(); ok {
		return bluetooth.New16BitUUID(short)
	}
	return bluetooth.NewUUID([16]byte(u))
}

func permissions(props gatt.Property) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if props.Has(gatt.PropRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if props.Has(gatt.PropWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if props.Has(gatt.PropWriteNoResponse) {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if props.Has(gatt.PropNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if props.Has(gatt.PropIndicate) {
		flags |= bluetooth.CharacteristicIndicatePermission
	}
	return flags
}
