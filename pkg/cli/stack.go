package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
	"github.com/teslamotors/vehicle-opener/pkg/stack/goble"
	"github.com/teslamotors/vehicle-opener/pkg/stack/sim"
	"github.com/teslamotors/vehicle-opener/pkg/stack/tinygo"
)

// ParseAdapterID converts an adapter name such as "hci1" (or just "1") into an HCI device index.
// The empty string selects hci0.
func ParseAdapterID(name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, "hci"))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid Bluetooth adapter '%s'", name)
	}
	return id, nil
}

// NewStack opens the BLE backend named in s.
func NewStack(s Settings) (peripheral.Stack, error) {
	switch s.Backend {
	case BackendGoBLE, "":
		id, err := ParseAdapterID(s.Adapter)
		if err != nil {
			return nil, err
		}
		return goble.New(goble.Options{DeviceID: id, TrustedLink: s.TrustedLink})
	case BackendTinyGo:
		return tinygo.New(tinygo.Options{AdapterID: s.Adapter, TrustedLink: s.TrustedLink})
	case BackendSimulated:
		return sim.New(), nil
	}
	return nil, fmt.Errorf("%w '%s'", ErrUnknownBackend, s.Backend)
}

// AdapterHelp returns advice for err if it came from the Bluetooth adapter, or the empty string.
func AdapterHelp(err error) string {
	switch {
	case err == nil:
		return ""
	case goble.IsAdapterError(err):
		return goble.AdapterErrorHelpMessage(err)
	case tinygo.IsAdapterError(err):
		return tinygo.AdapterErrorHelpMessage(err)
	}
	return ""
}
