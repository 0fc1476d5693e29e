package peripheral

import (
	"fmt"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
)

// ConnParams are link-layer connection parameters. Intervals are in units of 1.25 ms and the
// supervision timeout in units of 10 ms.
type ConnParams struct {
	IntervalMin uint16 `yaml:"interval_min"`
	IntervalMax uint16 `yaml:"interval_max"`
	Latency     uint16 `yaml:"latency"`
	Timeout     uint16 `yaml:"timeout"`
}

// Validate checks p against the ranges allowed by the Bluetooth Core specification.
func (p ConnParams) Validate() error {
	if p.IntervalMin < 6 || p.IntervalMin > 3200 {
		return fmt.Errorf("connection interval min out of range (6-3200): %d", p.IntervalMin)
	}
	if p.IntervalMax < 6 || p.IntervalMax > 3200 {
		return fmt.Errorf("connection interval max out of range (6-3200): %d", p.IntervalMax)
	}
	if p.IntervalMax < p.IntervalMin {
		return fmt.Errorf("connection interval max (%d) below min (%d)", p.IntervalMax, p.IntervalMin)
	}
	if p.Latency > 499 {
		return fmt.Errorf("connection latency out of range (0-499): %d", p.Latency)
	}
	if p.Timeout < 10 || p.Timeout > 3200 {
		return fmt.Errorf("supervision timeout out of range (10-3200): %d", p.Timeout)
	}
	// Timeout must exceed (1 + latency) * intervalMax * 2. Compare in microseconds.
	minTimeout := (1 + uint32(p.Latency)) * uint32(p.IntervalMax) * 1250 * 2
	if uint32(p.Timeout)*10000 <= minTimeout {
		return fmt.Errorf("supervision timeout %d ms must exceed %d ms", uint32(p.Timeout)*10, minTimeout/1000)
	}
	return nil
}

func (p ConnParams) String() string {
	return fmt.Sprintf("interval %.2f-%.2f ms, latency %d, timeout %d ms",
		float64(p.IntervalMin)*1.25, float64(p.IntervalMax)*1.25, p.Latency, uint32(p.Timeout)*10)
}

// Identity is what a Stack needs to bring up the radio.
type Identity struct {
	Name     string
	TxPower  int
	Security SecurityConfig
}

// Advert describes the advertising payload.
type Advert struct {
	Name         string
	Services     []gatt.UUID
	ScanResponse bool
	Connectable  bool
}

// ConnInfo describes a new connection.
type ConnInfo struct {
	Handle    uint16
	Address   string
	Params    ConnParams
	MTU       uint16
	Encrypted bool
}

// Stack is the BLE host stack the server drives. Implementations must not invoke the
// synchronous EventHandler methods (reads, writes, PasskeyRequest, ConfirmPIN) from inside a
// Stack method, since those wait for the server loop that is making the Stack call.
type Stack interface {
	// Init brings up the controller and registers h for all stack events.
	Init(id Identity, h EventHandler) error
	// AddService publishes a started service.
	AddService(svc *gatt.Service) error
	// SetValue updates the value a stack serves from its own attribute table, if it keeps one.
	SetValue(chr gatt.UUID, value []byte) error
	// Notify pushes value to a single connection. It returns an error only for failures the
	// stack detects before sending; later outcomes are reported through HandleNotifyStatus.
	Notify(handle uint16, chr gatt.UUID, value []byte, indicate bool) error
	// StartAdvertising starts (or restarts) advertising. Calling it while advertising must not
	// fail.
	StartAdvertising(adv Advert) error
	// UpdateConnParams asks the central to renegotiate connection parameters.
	UpdateConnParams(handle uint16, params ConnParams) error
	// Disconnect terminates a connection. The stack reports completion with HandleDisconnect.
	Disconnect(handle uint16) error
	Close() error
}

// Broadcaster is implemented by stacks that can only push a value to every subscriber at once.
// The server uses it instead of per-connection Notify calls.
type Broadcaster interface {
	Broadcast(chr gatt.UUID, value []byte) error
}

// EventHandler receives stack events. [Server] implements it.
type EventHandler interface {
	HandleConnect(info ConnInfo)
	HandleDisconnect(handle uint16, reason error)
	HandleMTU(handle uint16, mtu uint16)
	PasskeyRequest(handle uint16) uint32
	ConfirmPIN(handle uint16, pin uint32) bool
	AuthenticationComplete(handle uint16, encrypted bool)
	HandleRead(handle uint16, chr gatt.UUID) ([]byte, error)
	HandleWrite(handle uint16, chr gatt.UUID, value []byte) error
	HandleSubscribe(handle uint16, chr gatt.UUID, value uint16)
	HandleNotifyStatus(handle uint16, chr gatt.UUID, err error)
}
