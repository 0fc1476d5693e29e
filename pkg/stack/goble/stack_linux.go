package goble

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/go-ble/ble/linux/hci/evt"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

// Remote user terminated connection.
const reasonUserTerminated = 0x13

type listener struct {
	notifier ble.Notifier
	indicate bool
}

type link struct {
	handle   uint16
	address  string
	mtu      int
	listener map[gatt.UUID]listener
}

// Stack implements peripheral.Stack.
type Stack struct {
	options Options

	lock      sync.Mutex
	device    *linux.Device
	handler   peripheral.EventHandler
	links     map[uint16]*link
	byAddress map[string]uint16
	values    map[gatt.UUID][]byte
}

// New returns a stack for hciN. The device is opened by Init.
func New(options Options) (peripheral.Stack, error) {
	if options.Timeout == 0 {
		options.Timeout = defaultTimeout
	}
	return &Stack{
		options:   options,
		links:     make(map[uint16]*link),
		byAddress: make(map[string]uint16),
		values:    make(map[gatt.UUID][]byte),
	}, nil
}

func (s *Stack) Init(id peripheral.Identity, h peripheral.EventHandler) error {
	s.lock.Lock()
	s.handler = h
	s.lock.Unlock()

	device, err := linux.NewDevice(
		ble.OptDeviceID(s.options.DeviceID),
		ble.OptListenerTimeout(s.options.Timeout),
		ble.OptDialerTimeout(s.options.Timeout),
		ble.OptPeripheralRole(),
		ble.OptConnectHandler(s.connected),
		ble.OptDisconnectHandler(s.disconnected),
	)
	if err != nil {
		if IsAdapterError(err) {
			return fmt.Errorf("%s: %w", AdapterErrorHelpMessage(err), err)
		}
		return fmt.Errorf("goble: failed to open hci%d: %w", s.options.DeviceID, err)
	}
	if id.Security.RequireEncryption && !s.options.TrustedLink {
		log.Warning("goble: encryption is required but this stack cannot encrypt links; every client will be dropped")
	}
	s.lock.Lock()
	s.device = device
	s.lock.Unlock()
	return nil
}

func (s *Stack) dev() (*linux.Device, peripheral.EventHandler, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.device == nil {
		return nil, nil, ErrNotStarted
	}
	return s.device, s.handler, nil
}

func (s *Stack) AddService(svc *gatt.Service) error {
	device, _, err := s.dev()
	if err != nil {
		return err
	}
	if !svc.Started() {
		return gatt.ErrServiceNotStarted
	}
	out := ble.NewService(toBLE(svc.UUID))
	for _, c := range svc.Characteristics() {
		s.addCharacteristic(out, c)
	}
	return device.AddService(out)
}

func (s *Stack) addCharacteristic(svc *ble.Service, c *gatt.Characteristic) {
	chr := svc.NewCharacteristic(toBLE(c.UUID))
	id := c.UUID
	s.lock.Lock()
	s.values[id] = c.Value()
	s.lock.Unlock()

	if c.Properties.Has(gatt.PropRead) {
		chr.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			handle, h, ok := s.request(req)
			if !ok {
				rsp.SetStatus(ble.ErrUnlikely)
				return
			}
			value, err := h.HandleRead(handle, id)
			if err != nil {
				rsp.SetStatus(ble.ATTError(gatt.StatusOf(err)))
				return
			}
			if _, err := rsp.Write(value); err != nil {
				log.Warning("goble: read response for %s truncated: %s", id, err)
			}
		}))
	}
	if c.Properties.Has(gatt.PropWrite) || c.Properties.Has(gatt.PropWriteNoResponse) {
		chr.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			handle, h, ok := s.request(req)
			if !ok {
				rsp.SetStatus(ble.ErrUnlikely)
				return
			}
			if err := h.HandleWrite(handle, id, req.Data()); err != nil {
				rsp.SetStatus(ble.ATTError(gatt.StatusOf(err)))
			}
		}))
	}
	if c.Properties.Has(gatt.PropNotify) {
		chr.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			s.listen(req, id, n, false)
		}))
	}
	if c.Properties.Has(gatt.PropIndicate) {
		chr.HandleIndicate(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			s.listen(req, id, n, true)
		}))
	}
}

// request resolves the connection handle of a GATT request. The first request on a link also
// reports the negotiated MTU.
func (s *Stack) request(req ble.Request) (uint16, peripheral.EventHandler, bool) {
	conn := req.Conn()
	address := strings.ToLower(conn.RemoteAddr().String())
	s.lock.Lock()
	handle, ok := s.byAddress[address]
	h := s.handler
	var mtu int
	if ok {
		l := s.links[handle]
		if l.mtu != conn.TxMTU() {
			l.mtu = conn.TxMTU()
			mtu = l.mtu
		}
	}
	s.lock.Unlock()
	if !ok {
		log.Warning("goble: request from unknown central %s", address)
		return 0, nil, false
	}
	if mtu > 0 {
		h.HandleMTU(handle, uint16(mtu))
	}
	return handle, h, true
}

// listen holds a subscription open until the central unsubscribes or disconnects.
func (s *Stack) listen(req ble.Request, chr gatt.UUID, n ble.Notifier, indicate bool) {
	handle, h, ok := s.request(req)
	if !ok {
		return
	}
	value := uint16(gatt.SubscribedNotify)
	if indicate {
		value = uint16(gatt.SubscribedIndicate)
	}
	s.lock.Lock()
	if l, ok := s.links[handle]; ok {
		l.listener[chr] = listener{notifier: n, indicate: indicate}
	}
	s.lock.Unlock()
	h.HandleSubscribe(handle, chr, value)

	<-n.Context().Done()

	s.lock.Lock()
	l, ok := s.links[handle]
	if ok {
		delete(l.listener, chr)
	}
	s.lock.Unlock()
	if ok {
		h.HandleSubscribe(handle, chr, uint16(gatt.Unsubscribed))
	}
}

func (s *Stack) connected(e evt.LEConnectionComplete) {
	if e.Status() != 0 {
		log.Warning("goble: connection failed with status 0x%02x", e.Status())
		return
	}
	peer := e.PeerAddress()
	// HCI addresses are little-endian.
	mac := net.HardwareAddr{peer[5], peer[4], peer[3], peer[2], peer[1], peer[0]}
	info := peripheral.ConnInfo{
		Handle:  e.ConnectionHandle(),
		Address: mac.String(),
		Params: peripheral.ConnParams{
			IntervalMin: e.ConnInterval(),
			IntervalMax: e.ConnInterval(),
			Latency:     e.ConnLatency(),
			Timeout:     e.SupervisionTimeout(),
		},
		MTU:       ble.DefaultMTU,
		Encrypted: s.options.TrustedLink,
	}
	s.lock.Lock()
	s.links[info.Handle] = &link{handle: info.Handle, address: info.Address, mtu: ble.DefaultMTU, listener: make(map[gatt.UUID]listener)}
	s.byAddress[info.Address] = info.Handle
	h := s.handler
	s.lock.Unlock()

	h.HandleConnect(info)
	h.AuthenticationComplete(info.Handle, s.options.TrustedLink)
}

func (s *Stack) disconnected(e evt.DisconnectionComplete) {
	handle := e.ConnectionHandle()
	s.lock.Lock()
	if l, ok := s.links[handle]; ok {
		delete(s.byAddress, l.address)
		delete(s.links, handle)
	}
	h := s.handler
	s.lock.Unlock()
	h.HandleDisconnect(handle, fmt.Errorf("hci reason 0x%02x", e.Reason()))
}

// SetValue records value for reads served outside the server. Reads normally go through
// HandleRead, so this only matters for characteristics without a read handler.
func (s *Stack) SetValue(chr gatt.UUID, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.values[chr] = append([]byte(nil), value...)
	return nil
}

func (s *Stack) Notify(handle uint16, chr gatt.UUID, value []byte, indicate bool) error {
	s.lock.Lock()
	l, ok := s.links[handle]
	var n listener
	if ok {
		n, ok = l.listener[chr]
	}
	s.lock.Unlock()
	if !ok {
		return ErrNoListener
	}
	if n.indicate != indicate {
		return fmt.Errorf("goble: %s subscribed with a different mode", chr)
	}
	h := s.eventHandler()
	go func() {
		_, err := n.notifier.Write(value)
		h.HandleNotifyStatus(handle, chr, err)
	}()
	return nil
}

func (s *Stack) eventHandler() peripheral.EventHandler {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.handler
}

func (s *Stack) StartAdvertising(adv peripheral.Advert) error {
	device, _, err := s.dev()
	if err != nil {
		return err
	}
	uuids := make([]ble.UUID, 0, len(adv.Services))
	for _, u := range adv.Services {
		uuids = append(uuids, toBLE(u))
	}
	// Restarting while advertising is accepted by the controller after a stop.
	if err := device.HCI.StopAdvertising(); err != nil {
		log.Debug("goble: stop advertising: %s", err)
	}
	return device.HCI.AdvertiseNameAndServices(adv.Name, uuids...)
}

func (s *Stack) UpdateConnParams(handle uint16, p peripheral.ConnParams) error {
	device, _, err := s.dev()
	if err != nil {
		return err
	}
	return device.HCI.Send(&cmd.LEConnectionUpdate{
		ConnectionHandle:   handle,
		ConnIntervalMin:    p.IntervalMin,
		ConnIntervalMax:    p.IntervalMax,
		ConnLatency:        p.Latency,
		SupervisionTimeout: p.Timeout,
	}, nil)
}

func (s *Stack) Disconnect(handle uint16) error {
	device, _, err := s.dev()
	if err != nil {
		return err
	}
	s.lock.Lock()
	_, ok := s.links[handle]
	s.lock.Unlock()
	if !ok {
		return ErrNoPeer
	}
	return device.HCI.Send(&cmd.Disconnect{ConnectionHandle: handle, Reason: reasonUserTerminated}, nil)
}

func (s *Stack) Close() error {
	s.lock.Lock()
	device := s.device
	s.device = nil
	s.lock.Unlock()
	if device == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.options.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- device.Stop() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
