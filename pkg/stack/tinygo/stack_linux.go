package tinygo

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

// Stack implements peripheral.Stack and peripheral.Broadcaster.
type Stack struct {
	options Options

	lock        sync.Mutex
	adapter     *bluetooth.Adapter
	handler     peripheral.EventHandler
	handles     map[*gatt.Characteristic]*bluetooth.Characteristic
	byUUID      map[gatt.UUID]*gatt.Characteristic
	links       map[uint16]bluetooth.Device
	table       *linkTable
	advertising *bluetooth.Advertisement
}

func New(options Options) (peripheral.Stack, error) {
	return &Stack{
		options: options,
		handles: make(map[*gatt.Characteristic]*bluetooth.Characteristic),
		byUUID:  make(map[gatt.UUID]*gatt.Characteristic),
		links:   make(map[uint16]bluetooth.Device),
		table:   newLinkTable(),
	}, nil
}

func newAdapter(id string) *bluetooth.Adapter {
	if id != "" {
		return bluetooth.NewAdapter(id)
	}
	return bluetooth.DefaultAdapter
}

func (s *Stack) Init(id peripheral.Identity, h peripheral.EventHandler) error {
	adapter := newAdapter(s.options.AdapterID)
	if err := adapter.Enable(); err != nil {
		if IsAdapterError(err) {
			return fmt.Errorf("%s: %w", AdapterErrorHelpMessage(err), err)
		}
		return fmt.Errorf("tinygo: failed to enable adapter: %w", err)
	}
	if id.TxPower != 0 {
		log.Debug("tinygo: TX power is managed by BlueZ, ignoring %d dBm", id.TxPower)
	}
	s.lock.Lock()
	s.adapter = adapter
	s.handler = h
	s.lock.Unlock()
	adapter.SetConnectHandler(s.connectEvent)
	return nil
}

func (s *Stack) AddService(svc *gatt.Service) error {
	s.lock.Lock()
	adapter := s.adapter
	s.lock.Unlock()
	if adapter == nil {
		return ErrNotStarted
	}
	if !svc.Started() {
		return gatt.ErrServiceNotStarted
	}
	out := &bluetooth.Service{UUID: toBluetooth(svc.UUID)}
	for _, c := range svc.Characteristics() {
		handle := &bluetooth.Characteristic{}
		config := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   toBluetooth(c.UUID),
			Value:  c.Value(),
			Flags:  permissions(c.Properties),
		}
		if c.Properties.Has(gatt.PropWrite) || c.Properties.Has(gatt.PropWriteNoResponse) {
			id := c.UUID
			config.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				s.written(id, offset, value)
			}
		}
		out.Characteristics = append(out.Characteristics, config)
		s.lock.Lock()
		s.handles[c] = handle
		s.byUUID[c.UUID] = c
		s.lock.Unlock()
	}
	return adapter.AddService(out)
}

// written forwards a write to the server, attributed to the most recent connection still up.
func (s *Stack) written(chr gatt.UUID, offset int, value []byte) {
	s.lock.Lock()
	h := s.handler
	handle, ok := s.table.latest()
	s.lock.Unlock()
	if !ok {
		log.Warning("tinygo: write to %s without a connection", chr)
		return
	}
	if offset != 0 {
		log.Warning("tinygo: ignoring write to %s at offset %d", chr, offset)
		return
	}
	if err := h.HandleWrite(handle, chr, value); err != nil {
		// BlueZ has already acknowledged the write.
		log.Warning("tinygo: write to %s rejected: %s (status 0x%02x)", chr, err, uint8(gatt.StatusOf(err)))
	}
}

func (s *Stack) connectEvent(device bluetooth.Device, connected bool) {
	address := device.Address.String()
	s.lock.Lock()
	h := s.handler
	var handle uint16
	var changed bool
	if connected {
		if handle, changed = s.table.connect(address); changed {
			s.links[handle] = device
		}
	} else if handle, changed = s.table.disconnect(address); changed {
		delete(s.links, handle)
	}
	var push []gatt.UUID
	for id, c := range s.byUUID {
		if c.CanPush() {
			push = append(push, id)
		}
	}
	s.lock.Unlock()

	if connected {
		if !changed {
			return
		}
		h.HandleConnect(peripheral.ConnInfo{Handle: handle, Address: address, MTU: 23, Encrypted: s.options.TrustedLink})
		h.AuthenticationComplete(handle, s.options.TrustedLink)
		for _, id := range push {
			h.HandleSubscribe(handle, id, uint16(gatt.SubscribedNotify))
		}
		return
	}
	if changed {
		h.HandleDisconnect(handle, nil)
	}
}

func (s *Stack) characteristic(chr gatt.UUID) (*gatt.Characteristic, *bluetooth.Characteristic, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, ok := s.byUUID[chr]
	if !ok {
		return nil, nil, gatt.ErrNotFound
	}
	return c, s.handles[c], nil
}

// SetValue updates the attribute table. Push characteristics are only written by Broadcast,
// since BlueZ notifies on every write.
func (s *Stack) SetValue(chr gatt.UUID, value []byte) error {
	c, handle, err := s.characteristic(chr)
	if err != nil {
		return err
	}
	if c.CanPush() {
		return nil
	}
	_, err = handle.Write(value)
	return err
}

func (s *Stack) Broadcast(chr gatt.UUID, value []byte) error {
	_, handle, err := s.characteristic(chr)
	if err != nil {
		return err
	}
	_, err = handle.Write(value)
	return err
}

func (s *Stack) Notify(uint16, gatt.UUID, []byte, bool) error {
	return ErrUnsupported
}

func (s *Stack) StartAdvertising(adv peripheral.Advert) error {
	s.lock.Lock()
	adapter := s.adapter
	s.lock.Unlock()
	if adapter == nil {
		return ErrNotStarted
	}
	uuids := make([]bluetooth.UUID, 0, len(adv.Services))
	for _, u := range adv.Services {
		uuids = append(uuids, toBluetooth(u))
	}
	a := adapter.DefaultAdvertisement()
	if err := a.Configure(bluetooth.AdvertisementOptions{LocalName: adv.Name, ServiceUUIDs: uuids}); err != nil {
		return fmt.Errorf("tinygo: configure advertisement: %w", err)
	}
	// BlueZ refuses to register the same advertisement twice.
	if err := a.Stop(); err != nil {
		log.Debug("tinygo: stop advertising: %s", err)
	}
	if err := a.Start(); err != nil {
		return err
	}
	s.lock.Lock()
	s.advertising = a
	s.lock.Unlock()
	return nil
}

func (s *Stack) UpdateConnParams(uint16, peripheral.ConnParams) error {
	return ErrUnsupported
}

func (s *Stack) Disconnect(handle uint16) error {
	s.lock.Lock()
	device, ok := s.links[handle]
	s.lock.Unlock()
	if !ok {
		return ErrNoPeer
	}
	return device.Disconnect()
}

func (s *Stack) Close() error {
	s.lock.Lock()
	a := s.advertising
	s.advertising = nil
	s.adapter = nil
	s.lock.Unlock()
	if a != nil {
		return a.Stop()
	}
	return nil
}
