// Package sim is an in-process BLE stack. It lets tests and the bench console play the central
// role against a peripheral.Server without a radio.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

var (
	ErrNotInitialized  = errors.New("sim: stack not initialized")
	ErrClosed          = errors.New("sim: stack closed")
	ErrNoConnection    = errors.New("sim: no such connection")
	ErrNotConnected    = errors.New("sim: peer not connected")
	ErrAdvertiseFailed = errors.New("sim: controller refused advertising")
	ErrNotifyFailed    = errors.New("sim: notification queue full")
	ErrLocalDisconnect = errors.New("sim: disconnected by peripheral")
	ErrPeerDisconnect  = errors.New("sim: disconnected by central")
)

const defaultMTU = 23

// Notification is a value pushed to a central.
type Notification struct {
	Handle         uint16
	Characteristic gatt.UUID
	Value          []byte
	Indicate       bool
}

// Stack implements peripheral.Stack in memory.
type Stack struct {
	lock        sync.Mutex
	handler     peripheral.EventHandler
	identity    peripheral.Identity
	services    []*gatt.Service
	values      map[gatt.UUID][]byte
	advertising bool
	advert      peripheral.Advert
	advertised  int
	failAdv     int
	failNotify  int
	peers       map[uint16]*Peer
	params      map[uint16]peripheral.ConnParams
	nextHandle  uint16
	closed      bool
}

func New() *Stack {
	return &Stack{
		values: make(map[gatt.UUID][]byte),
		peers:  make(map[uint16]*Peer),
		params: make(map[uint16]peripheral.ConnParams),
	}
}

func (s *Stack) Init(id peripheral.Identity, h peripheral.EventHandler) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.identity = id
	s.handler = h
	return nil
}

func (s *Stack) AddService(svc *gatt.Service) error {
	if !svc.Started() {
		return gatt.ErrServiceNotStarted
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.handler == nil {
		return ErrNotInitialized
	}
	s.services = append(s.services, svc)
	for _, c := range svc.Characteristics() {
		s.values[c.UUID] = c.Value()
	}
	return nil
}

func (s *Stack) SetValue(chr gatt.UUID, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.values[chr] = bytes.Clone(value)
	return nil
}

func (s *Stack) Notify(handle uint16, chr gatt.UUID, value []byte, indicate bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failNotify > 0 {
		s.failNotify--
		return ErrNotifyFailed
	}
	peer, ok := s.peers[handle]
	if !ok {
		return ErrNoConnection
	}
	peer.received = append(peer.received, Notification{
		Handle:         handle,
		Characteristic: chr,
		Value:          bytes.Clone(value),
		Indicate:       indicate,
	})
	return nil
}

func (s *Stack) StartAdvertising(adv peripheral.Advert) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.failAdv > 0 {
		s.failAdv--
		return ErrAdvertiseFailed
	}
	s.advertising = true
	s.advert = adv
	s.advertised++
	return nil
}

func (s *Stack) UpdateConnParams(handle uint16, params peripheral.ConnParams) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.peers[handle]; !ok {
		return ErrNoConnection
	}
	s.params[handle] = params
	return nil
}

// Disconnect drops a connection and reports it to the handler, like a controller would.
func (s *Stack) Disconnect(handle uint16) error {
	s.lock.Lock()
	peer, ok := s.peers[handle]
	if ok {
		delete(s.peers, handle)
		peer.connected = false
	}
	h := s.handler
	s.lock.Unlock()
	if !ok {
		return ErrNoConnection
	}
	h.HandleDisconnect(handle, ErrLocalDisconnect)
	return nil
}

func (s *Stack) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	s.advertising = false
	return nil
}

// Connect simulates a central connecting. The controller stops advertising when a connection
// forms.
func (s *Stack) Connect(address string) (*Peer, error) {
	s.lock.Lock()
	if s.handler == nil {
		s.lock.Unlock()
		return nil, ErrNotInitialized
	}
	if s.closed {
		s.lock.Unlock()
		return nil, ErrClosed
	}
	handle := s.nextHandle
	s.nextHandle++
	peer := &Peer{stack: s, Handle: handle, Address: address, connected: true}
	s.peers[handle] = peer
	s.advertising = false
	h := s.handler
	s.lock.Unlock()

	h.HandleConnect(peripheral.ConnInfo{Handle: handle, Address: address, MTU: defaultMTU})
	return peer, nil
}

// Peer returns the connected central with the given handle.
func (s *Stack) Peer(handle uint16) (*Peer, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.peers[handle]
	return p, ok
}

func (s *Stack) Advertising() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.advertising
}

// AdvertiseCount returns how many times advertising was successfully started.
func (s *Stack) AdvertiseCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.advertised
}

func (s *Stack) Advert() peripheral.Advert {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.advert
}

func (s *Stack) Identity() peripheral.Identity {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.identity
}

// Value returns the value the stack would serve from its attribute table.
func (s *Stack) Value(chr gatt.UUID) []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	return bytes.Clone(s.values[chr])
}

// ConnParams returns the parameters last requested for handle.
func (s *Stack) ConnParams(handle uint16) (peripheral.ConnParams, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	p, ok := s.params[handle]
	return p, ok
}

// FailAdvertising makes the next n StartAdvertising calls fail.
func (s *Stack) FailAdvertising(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failAdv = n
}

// FailNotify makes the next n Notify calls fail.
func (s *Stack) FailNotify(n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failNotify = n
}

// Services returns the services added so far.
func (s *Stack) Services() []*gatt.Service {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*gatt.Service(nil), s.services...)
}

// Peer is a simulated central.
type Peer struct {
	stack     *Stack
	Handle    uint16
	Address   string
	connected bool
	received  []Notification
}

func (p *Peer) handler() (peripheral.EventHandler, error) {
	p.stack.lock.Lock()
	defer p.stack.lock.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	return p.stack.handler, nil
}

// Pair runs passkey entry with pin. It returns false if the peripheral rejected the pin.
func (p *Peer) Pair(pin uint32) (bool, error) {
	h, err := p.handler()
	if err != nil {
		return false, err
	}
	h.PasskeyRequest(p.Handle)
	if !h.ConfirmPIN(p.Handle, pin) {
		return false, nil
	}
	h.AuthenticationComplete(p.Handle, true)
	return true, nil
}

// PairUnencrypted completes pairing without establishing encryption.
func (p *Peer) PairUnencrypted() error {
	h, err := p.handler()
	if err != nil {
		return err
	}
	h.AuthenticationComplete(p.Handle, false)
	return nil
}

func (p *Peer) Read(chr gatt.UUID) ([]byte, error) {
	h, err := p.handler()
	if err != nil {
		return nil, err
	}
	return h.HandleRead(p.Handle, chr)
}

func (p *Peer) Write(chr gatt.UUID, value []byte) error {
	h, err := p.handler()
	if err != nil {
		return err
	}
	return h.HandleWrite(p.Handle, chr, value)
}

// Subscribe writes value to the CCCD of chr.
func (p *Peer) Subscribe(chr gatt.UUID, value uint16) error {
	h, err := p.handler()
	if err != nil {
		return err
	}
	h.HandleSubscribe(p.Handle, chr, value)
	return nil
}

func (p *Peer) SetMTU(mtu uint16) error {
	h, err := p.handler()
	if err != nil {
		return err
	}
	h.HandleMTU(p.Handle, mtu)
	return nil
}

// Disconnect simulates the central dropping the link.
func (p *Peer) Disconnect() error {
	p.stack.lock.Lock()
	if !p.connected {
		p.stack.lock.Unlock()
		return ErrNotConnected
	}
	p.connected = false
	delete(p.stack.peers, p.Handle)
	h := p.stack.handler
	p.stack.lock.Unlock()
	h.HandleDisconnect(p.Handle, ErrPeerDisconnect)
	return nil
}

func (p *Peer) Connected() bool {
	p.stack.lock.Lock()
	defer p.stack.lock.Unlock()
	return p.connected
}

// Notifications returns the values pushed to this peer so far.
func (p *Peer) Notifications() []Notification {
	p.stack.lock.Lock()
	defer p.stack.lock.Unlock()
	return append([]Notification(nil), p.received...)
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s (connection ID %d)", p.Address, p.Handle)
}
