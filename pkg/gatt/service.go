package gatt

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrServiceStarted    = errors.New("gatt: service already started")
	ErrDuplicate         = errors.New("gatt: duplicate characteristic")
	ErrServiceNotStarted = errors.New("gatt: service not started")
	ErrEmptyService      = errors.New("gatt: service has no characteristics")
	ErrInvalidIdentifier = errors.New("gatt: invalid identifier")
)

// Service groups characteristics. Characteristics may only be added before Start.
type Service struct {
	UUID UUID

	lock            sync.RWMutex
	characteristics []*Characteristic
	index           map[UUID]*Characteristic
	started         bool
}

func NewService(uuid UUID) *Service {
	return &Service{
		UUID:  uuid,
		index: make(map[UUID]*Characteristic),
	}
}

// AddCharacteristic creates a characteristic and attaches it to s.
func (s *Service) AddCharacteristic(uuid UUID, role Role, props Property) (*Characteristic, error) {
	if uuid.IsZero() {
		return nil, ErrInvalidIdentifier
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil, ErrServiceStarted
	}
	if _, ok := s.index[uuid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, uuid)
	}
	c := NewCharacteristic(uuid, role, props)
	s.characteristics = append(s.characteristics, c)
	s.index[uuid] = c
	return c, nil
}

// Start freezes the characteristic set. Starting a started service is a no-op.
func (s *Service) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.characteristics) == 0 {
		return ErrEmptyService
	}
	s.started = true
	return nil
}

func (s *Service) Started() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.started
}

// Characteristics returns the characteristics of s in registration order.
func (s *Service) Characteristics() []*Characteristic {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]*Characteristic, len(s.characteristics))
	copy(out, s.characteristics)
	return out
}
