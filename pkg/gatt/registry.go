package gatt

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a (service, characteristic) pair is not registered.
var ErrNotFound = errors.New("gatt: characteristic not found")

type key struct {
	service        UUID
	characteristic UUID
}

// Registry indexes the characteristics of started services by (service UUID, characteristic
// UUID). Lookups never panic; a missing entry is reported as ErrNotFound.
type Registry struct {
	lock     sync.RWMutex
	services map[UUID]*Service
	index    map[key]*Characteristic
	byUUID   map[UUID]*Characteristic // first registration of each characteristic UUID
	roles    map[Role]key
}

func NewRegistry() *Registry {
	return &Registry{
		services: make(map[UUID]*Service),
		index:    make(map[key]*Characteristic),
		byUUID:   make(map[UUID]*Characteristic),
		roles:    make(map[Role]key),
	}
}

// Register adds every characteristic of svc to the registry. The service must have been started.
func (r *Registry) Register(svc *Service) error {
	if !svc.Started() {
		return ErrServiceNotStarted
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.services[svc.UUID]; ok {
		return fmt.Errorf("gatt: service %s already registered", svc.UUID)
	}
	r.services[svc.UUID] = svc
	for _, c := range svc.Characteristics() {
		k := key{svc.UUID, c.UUID}
		r.index[k] = c
		if _, ok := r.byUUID[c.UUID]; !ok {
			r.byUUID[c.UUID] = c
		}
		if c.Role != RoleUnknown {
			r.roles[c.Role] = k
		}
	}
	return nil
}

// Lookup returns the characteristic identified by (svc, chr).
func (r *Registry) Lookup(svc, chr UUID) (*Characteristic, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	c, ok := r.index[key{svc, chr}]
	if !ok {
		return nil, fmt.Errorf("%w: service %s characteristic %s", ErrNotFound, svc, chr)
	}
	return c, nil
}

// Find returns the first registered characteristic with the given UUID, in any service. Stack
// callbacks identify characteristics by UUID alone.
func (r *Registry) Find(chr UUID) (*Characteristic, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if c, ok := r.byUUID[chr]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: characteristic %s", ErrNotFound, chr)
}

// ByRole returns the characteristic bound to role, together with its service UUID.
func (r *Registry) ByRole(role Role) (UUID, *Characteristic, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	k, ok := r.roles[role]
	if !ok {
		return UUID{}, nil, fmt.Errorf("%w: role %s", ErrNotFound, role)
	}
	return k.service, r.index[k], nil
}
