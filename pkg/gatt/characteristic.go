package gatt

import (
	"bytes"
	"sync"
)

// Role selects the behavior attached to a characteristic.
type Role int

const (
	RoleUnknown Role = iota
	RoleAuthorization
	RoleRollingCode
	RoleLiveness
)

func (r Role) String() string {
	switch r {
	case RoleAuthorization:
		return "authorization"
	case RoleRollingCode:
		return "rolling-code"
	case RoleLiveness:
		return "liveness"
	}
	return "unknown"
}

// Characteristic is a typed, addressable value exposed by a Service. The value is opaque and
// last-write-wins; no history is kept.
type Characteristic struct {
	UUID       UUID
	Role       Role
	Properties Property

	lock  sync.RWMutex
	value []byte
}

// NewCharacteristic returns a characteristic with an empty value.
func NewCharacteristic(uuid UUID, role Role, props Property) *Characteristic {
	return &Characteristic{UUID: uuid, Role: role, Properties: props}
}

// Value returns a copy of the current value.
func (c *Characteristic) Value() []byte {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return bytes.Clone(c.value)
}

// SetValue replaces the current value. It returns false if the value did not change.
func (c *Characteristic) SetValue(value []byte) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if bytes.Equal(c.value, value) && c.value != nil {
		return false
	}
	c.value = bytes.Clone(value)
	return true
}

// ReadRequiresEncryption returns true if reads must be refused on unencrypted links.
func (c *Characteristic) ReadRequiresEncryption() bool {
	return c.Properties.Has(PropReadEncrypted)
}

// WriteRequiresEncryption returns true if writes must be refused on unencrypted links.
func (c *Characteristic) WriteRequiresEncryption() bool {
	return c.Properties.Has(PropWriteEncrypted)
}

// CanPush returns true if the characteristic supports notifications or indications.
func (c *Characteristic) CanPush() bool {
	return c.Properties&(PropNotify|PropIndicate) != 0
}
