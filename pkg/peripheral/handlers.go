package peripheral

import (
	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/protocol"
)

// RoleHandler holds the behavior of one characteristic role. Methods run on the server loop. The
// session passed to OnStatus is nil for broadcast deliveries.
type RoleHandler interface {
	OnRead(s *Session, c *gatt.Characteristic) ([]byte, error)
	OnWrite(s *Session, c *gatt.Characteristic, value []byte) error
	OnNotify(s *Session, c *gatt.Characteristic)
	OnStatus(s *Session, c *gatt.Characteristic, err error)
	OnSubscribe(s *Session, c *gatt.Characteristic, sub gatt.Subscription)
}

// baseHandler serves stored values and refuses writes.
type baseHandler struct{}

func (baseHandler) OnRead(_ *Session, c *gatt.Characteristic) ([]byte, error) {
	return c.Value(), nil
}

func (baseHandler) OnWrite(*Session, *gatt.Characteristic, []byte) error {
	return protocol.ErrWriteNotPermitted
}

func (baseHandler) OnNotify(*Session, *gatt.Characteristic)                       {}
func (baseHandler) OnStatus(*Session, *gatt.Characteristic, error)                {}
func (baseHandler) OnSubscribe(*Session, *gatt.Characteristic, gatt.Subscription) {}

type authorizationHandler struct {
	baseHandler
	server *Server
}

func (h authorizationHandler) OnWrite(s *Session, c *gatt.Characteristic, value []byte) error {
	log.Debug("%s %s: onWrite(), value: %x", s, c.UUID, value)
	return h.server.authorize(s, c, value)
}

type rollingCodeHandler struct {
	baseHandler
}

func (rollingCodeHandler) OnNotify(s *Session, c *gatt.Characteristic) {
	log.Debug("%s Sending %s notification to clients", s, c.UUID)
}

func (rollingCodeHandler) OnStatus(s *Session, c *gatt.Characteristic, err error) {
	target := "all subscribers"
	if s != nil {
		target = s.String()
	}
	if err != nil {
		log.Warning("Notification on %s to %s failed: %s (status 0x%02x)", c.UUID, target, err, uint8(gatt.StatusOf(err)))
		return
	}
	log.Debug("Notification on %s to %s delivered", c.UUID, target)
}

func (rollingCodeHandler) OnSubscribe(s *Session, c *gatt.Characteristic, sub gatt.Subscription) {
	switch sub {
	case gatt.Unsubscribed:
		log.Info("%s Client ID: %d Address: %s Unsubscribed from %s", s, s.Handle, s.Address, c.UUID)
	case gatt.SubscribedNotify:
		log.Info("%s Client ID: %d Address: %s Subscribed to notifications for %s", s, s.Handle, s.Address, c.UUID)
	case gatt.SubscribedIndicate:
		log.Info("%s Client ID: %d Address: %s Subscribed to indications for %s", s, s.Handle, s.Address, c.UUID)
	case gatt.SubscribedBoth:
		log.Info("%s Client ID: %d Address: %s Subscribed to notifications and indications for %s", s, s.Handle, s.Address, c.UUID)
	}
}

type livenessHandler struct {
	baseHandler
}

func (livenessHandler) OnRead(s *Session, c *gatt.Characteristic) ([]byte, error) {
	value := c.Value()
	if v, ok := DecodeLiveness(value); ok {
		log.Debug("%s %s: onRead(), value: %d", s, c.UUID, v)
	} else {
		log.Debug("%s %s: onRead(), value: %x", s, c.UUID, value)
	}
	return value, nil
}

func (livenessHandler) OnWrite(s *Session, c *gatt.Characteristic, value []byte) error {
	log.Warning("%s Refusing write of %d bytes to push-only %s", s, len(value), c.UUID)
	return protocol.ErrWriteNotPermitted
}
