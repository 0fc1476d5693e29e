package peripheral

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/protocol"
)

// DecodeChallenge parses an Authorization write: a little-endian uint32, or a little-endian
// uint64 that fits in 32 bits. Zero is not a valid challenge.
func DecodeChallenge(value []byte) (uint32, error) {
	var v uint64
	switch len(value) {
	case 4:
		v = uint64(binary.LittleEndian.Uint32(value))
	case 8:
		v = binary.LittleEndian.Uint64(value)
		if v > math.MaxUint32 {
			return 0, fmt.Errorf("challenge %d: %w", v, protocol.ErrOutOfRange)
		}
	default:
		return 0, fmt.Errorf("%d bytes: %w", len(value), protocol.ErrInvalidLength)
	}
	if v == 0 {
		return 0, fmt.Errorf("challenge 0: %w", protocol.ErrOutOfRange)
	}
	return uint32(v), nil
}

// EncodeChallenge returns the 4-byte form of an Authorization write.
func EncodeChallenge(challenge uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, challenge)
}

// authorize runs one exchange: validate the written challenge, issue a rolling code and notify
// it to every RollingCode subscriber.
func (s *Server) authorize(session *Session, c *gatt.Characteristic, value []byte) error {
	if !session.limiter.AllowN(s.now(), 1) {
		s.rejectWrite(session, c, protocol.ErrRateLimited)
		return protocol.ErrRateLimited
	}
	challenge, err := DecodeChallenge(value)
	if err != nil {
		s.rejectWrite(session, c, err)
		return err
	}
	s.setValue(c, value)
	session.state = StateComputingResponse

	ids := s.config.Identifiers
	rc, err := s.lookup(ids.Service, ids.RollingCode)
	if err != nil {
		session.state = StateIdle
		log.Error("%s Rolling code characteristic unavailable, not notifying: %s", session, err)
		s.report(Report{
			Kind:           ReportLookupFailed,
			Session:        session.ID.String(),
			Handle:         session.Handle,
			Characteristic: ids.RollingCode,
			Err:            err,
		})
		return fmt.Errorf("%w: %w", protocol.ErrLookupFailed, err)
	}

	code, err := s.generator.Next(challenge)
	if err != nil {
		session.state = StateAwaitingWrite
		s.rejectWrite(session, c, err)
		return err
	}
	payload := code.Payload()
	s.setValue(rc, payload)
	s.codeExpired = false

	s.handler(rc.Role).OnNotify(session, rc)
	n := s.push(rc, payload)
	session.state = StateNotified
	log.Info("%s Rolling code #%d issued for challenge %d, notified %d subscribers", session, code.Counter, challenge, n)
	session.state = StateIdle
	return nil
}

func (s *Server) rejectWrite(session *Session, c *gatt.Characteristic, err error) {
	log.Warning("%s Rejected write to %s: %s", session, c.UUID, err)
	s.report(Report{
		Kind:           ReportWriteRejected,
		Session:        session.ID.String(),
		Handle:         session.Handle,
		Characteristic: c.UUID,
		Err:            err,
	})
}

// deliveryMode picks notification or indication for a subscriber. Each subscriber receives at
// most one push per value.
func deliveryMode(sub gatt.Subscription, props gatt.Property) (indicate bool, ok bool) {
	if sub.Notify() && props.Has(gatt.PropNotify) {
		return false, true
	}
	if sub.Indicate() && props.Has(gatt.PropIndicate) {
		return true, true
	}
	return false, false
}

// push sends value to every subscriber of c and returns how many subscribers it was sent to.
// All subscribers receive the same value.
func (s *Server) push(c *gatt.Characteristic, value []byte) int {
	subscribers := s.sessions.subscribers(c.UUID)
	if b, ok := s.stack.(Broadcaster); ok {
		if len(subscribers) == 0 {
			return 0
		}
		s.deliveryStatus(broadcastHandle, c, b.Broadcast(c.UUID, value))
		return len(subscribers)
	}
	n := 0
	for _, session := range subscribers {
		indicate, ok := deliveryMode(session.Subscription(c.UUID), c.Properties)
		if !ok {
			log.Debug("%s Subscription %s not supported by %s", session, session.Subscription(c.UUID), c.UUID)
			continue
		}
		s.deliveryStatus(session.Handle, c, s.stack.Notify(session.Handle, c.UUID, value, indicate))
		n++
	}
	return n
}

// deliveryStatus handles the outcome of a push. Failures are retried through the queue up to
// Notify.MaxRetries times, then reported. Delivery failures never end a session.
func (s *Server) deliveryStatus(handle uint16, c *gatt.Characteristic, err error) {
	session, _ := s.sessions.get(handle)
	s.handler(c.Role).OnStatus(session, c, err)

	key := delivery{handle, c.UUID}
	if err == nil {
		delete(s.retries, key)
		return
	}
	attempts := s.retries[key]
	if attempts >= s.config.Notify.MaxRetries {
		delete(s.retries, key)
		r := Report{
			Kind:           ReportNotifyFailed,
			Handle:         handle,
			Characteristic: c.UUID,
			Err:            fmt.Errorf("%w after %d attempts: %w", protocol.ErrNotifyFailed, attempts+1, err),
		}
		if session != nil {
			r.Session = session.ID.String()
		}
		log.Warning("Giving up on %s notification to connection ID %d: %s", c.UUID, handle, err)
		s.report(r)
		return
	}
	s.retries[key] = attempts + 1
	time.AfterFunc(s.config.Notify.RetryDelay, func() {
		s.queue.post(func() { s.redeliver(handle, c) })
	})
}

// redeliver pushes the current value of c again. A newer value may have superseded the one that
// failed, in which case the newer one is sent.
func (s *Server) redeliver(handle uint16, c *gatt.Characteristic) {
	key := delivery{handle, c.UUID}
	if _, pending := s.retries[key]; !pending {
		return
	}
	value := c.Value()
	if len(value) == 0 {
		delete(s.retries, key)
		return
	}
	if handle == broadcastHandle {
		if b, ok := s.stack.(Broadcaster); ok {
			s.deliveryStatus(handle, c, b.Broadcast(c.UUID, value))
			return
		}
		delete(s.retries, key)
		return
	}
	session, ok := s.sessions.get(handle)
	if !ok || session.closing {
		delete(s.retries, key)
		return
	}
	indicate, ok := deliveryMode(session.Subscription(c.UUID), c.Properties)
	if !ok {
		delete(s.retries, key)
		return
	}
	log.Debug("%s Retrying %s notification", session, c.UUID)
	s.deliveryStatus(handle, c, s.stack.Notify(handle, c.UUID, value, indicate))
}

func (s *Server) forgetRetries(handle uint16) {
	for key := range s.retries {
		if key.handle == handle {
			delete(s.retries, key)
		}
	}
}

// subscribe applies a CCCD write. Invalid values and direct switches between subscription kinds
// are rejected and logged.
func (s *Server) subscribe(handle uint16, chr gatt.UUID, value uint16) {
	session, ok := s.sessions.get(handle)
	if !ok {
		log.Warning("Subscription from unknown connection ID: %d", handle)
		return
	}
	c, err := s.registry.Find(chr)
	if err != nil {
		s.rejectSubscription(session, chr, err)
		return
	}
	next, err := gatt.ParseSubscription(value)
	if err == nil && next.Active() && !c.CanPush() {
		err = fmt.Errorf("%w: %s does not support notifications", gatt.ErrInvalidSubscription, c.UUID)
	}
	if err == nil {
		err = session.Subscription(chr).Transition(next)
	}
	if err != nil {
		s.rejectSubscription(session, chr, err)
		return
	}
	if next == gatt.Unsubscribed {
		delete(session.subscriptions, chr)
	} else {
		session.subscriptions[chr] = next
	}
	s.handler(c.Role).OnSubscribe(session, c, next)
	if next.Active() && session.state == StateIdle {
		session.state = StateAwaitingWrite
	}
}

func (s *Server) rejectSubscription(session *Session, chr gatt.UUID, err error) {
	level := log.Warning
	if errors.Is(err, gatt.ErrNotFound) {
		level = log.Error
	}
	level("%s Client ID: %d rejected subscription to %s: %s", session, session.Handle, chr, err)
	s.report(Report{
		Kind:           ReportSubscriptionRejected,
		Session:        session.ID.String(),
		Handle:         session.Handle,
		Characteristic: chr,
		Err:            err,
	})
}
