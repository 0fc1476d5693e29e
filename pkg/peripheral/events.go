package peripheral

import (
	"fmt"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/protocol"
)

// HandleConnect implements EventHandler.
func (s *Server) HandleConnect(info ConnInfo) {
	s.queue.post(func() { s.connected(info) })
}

// HandleDisconnect implements EventHandler.
func (s *Server) HandleDisconnect(handle uint16, reason error) {
	s.queue.post(func() { s.disconnected(handle, reason) })
}

// HandleMTU implements EventHandler.
func (s *Server) HandleMTU(handle uint16, mtu uint16) {
	s.queue.post(func() {
		if session, ok := s.sessions.get(handle); ok {
			session.MTU = mtu
			log.Info("%s MTU updated: %d for connection ID: %d", session, mtu, handle)
		}
	})
}

// PasskeyRequest implements EventHandler.
func (s *Server) PasskeyRequest(handle uint16) uint32 {
	log.Info("Server passkey request for connection ID: %d", handle)
	return s.gate.Passkey()
}

// ConfirmPIN implements EventHandler. A mismatch tears the connection down.
func (s *Server) ConfirmPIN(handle uint16, pin uint32) bool {
	if s.gate.ConfirmPIN(pin) {
		log.Info("Passkey confirmed for connection ID: %d", handle)
		return true
	}
	s.queue.post(func() {
		if session, ok := s.sessions.get(handle); ok {
			s.pairingFailed(session, fmt.Errorf("passkey mismatch: %w", protocol.ErrPairingFailed))
		}
	})
	return false
}

// AuthenticationComplete implements EventHandler.
func (s *Server) AuthenticationComplete(handle uint16, encrypted bool) {
	s.queue.post(func() {
		session, ok := s.sessions.get(handle)
		if !ok {
			log.Warning("Authentication complete for unknown connection ID: %d", handle)
			return
		}
		if err := s.gate.Complete(session, encrypted); err != nil {
			s.pairingFailed(session, err)
			return
		}
		if encrypted {
			log.Info("%s Link encrypted", session)
		} else {
			log.Info("%s Link not encrypted, continuing without encryption", session)
		}
		s.armExchange(session)
	})
}

// HandleRead implements EventHandler.
func (s *Server) HandleRead(handle uint16, chr gatt.UUID) ([]byte, error) {
	var value []byte
	var readErr error
	if err := s.call(func() { value, readErr = s.read(handle, chr) }); err != nil {
		return nil, err
	}
	return value, readErr
}

// HandleWrite implements EventHandler.
func (s *Server) HandleWrite(handle uint16, chr gatt.UUID, value []byte) error {
	var writeErr error
	if err := s.call(func() { writeErr = s.write(handle, chr, value) }); err != nil {
		return err
	}
	return writeErr
}

// HandleSubscribe implements EventHandler.
func (s *Server) HandleSubscribe(handle uint16, chr gatt.UUID, value uint16) {
	s.queue.post(func() { s.subscribe(handle, chr, value) })
}

// HandleNotifyStatus implements EventHandler.
func (s *Server) HandleNotifyStatus(handle uint16, chr gatt.UUID, err error) {
	s.queue.post(func() {
		c, lookupErr := s.registry.Find(chr)
		if lookupErr != nil {
			log.Warning("Notify status for unknown characteristic %s", chr)
			return
		}
		s.deliveryStatus(handle, c, err)
	})
}

func (s *Server) connected(info ConnInfo) {
	session, replaced := s.sessions.open(info, s.now())
	if replaced != nil {
		log.Warning("%s Connection ID %d reused, dropping state of %s", session, info.Handle, replaced)
		s.forgetRetries(info.Handle)
	}
	log.Info("%s Client connected: %s (connection ID %d)", session, info.Address, info.Handle)
	if info.Encrypted {
		session.Authenticated = true
	}
	s.armExchange(session)

	s.advertiser.Stopped()
	if s.config.Advertising.MultiLink {
		log.Info("Multi-connect support: start advertising")
		s.advertiser.Start()
	}
	if err := s.stack.UpdateConnParams(info.Handle, s.config.ConnParams); err != nil {
		log.Warning("%s Connection parameter update failed: %s", session, err)
	} else {
		log.Debug("%s Requested %s", session, s.config.ConnParams)
	}
}

func (s *Server) disconnected(handle uint16, reason error) {
	session, ok := s.sessions.close(handle)
	if ok {
		session.state = StateIdle
		s.forgetRetries(handle)
		if reason != nil {
			log.Info("%s Client disconnected (%s) - start advertising", session, reason)
		} else {
			log.Info("%s Client disconnected - start advertising", session)
		}
	} else {
		log.Debug("Ignoring disconnect for unknown connection ID: %d", handle)
	}
	s.advertiser.Start()
}

// armExchange moves an idle session to AwaitingWrite once the gate lets it start an exchange.
func (s *Server) armExchange(session *Session) {
	if session.state == StateIdle && s.gate.Ready(session) {
		session.state = StateAwaitingWrite
	}
}

// pairingFailed drops a connection whose pairing did not produce an encrypted link.
func (s *Server) pairingFailed(session *Session, err error) {
	log.Warning("%s Encrypt connection failed - disconnecting client: %s", session, err)
	s.report(Report{Kind: ReportPairingFailed, Session: session.ID.String(), Handle: session.Handle, Err: err})
	s.disconnect(session)
}

// disconnect asks the stack to drop session. The session stays registered until the stack
// confirms with HandleDisconnect.
func (s *Server) disconnect(session *Session) {
	if session.closing {
		return
	}
	session.closing = true
	if err := s.stack.Disconnect(session.Handle); err != nil {
		log.Error("%s Disconnect failed: %s", session, err)
	}
}

func (s *Server) read(handle uint16, chr gatt.UUID) ([]byte, error) {
	session, ok := s.sessions.get(handle)
	if !ok {
		return nil, protocol.ErrUnknownSession
	}
	c, err := s.registry.Find(chr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gatt.StatusAttributeNotFound, err)
	}
	if !c.Properties.Has(gatt.PropRead) {
		return nil, protocol.ErrReadNotPermitted
	}
	if err := s.gate.AllowRead(session, c); err != nil {
		log.Warning("%s Read of %s refused: %s", session, c.UUID, err)
		return nil, err
	}
	return s.handler(c.Role).OnRead(session, c)
}

func (s *Server) write(handle uint16, chr gatt.UUID, value []byte) error {
	session, ok := s.sessions.get(handle)
	if !ok {
		return protocol.ErrUnknownSession
	}
	c, err := s.registry.Find(chr)
	if err != nil {
		return fmt.Errorf("%w: %w", gatt.StatusAttributeNotFound, err)
	}
	if c.Properties&(gatt.PropWrite|gatt.PropWriteNoResponse) == 0 {
		return protocol.ErrWriteNotPermitted
	}
	if err := s.gate.AllowWrite(session, c); err != nil {
		log.Warning("%s Write to %s refused: %s", session, c.UUID, err)
		return err
	}
	return s.handler(c.Role).OnWrite(session, c, value)
}
