package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/pkg/escalate"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/protocol"
)

var ErrAlreadyRunning = errors.New("server already running")

// delivery identifies a pending notification retry.
type delivery struct {
	handle uint16
	chr    gatt.UUID
}

// initialAuthorization is the Authorization value before the first challenge is written.
const initialAuthorization = "hello"

// broadcastHandle stands in for "every subscriber" when the stack is a Broadcaster. Valid
// connection handles stop at 0x0EFF.
const broadcastHandle uint16 = 0xFFFF

// Server is the opener's GATT server. Create one with NewServer, optionally install a Reporter,
// Escalator and restored state, then call Run.
type Server struct {
	config    Config
	stack     Stack
	registry  *gatt.Registry
	service   *gatt.Service
	auth      *gatt.Characteristic
	code      *gatt.Characteristic
	live      *gatt.Characteristic
	gate      *Gate
	sessions  *Sessions
	generator *rolling.Generator
	liveness  *Liveness
	handlers  map[gatt.Role]RoleHandler

	advertiser *Advertiser
	queue      *queue
	reporter   Reporter
	escalator  escalate.Escalator
	retries    map[delivery]int
	lookup     func(svc, chr gatt.UUID) (*gatt.Characteristic, error)
	now        func() time.Time

	ctx         context.Context
	running     atomic.Bool
	done        chan struct{}
	codeExpired bool
}

// NewServer builds the opener service and registers it. Nothing is sent to the stack until Run.
func NewServer(cfg Config, stack Stack, generator *rolling.Generator) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if generator == nil {
		return nil, errors.New("rolling code generator required")
	}
	if generator.Digits() != cfg.Rolling.Digits {
		return nil, fmt.Errorf("generator produces %d digits, configuration requires %d", generator.Digits(), cfg.Rolling.Digits)
	}
	s := &Server{
		config:    cfg,
		stack:     stack,
		registry:  gatt.NewRegistry(),
		gate:      NewGate(cfg.Security, cfg.Passkey),
		sessions:  newSessions(cfg.WriteRate),
		generator: generator,
		queue:     newQueue(),
		escalator: escalate.Log{},
		retries:   make(map[delivery]int),
		now:       time.Now,
		ctx:       context.Background(),
		done:      make(chan struct{}),
	}
	s.liveness = newLiveness(s.now(), cfg.Liveness.Threshold)
	s.lookup = s.registry.Lookup

	if err := s.buildService(); err != nil {
		return nil, err
	}
	s.handlers = map[gatt.Role]RoleHandler{
		gatt.RoleAuthorization: authorizationHandler{server: s},
		gatt.RoleRollingCode:   rollingCodeHandler{},
		gatt.RoleLiveness:      livenessHandler{},
	}

	advert := Advert{
		Name:         cfg.DeviceName,
		Services:     []gatt.UUID{cfg.Identifiers.Service},
		ScanResponse: cfg.Advertising.ScanResponse,
		Connectable:  true,
	}
	s.advertiser = newAdvertiser(stack, advert, cfg.Advertising.Retry, s.queue.post)
	s.advertiser.failed = func(err error) {
		s.report(Report{Kind: ReportAdvertiseFailed, Err: err})
	}
	s.advertiser.exhausted = s.escalateAdvertising
	return s, nil
}

func (s *Server) buildService() error {
	ids := s.config.Identifiers
	gated := s.gate.properties(gatt.PropRead | gatt.PropWrite | gatt.PropReadEncrypted | gatt.PropWriteEncrypted)

	svc := gatt.NewService(ids.Service)
	var err error
	if s.auth, err = svc.AddCharacteristic(ids.Authorization, gatt.RoleAuthorization, gated); err != nil {
		return err
	}
	s.auth.SetValue([]byte(initialAuthorization))
	if s.code, err = svc.AddCharacteristic(ids.RollingCode, gatt.RoleRollingCode, gatt.PropNotify); err != nil {
		return err
	}
	if s.live, err = svc.AddCharacteristic(ids.Liveness, gatt.RoleLiveness, gated); err != nil {
		return err
	}
	if err = svc.Start(); err != nil {
		return err
	}
	if err = s.registry.Register(svc); err != nil {
		return err
	}
	s.service = svc
	return nil
}

// SetReporter installs r to receive failure reports. Call before Run.
func (s *Server) SetReporter(r Reporter) {
	s.reporter = r
}

// SetEscalator replaces the default log-only escalator. Call before Run.
func (s *Server) SetEscalator(e escalate.Escalator) {
	s.escalator = e
}

// RestoreLiveness continues the Liveness counter from a persisted value. Call before Run.
func (s *Server) RestoreLiveness(value uint64) {
	s.liveness.Restore(value)
}

// Registry exposes the characteristic registry. Values must only be changed through the server.
func (s *Server) Registry() *gatt.Registry {
	return s.registry
}

// Run initializes the stack, publishes the service and processes events until ctx is done. The
// stack is closed on return.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)
	s.ctx = ctx

	for _, warning := range s.config.Warnings() {
		log.Warning("Security: %s", warning)
	}
	id := Identity{Name: s.config.DeviceName, TxPower: s.config.TxPower, Security: s.config.Security}
	if err := s.stack.Init(id, s); err != nil {
		return fmt.Errorf("initialize stack: %w", err)
	}
	defer func() {
		if err := s.stack.Close(); err != nil {
			log.Warning("Error closing stack: %s", err)
		}
	}()
	if err := s.stack.AddService(s.service); err != nil {
		return fmt.Errorf("add service %s: %w", s.service.UUID, err)
	}
	log.Info("Starting %s with service %s", s.config.DeviceName, s.service.UUID)

	s.advertiser.Start()
	defer s.advertiser.stop()

	start := time.NewTimer(s.config.Liveness.StartDelay)
	defer start.Stop()
	var tick <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping server")
			return nil
		case <-s.queue.wake:
			s.queue.drain()
		case <-start.C:
			ticker := time.NewTicker(s.config.Liveness.PollInterval)
			defer ticker.Stop()
			tick = ticker.C
			s.poll()
		case <-tick:
			s.poll()
		}
	}
}

// call runs task on the loop and waits for it to finish.
func (s *Server) call(task func()) error {
	finished := make(chan struct{})
	s.queue.post(func() {
		task()
		close(finished)
	})
	timer := time.NewTimer(s.config.CallbackTimeout)
	defer timer.Stop()
	select {
	case <-finished:
		return nil
	case <-s.done:
		return protocol.ErrServerClosed
	case <-timer.C:
		return protocol.ErrBusy
	}
}

// Flush waits until every task posted before it has run.
func (s *Server) Flush() error {
	return s.call(func() {})
}

// poll is the periodic housekeeping pass: pairing deadlines, Liveness refresh and code expiry.
func (s *Server) poll() {
	now := s.now()
	for _, session := range s.sessions.all() {
		if !session.closing && s.gate.Expired(session, now) {
			log.Warning("%s Pairing not completed within %s - disconnecting client", session, s.config.Security.PairingTimeout)
			s.report(Report{Kind: ReportPairingFailed, Session: session.ID.String(), Handle: session.Handle, Err: protocol.ErrPairingTimeout})
			s.disconnect(session)
		}
	}
	if s.liveness.Due(now) {
		v := s.liveness.Next(now)
		s.setValue(s.live, encodeLiveness(v))
		log.Debug("Liveness %s = %d", s.live.UUID, v)
		log.Debug("Authorization %s = %x", s.auth.UUID, s.auth.Value())
	}
	if code, ok := s.generator.Last(); ok && !s.codeExpired && code.Expired(now, s.config.Rolling.Validity) {
		s.retireCode(code)
	}
}

// retireCode clears the RollingCode value once code is past its validity, so neither the stack
// nor a pending notification retry hands it out again.
func (s *Server) retireCode(code rolling.Code) {
	s.codeExpired = true
	s.setValue(s.code, nil)
	for key := range s.retries {
		if key.chr == s.code.UUID {
			delete(s.retries, key)
		}
	}
	log.Debug("Rolling code %d expired", code.Counter)
}

func (s *Server) setValue(c *gatt.Characteristic, value []byte) {
	c.SetValue(value)
	if err := s.stack.SetValue(c.UUID, value); err != nil {
		log.Warning("Error updating %s in stack: %s", c.UUID, err)
	}
}

func (s *Server) handler(role gatt.Role) RoleHandler {
	if h, ok := s.handlers[role]; ok {
		return h
	}
	return baseHandler{}
}

func (s *Server) report(r Report) {
	if r.Time.IsZero() {
		r.Time = s.now()
	}
	if s.reporter != nil {
		s.reporter.Report(r)
	}
}

func (s *Server) escalateAdvertising(err error, attempts int) {
	log.Error("Advertising failed %d times: %s", attempts, err)
	incident := escalate.Incident{
		Kind:     "advertising",
		Device:   s.config.DeviceName,
		Message:  err.Error(),
		Attempts: attempts,
		Time:     s.now(),
	}
	ctx := s.ctx
	go func() {
		if err := s.escalator.Escalate(ctx, incident); err != nil {
			log.Error("Escalation failed: %s", err)
		}
	}()
}

// Snapshot is a point-in-time view of the server used for status output and checkpoints.
type Snapshot struct {
	Rolling     rolling.State
	LastCode    rolling.Code
	CodeIssued  bool
	CodeFresh   bool
	Liveness    uint64
	Advertising bool
	Sessions    []SessionInfo
}

// Snapshot returns the current state. It waits for the server loop.
func (s *Server) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() {
		snap.Rolling = s.generator.State()
		snap.LastCode, snap.CodeIssued = s.generator.Last()
		snap.CodeFresh = snap.CodeIssued && !s.codeExpired && !snap.LastCode.Expired(s.now(), s.config.Rolling.Validity)
		snap.Liveness = s.liveness.Value()
		snap.Advertising = s.advertiser.Active()
		for _, session := range s.sessions.all() {
			snap.Sessions = append(snap.Sessions, session.info())
		}
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
