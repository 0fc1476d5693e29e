package peripheral_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/vehicle-opener/internal/retry"
	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/pkg/escalate"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
	"github.com/teslamotors/vehicle-opener/pkg/protocol"
	"github.com/teslamotors/vehicle-opener/pkg/stack/sim"
)

const passkey = 123456

var (
	secret        = []byte("fedcba9876543210fedcba9876543210")
	serviceID     = gatt.UUID16(0xAAAA)
	authorization = gatt.UUID16(0xBBBB)
	rollingCode   = gatt.UUID16(0xCCCC)
	liveness      = gatt.UUID16(0xDDDD)
)

type clock struct {
	lock sync.Mutex
	t    time.Time
}

func (c *clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.t = c.t.Add(d)
}

type reportLog struct {
	lock    sync.Mutex
	reports []peripheral.Report
}

func (r *reportLog) Report(report peripheral.Report) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.reports = append(r.reports, report)
}

func (r *reportLog) Kinds() []peripheral.ReportKind {
	r.lock.Lock()
	defer r.lock.Unlock()
	var kinds []peripheral.ReportKind
	for _, report := range r.reports {
		kinds = append(kinds, report.Kind)
	}
	return kinds
}

func (r *reportLog) Find(kind peripheral.ReportKind) (peripheral.Report, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, report := range r.reports {
		if report.Kind == kind {
			return report, true
		}
	}
	return peripheral.Report{}, false
}

type incidents chan escalate.Incident

func (i incidents) Escalate(_ context.Context, incident escalate.Incident) error {
	i <- incident
	return nil
}

// broadcastStack only supports pushing to all subscribers at once.
type broadcastStack struct {
	*sim.Stack
	lock      sync.Mutex
	broadcast [][]byte
}

func (b *broadcastStack) Broadcast(chr gatt.UUID, value []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.broadcast = append(b.broadcast, bytes.Clone(value))
	return nil
}

func (b *broadcastStack) Broadcasts() [][]byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([][]byte(nil), b.broadcast...)
}

func challenge(v uint32) []byte {
	return peripheral.EncodeChallenge(v)
}

func challenge64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func testConfig() peripheral.Config {
	cfg := peripheral.DefaultConfig()
	cfg.Passkey = passkey
	cfg.Liveness.StartDelay = time.Hour
	cfg.Liveness.PollInterval = time.Hour
	cfg.Notify.RetryDelay = time.Millisecond
	cfg.Advertising.Retry = retry.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 2}
	return cfg
}

var _ = Describe("Server", func() {
	var (
		cfg       peripheral.Config
		stack     peripheral.Stack
		simStack  *sim.Stack
		server    *peripheral.Server
		generator *rolling.Generator
		reports   *reportLog
		escalated incidents
		now       *clock
		cancel    context.CancelFunc
		runErr    chan error
		restore   uint64
	)

	BeforeEach(func() {
		cfg = testConfig()
		simStack = sim.New()
		stack = simStack
		reports = &reportLog{}
		escalated = make(incidents, 4)
		now = &clock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
		restore = 0
	})

	JustBeforeEach(func() {
		var err error
		generator, err = rolling.NewGenerator(secret, cfg.Rolling.Digits)
		Expect(err).NotTo(HaveOccurred())
		server, err = peripheral.NewServer(cfg, stack, generator)
		Expect(err).NotTo(HaveOccurred())
		server.SetClock(now.Now)
		server.SetReporter(reports)
		server.SetEscalator(escalated)
		if restore > 0 {
			server.RestoreLiveness(restore)
		}

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		runErr = make(chan error, 1)
		go func() { runErr <- server.Run(ctx) }()
		Eventually(simStack.Advertising).Should(BeTrue())
		DeferCleanup(func() {
			cancel()
			Eventually(runErr).Should(Receive(BeNil()))
		})
	})

	connect := func(address string) *sim.Peer {
		peer, err := simStack.Connect(address)
		Expect(err).NotTo(HaveOccurred())
		Expect(server.Flush()).To(Succeed())
		return peer
	}

	pair := func(peer *sim.Peer) {
		ok, err := peer.Pair(passkey)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(server.Flush()).To(Succeed())
	}

	subscribe := func(peer *sim.Peer, chr gatt.UUID, value gatt.Subscription) {
		Expect(peer.Subscribe(chr, uint16(value))).To(Succeed())
		Expect(server.Flush()).To(Succeed())
	}

	session := func(handle uint16) peripheral.SessionInfo {
		snap, err := server.Snapshot()
		Expect(err).NotTo(HaveOccurred())
		for _, s := range snap.Sessions {
			if s.Handle == handle {
				return s
			}
		}
		Fail("no session for handle")
		return peripheral.SessionInfo{}
	}

	Describe("startup", func() {
		It("publishes the opener service and advertises it", func() {
			advert := simStack.Advert()
			Expect(advert.Name).To(Equal(peripheral.DefaultDeviceName))
			Expect(advert.Services).To(Equal([]gatt.UUID{serviceID}))
			Expect(advert.ScanResponse).To(BeTrue())

			id := simStack.Identity()
			Expect(id.TxPower).To(Equal(9))
			Expect(id.Security.Bonding).To(BeTrue())
			Expect(id.Security.MITM).To(BeTrue())
			Expect(id.Security.SecureConnectionsOnly).To(BeTrue())

			services := simStack.Services()
			Expect(services).To(HaveLen(1))
			Expect(services[0].Characteristics()).To(HaveLen(3))

			auth, err := server.Registry().Lookup(serviceID, authorization)
			Expect(err).NotTo(HaveOccurred())
			Expect(auth.Properties.Has(gatt.PropReadEncrypted | gatt.PropWriteEncrypted)).To(BeTrue())
			code, err := server.Registry().Lookup(serviceID, rollingCode)
			Expect(err).NotTo(HaveOccurred())
			Expect(code.Properties).To(Equal(gatt.PropNotify))
		})

		It("refuses to run twice", func() {
			Expect(server.Run(context.Background())).To(MatchError(peripheral.ErrAlreadyRunning))
		})
	})

	Describe("connections", func() {
		It("records the session and requests connection parameters", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			params, ok := simStack.ConnParams(peer.Handle)
			Expect(ok).To(BeTrue())
			Expect(params).To(Equal(peripheral.ConnParams{IntervalMin: 24, IntervalMax: 48, Latency: 0, Timeout: 60}))

			info := session(peer.Handle)
			Expect(info.Address).To(Equal("aa:bb:cc:dd:ee:01"))
			Expect(info.Encrypted).To(BeFalse())
			Expect(info.State).To(Equal(peripheral.StateIdle))
			Expect(info.ID).NotTo(BeEmpty())
		})

		It("records the negotiated MTU", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			Expect(peer.SetMTU(185)).To(Succeed())
			Expect(server.Flush()).To(Succeed())
			Expect(session(peer.Handle).MTU).To(Equal(uint16(185)))
		})

		It("keeps advertising for additional peers", func() {
			connect("aa:bb:cc:dd:ee:01")
			Expect(simStack.Advertising()).To(BeTrue())
			Expect(simStack.AdvertiseCount()).To(Equal(2))
		})

		It("ignores duplicate disconnects", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			Expect(peer.Disconnect()).To(Succeed())
			Expect(server.Flush()).To(Succeed())
			count := simStack.AdvertiseCount()

			server.HandleDisconnect(peer.Handle, nil)
			server.HandleDisconnect(peer.Handle, nil)
			Expect(server.Flush()).To(Succeed())
			Expect(simStack.Advertising()).To(BeTrue())
			Expect(simStack.AdvertiseCount()).To(Equal(count))

			snap, err := server.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Sessions).To(BeEmpty())
		})

		Context("without multi-link", func() {
			BeforeEach(func() {
				cfg.Advertising.MultiLink = false
			})

			It("stops advertising while connected and restarts on disconnect", func() {
				peer := connect("aa:bb:cc:dd:ee:01")
				Expect(simStack.Advertising()).To(BeFalse())

				Expect(peer.Disconnect()).To(Succeed())
				Eventually(simStack.Advertising).Should(BeTrue())
				Expect(simStack.AdvertiseCount()).To(Equal(2))

				server.HandleDisconnect(peer.Handle, nil)
				Expect(server.Flush()).To(Succeed())
				Expect(simStack.AdvertiseCount()).To(Equal(2))
			})

			It("retries advertising with backoff", func() {
				peer := connect("aa:bb:cc:dd:ee:01")
				simStack.FailAdvertising(2)
				Expect(peer.Disconnect()).To(Succeed())
				Eventually(simStack.Advertising).Should(BeTrue())
				Eventually(reports.Kinds).Should(HaveLen(2))
				Expect(reports.Kinds()).To(HaveEach(peripheral.ReportAdvertiseFailed))
				Consistently(escalated).ShouldNot(Receive())
			})

			It("escalates when retries are exhausted", func() {
				peer := connect("aa:bb:cc:dd:ee:01")
				simStack.FailAdvertising(10)
				Expect(peer.Disconnect()).To(Succeed())

				var incident escalate.Incident
				Eventually(escalated).Should(Receive(&incident))
				Expect(incident.Kind).To(Equal("advertising"))
				Expect(incident.Attempts).To(Equal(3))
				Expect(simStack.Advertising()).To(BeFalse())

				// The next disconnect tries again.
				simStack.FailAdvertising(0)
				server.HandleDisconnect(peer.Handle, nil)
				Eventually(simStack.Advertising).Should(BeTrue())
			})
		})
	})

	Describe("security gate", func() {
		It("refuses encrypted characteristics until the link is encrypted", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			Expect(session(peer.Handle).State).To(Equal(peripheral.StateIdle))
			for _, chr := range []gatt.UUID{authorization, liveness} {
				value, err := peer.Read(chr)
				Expect(value).To(BeNil())
				Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusInsufficientEncryption))
			}
			err := peer.Write(authorization, challenge(7))
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusInsufficientEncryption))

			pair(peer)
			Expect(session(peer.Handle).Encrypted).To(BeTrue())
			Expect(session(peer.Handle).State).To(Equal(peripheral.StateAwaitingWrite))
			_, err = peer.Read(liveness)
			Expect(err).NotTo(HaveOccurred())
			value, err := peer.Read(authorization)
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal([]byte("hello")))
		})

		It("answers passkey requests with the configured passkey", func() {
			Expect(server.PasskeyRequest(0)).To(Equal(uint32(passkey)))
		})

		It("disconnects a client whose link did not encrypt", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			_, err := peer.Read(liveness)
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusInsufficientEncryption))

			Expect(peer.PairUnencrypted()).To(Succeed())
			Expect(server.Flush()).To(Succeed())
			Expect(peer.Connected()).To(BeFalse())
			_, err = peer.Read(liveness)
			Expect(err).To(HaveOccurred())

			report, ok := reports.Find(peripheral.ReportPairingFailed)
			Expect(ok).To(BeTrue())
			Expect(protocol.ResetsSession(report.Err)).To(BeTrue())
			Eventually(func() []peripheral.SessionInfo {
				snap, _ := server.Snapshot()
				return snap.Sessions
			}).Should(BeEmpty())
		})

		It("disconnects a client that enters the wrong passkey", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			ok, err := peer.Pair(654321)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(server.Flush()).To(Succeed())
			Expect(peer.Connected()).To(BeFalse())
			Expect(reports.Kinds()).To(ContainElement(peripheral.ReportPairingFailed))
		})

		It("disconnects clients that do not pair before the deadline", func() {
			slow := connect("aa:bb:cc:dd:ee:01")
			now.Advance(20 * time.Second)
			paired := connect("aa:bb:cc:dd:ee:02")
			pair(paired)

			now.Advance(11 * time.Second)
			Expect(server.Poll()).To(Succeed())
			Expect(slow.Connected()).To(BeFalse())
			Expect(paired.Connected()).To(BeTrue())

			report, ok := reports.Find(peripheral.ReportPairingFailed)
			Expect(ok).To(BeTrue())
			Expect(errors.Is(report.Err, protocol.ErrPairingTimeout)).To(BeTrue())
		})

		Context("when encryption is not required", func() {
			BeforeEach(func() {
				cfg.Security.RequireEncryption = false
			})

			It("registers characteristics without encryption and keeps unencrypted links", func() {
				auth, err := server.Registry().Lookup(serviceID, authorization)
				Expect(err).NotTo(HaveOccurred())
				Expect(auth.Properties.Has(gatt.PropReadEncrypted)).To(BeFalse())

				peer := connect("aa:bb:cc:dd:ee:01")
				Expect(session(peer.Handle).State).To(Equal(peripheral.StateAwaitingWrite))
				Expect(peer.PairUnencrypted()).To(Succeed())
				Expect(server.Flush()).To(Succeed())
				Expect(peer.Connected()).To(BeTrue())
				Expect(peer.Write(authorization, challenge(7))).To(Succeed())

				now.Advance(time.Minute)
				Expect(server.Poll()).To(Succeed())
				Expect(peer.Connected()).To(BeTrue())
			})
		})
	})

	Describe("authorization exchange", func() {
		var peer *sim.Peer

		JustBeforeEach(func() {
			peer = connect("aa:bb:cc:dd:ee:01")
			pair(peer)
			subscribe(peer, rollingCode, gatt.SubscribedNotify)
		})

		It("notifies a fresh rolling code for every accepted write", func() {
			var previous []byte
			for i, c := range []uint32{7, 8, 100} {
				Expect(peer.Write(authorization, challenge(c))).To(Succeed())
				notes := peer.Notifications()
				Expect(notes).To(HaveLen(i + 1))
				note := notes[i]
				Expect(note.Characteristic).To(Equal(rollingCode))
				Expect(note.Indicate).To(BeFalse())
				Expect(bytes.Compare(note.Value, previous)).To(Equal(1))

				code, err := rolling.Verify(secret, cfg.Rolling.Digits, c, note.Value)
				Expect(err).NotTo(HaveOccurred())
				Expect(code.Counter).To(Equal(uint64(i + 1)))
				Expect(simStack.Value(rollingCode)).To(Equal(note.Value))
				previous = note.Value
			}
			Expect(simStack.Value(authorization)).To(Equal(challenge(100)))
			Expect(session(peer.Handle).State).To(Equal(peripheral.StateIdle))
		})

		It("accepts 8-byte challenges that fit in 32 bits", func() {
			Expect(peer.Write(authorization, challenge64(42))).To(Succeed())
			notes := peer.Notifications()
			Expect(notes).To(HaveLen(1))
			_, err := rolling.Verify(secret, cfg.Rolling.Digits, 42, notes[0].Value)
			Expect(err).NotTo(HaveOccurred())
		})

		DescribeTable("rejects malformed writes without notifying",
			func(value []byte, status gatt.Status) {
				err := peer.Write(authorization, value)
				Expect(gatt.StatusOf(err)).To(Equal(status))
				Expect(peer.Notifications()).To(BeEmpty())
				Expect(reports.Kinds()).To(ContainElement(peripheral.ReportWriteRejected))
			},
			Entry("empty", []byte{}, gatt.StatusInvalidValueLength),
			Entry("3 bytes", []byte{1, 2, 3}, gatt.StatusInvalidValueLength),
			Entry("zero", challenge(0), gatt.StatusOutOfRange),
			Entry("too large", challenge64(1<<32), gatt.StatusOutOfRange),
		)

		It("rejects replayed challenges", func() {
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			err := peer.Write(authorization, challenge(7))
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusChallengeRejected))
			Expect(peer.Notifications()).To(HaveLen(1))
			Expect(session(peer.Handle).State).To(Equal(peripheral.StateAwaitingWrite))
		})

		It("rejects replays across sessions", func() {
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			other := connect("aa:bb:cc:dd:ee:02")
			pair(other)
			err := other.Write(authorization, challenge(7))
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusChallengeRejected))
		})

		It("rate limits authorization writes", func() {
			for c := uint32(1); c <= uint32(cfg.WriteRate.Burst); c++ {
				Expect(peer.Write(authorization, challenge(c))).To(Succeed())
			}
			err := peer.Write(authorization, challenge(99))
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusRateLimited))
			Expect(protocol.ShouldRetry(err)).To(BeTrue())

			now.Advance(time.Second)
			Expect(peer.Write(authorization, challenge(99))).To(Succeed())
		})

		It("broadcasts the same value to every subscriber", func() {
			second := connect("aa:bb:cc:dd:ee:02")
			pair(second)
			subscribe(second, rollingCode, gatt.SubscribedBoth)
			bystander := connect("aa:bb:cc:dd:ee:03")
			pair(bystander)

			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			Expect(peer.Notifications()).To(HaveLen(1))
			Expect(second.Notifications()).To(HaveLen(1))
			Expect(second.Notifications()[0].Value).To(Equal(peer.Notifications()[0].Value))
			Expect(bystander.Notifications()).To(BeEmpty())
		})

		It("stops notifying after unsubscribe", func() {
			subscribe(peer, rollingCode, gatt.Unsubscribed)
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			Expect(peer.Notifications()).To(BeEmpty())
			Expect(simStack.Value(rollingCode)).To(HaveLen(rolling.PayloadLength))
		})

		It("completes the write without notifying when the characteristic is missing", func() {
			server.SetLookup(func(svc, chr gatt.UUID) (*gatt.Characteristic, error) {
				return nil, gatt.ErrNotFound
			})
			err := peer.Write(authorization, challenge(7))
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusUnlikely))
			Expect(errors.Is(err, protocol.ErrLookupFailed)).To(BeTrue())
			Expect(protocol.ResetsSession(err)).To(BeFalse())
			Expect(peer.Notifications()).To(BeEmpty())

			report, ok := reports.Find(peripheral.ReportLookupFailed)
			Expect(ok).To(BeTrue())
			Expect(report.Characteristic).To(Equal(rollingCode))
			Expect(errors.Is(report.Err, gatt.ErrNotFound)).To(BeTrue())

			Expect(peer.Connected()).To(BeTrue())
			Expect(session(peer.Handle).State).To(Equal(peripheral.StateIdle))
			server.SetLookup(server.DefaultLookup())
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			Expect(peer.Notifications()).To(HaveLen(1))
		})

		It("retires the rolling code once it expires", func() {
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			snap, err := server.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.CodeFresh).To(BeTrue())

			now.Advance(cfg.Rolling.Validity + time.Second)
			Expect(server.Poll()).To(Succeed())
			Expect(simStack.Value(rollingCode)).To(BeEmpty())
			snap, err = server.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.CodeIssued).To(BeTrue())
			Expect(snap.CodeFresh).To(BeFalse())

			Expect(peer.Write(authorization, challenge(8))).To(Succeed())
			Expect(simStack.Value(rollingCode)).To(HaveLen(rolling.PayloadLength))
			snap, err = server.Snapshot()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.CodeFresh).To(BeTrue())
			Expect(snap.LastCode.Counter).To(Equal(uint64(2)))
		})

		It("retries failed notifications", func() {
			simStack.FailNotify(1)
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			Eventually(peer.Notifications).Should(HaveLen(1))
			Expect(reports.Kinds()).NotTo(ContainElement(peripheral.ReportNotifyFailed))
		})

		It("reports notifications that keep failing", func() {
			simStack.FailNotify(cfg.Notify.MaxRetries + 1)
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			Eventually(reports.Kinds).Should(ContainElement(peripheral.ReportNotifyFailed))
			report, _ := reports.Find(peripheral.ReportNotifyFailed)
			Expect(protocol.Temporary(report.Err)).To(BeTrue())
			Expect(peer.Notifications()).To(BeEmpty())
			Expect(peer.Connected()).To(BeTrue())
		})
	})

	Describe("subscriptions", func() {
		var peer *sim.Peer

		JustBeforeEach(func() {
			peer = connect("aa:bb:cc:dd:ee:01")
			pair(peer)
		})

		It("rejects out-of-range values", func() {
			subscribe(peer, rollingCode, gatt.Subscription(4))
			Expect(session(peer.Handle).Subscriptions).To(BeEmpty())
			report, ok := reports.Find(peripheral.ReportSubscriptionRejected)
			Expect(ok).To(BeTrue())
			Expect(errors.Is(report.Err, gatt.ErrInvalidSubscription)).To(BeTrue())
		})

		It("requires unsubscribing before changing the subscription kind", func() {
			subscribe(peer, rollingCode, gatt.SubscribedNotify)
			subscribe(peer, rollingCode, gatt.SubscribedIndicate)
			Expect(session(peer.Handle).Subscriptions).To(HaveKeyWithValue(rollingCode, gatt.SubscribedNotify))
			Expect(reports.Kinds()).To(ContainElement(peripheral.ReportSubscriptionRejected))

			subscribe(peer, rollingCode, gatt.SubscribedNotify)
			subscribe(peer, rollingCode, gatt.Unsubscribed)
			subscribe(peer, rollingCode, gatt.SubscribedIndicate)
			Expect(session(peer.Handle).Subscriptions).To(HaveKeyWithValue(rollingCode, gatt.SubscribedIndicate))
		})

		It("rejects subscriptions to characteristics that cannot notify", func() {
			subscribe(peer, liveness, gatt.SubscribedNotify)
			Expect(session(peer.Handle).Subscriptions).To(BeEmpty())
		})

		It("does not push to indicate-only subscribers of a notify-only characteristic", func() {
			subscribe(peer, rollingCode, gatt.SubscribedIndicate)
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			Expect(peer.Notifications()).To(BeEmpty())
		})
	})

	Describe("characteristic access", func() {
		var peer *sim.Peer

		JustBeforeEach(func() {
			peer = connect("aa:bb:cc:dd:ee:01")
			pair(peer)
		})

		It("refuses writes to Liveness", func() {
			err := peer.Write(liveness, challenge64(1))
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusWriteNotPermitted))
		})

		It("refuses reads and writes of RollingCode", func() {
			_, err := peer.Read(rollingCode)
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusReadNotPermitted))
			err = peer.Write(rollingCode, challenge(1))
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusWriteNotPermitted))
		})

		It("reports unknown characteristics", func() {
			_, err := peer.Read(gatt.UUID16(0x1234))
			Expect(gatt.StatusOf(err)).To(Equal(gatt.StatusAttributeNotFound))
		})

		It("serves the last written Authorization value", func() {
			Expect(peer.Write(authorization, challenge(7))).To(Succeed())
			value, err := peer.Read(authorization)
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal(challenge(7)))
		})
	})

	Describe("liveness", func() {
		readLiveness := func(peer *sim.Peer) uint64 {
			value, err := peer.Read(liveness)
			Expect(err).NotTo(HaveOccurred())
			v, ok := peripheral.DecodeLiveness(value)
			Expect(ok).To(BeTrue())
			return v
		}

		It("increases across refreshes and reconnects", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			pair(peer)
			Expect(server.Poll()).To(Succeed())
			first := readLiveness(peer)

			now.Advance(1500 * time.Millisecond)
			Expect(server.Poll()).To(Succeed())
			second := readLiveness(peer)
			Expect(second).To(Equal(first + 1500))

			Expect(peer.Disconnect()).To(Succeed())
			Expect(server.Flush()).To(Succeed())
			now.Advance(time.Second)
			Expect(server.Poll()).To(Succeed())

			peer = connect("aa:bb:cc:dd:ee:01")
			pair(peer)
			third := readLiveness(peer)
			Expect(third).To(BeNumerically(">", second))

			now.Advance(time.Second)
			Expect(server.Poll()).To(Succeed())
			Expect(readLiveness(peer)).To(BeNumerically(">", third))
		})

		It("waits for the threshold between refreshes", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			pair(peer)
			Expect(server.Poll()).To(Succeed())
			first := readLiveness(peer)
			now.Advance(100 * time.Millisecond)
			Expect(server.Poll()).To(Succeed())
			Expect(readLiveness(peer)).To(Equal(first))
		})

		Context("with a restored value", func() {
			BeforeEach(func() {
				restore = 5_000_000
			})

			It("continues from the restored value", func() {
				Expect(server.Poll()).To(Succeed())
				snap, err := server.Snapshot()
				Expect(err).NotTo(HaveOccurred())
				Expect(snap.Liveness).To(BeNumerically(">=", restore))
				v, ok := peripheral.DecodeLiveness(simStack.Value(liveness))
				Expect(ok).To(BeTrue())
				Expect(v).To(Equal(snap.Liveness))
			})
		})
	})

	Describe("broadcast stacks", func() {
		var broadcaster *broadcastStack

		BeforeEach(func() {
			broadcaster = &broadcastStack{Stack: simStack}
			stack = broadcaster
		})

		It("pushes once for all subscribers", func() {
			first := connect("aa:bb:cc:dd:ee:01")
			pair(first)
			subscribe(first, rollingCode, gatt.SubscribedNotify)
			second := connect("aa:bb:cc:dd:ee:02")
			pair(second)
			subscribe(second, rollingCode, gatt.SubscribedNotify)

			Expect(first.Write(authorization, challenge(7))).To(Succeed())
			Expect(broadcaster.Broadcasts()).To(HaveLen(1))
			Expect(first.Notifications()).To(BeEmpty())
		})
	})

	Describe("shutdown", func() {
		It("refuses callbacks after Run returns", func() {
			peer := connect("aa:bb:cc:dd:ee:01")
			cancel()
			Eventually(runErr).Should(Receive(BeNil()))
			runErr <- nil // for the cleanup

			_, err := server.HandleRead(peer.Handle, liveness)
			Expect(err).To(MatchError(protocol.ErrServerClosed))
		})
	})
})
