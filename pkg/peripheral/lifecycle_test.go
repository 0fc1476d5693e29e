package peripheral_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/mocks"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

var _ = Describe("Server lifecycle", func() {
	var (
		ctrl   *gomock.Controller
		stack  *mocks.Stack
		server *peripheral.Server
		cfg    peripheral.Config
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		stack = mocks.NewStack(ctrl)
		cfg = testConfig()
		generator, err := rolling.NewGenerator(secret, cfg.Rolling.Digits)
		Expect(err).NotTo(HaveOccurred())
		server, err = peripheral.NewServer(cfg, stack, generator)
		Expect(err).NotTo(HaveOccurred())
	})

	It("returns stack initialization errors without closing the stack", func() {
		errRadio := errors.New("no adapter")
		stack.EXPECT().Init(gomock.Any(), server).Return(errRadio)
		Expect(server.Run(context.Background())).To(MatchError(errRadio))
	})

	It("closes the stack when the service cannot be added", func() {
		errTable := errors.New("attribute table full")
		gomock.InOrder(
			stack.EXPECT().Init(gomock.Any(), server).Return(nil),
			stack.EXPECT().AddService(gomock.Any()).Return(errTable),
			stack.EXPECT().Close().Return(nil),
		)
		Expect(server.Run(context.Background())).To(MatchError(errTable))
	})

	It("brings up the stack, serves connections and closes on cancel", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		advertised := make(chan peripheral.Advert, 4)
		gomock.InOrder(
			stack.EXPECT().Init(gomock.Any(), server).DoAndReturn(func(id peripheral.Identity, _ peripheral.EventHandler) error {
				Expect(id.Name).To(Equal(peripheral.DefaultDeviceName))
				Expect(id.Security.RequireEncryption).To(BeTrue())
				return nil
			}),
			stack.EXPECT().AddService(gomock.Any()).DoAndReturn(func(svc *gatt.Service) error {
				Expect(svc.UUID).To(Equal(serviceID))
				Expect(svc.Started()).To(BeTrue())
				return nil
			}),
			stack.EXPECT().StartAdvertising(gomock.Any()).DoAndReturn(func(adv peripheral.Advert) error {
				advertised <- adv
				return nil
			}),
		)

		done := make(chan error, 1)
		go func() { done <- server.Run(ctx) }()
		Eventually(advertised).Should(Receive())

		stack.EXPECT().StartAdvertising(gomock.Any()).Return(nil)
		stack.EXPECT().UpdateConnParams(uint16(7), cfg.ConnParams).Return(nil)
		server.HandleConnect(peripheral.ConnInfo{Handle: 7, Address: "aa:bb:cc:dd:ee:07", MTU: 23, Encrypted: true})
		Expect(server.Flush()).To(Succeed())

		stack.EXPECT().SetValue(authorization, peripheral.EncodeChallenge(11)).Return(nil)
		stack.EXPECT().SetValue(rollingCode, gomock.Len(rolling.PayloadLength)).Return(nil)
		Expect(server.HandleWrite(7, authorization, peripheral.EncodeChallenge(11))).To(Succeed())

		stack.EXPECT().Close().Return(nil)
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("keeps running when the stack cannot update connection parameters", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stack.EXPECT().Init(gomock.Any(), server).Return(nil)
		stack.EXPECT().AddService(gomock.Any()).Return(nil)
		stack.EXPECT().StartAdvertising(gomock.Any()).Return(nil).Times(2)
		stack.EXPECT().UpdateConnParams(uint16(1), gomock.Any()).Return(errors.New("not supported"))
		stack.EXPECT().Close().Return(nil)

		done := make(chan error, 1)
		go func() { done <- server.Run(ctx) }()
		server.HandleConnect(peripheral.ConnInfo{Handle: 1, Address: "aa:bb:cc:dd:ee:01"})
		Expect(server.Flush()).To(Succeed())

		snap, err := server.Snapshot()
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Sessions).To(HaveLen(1))
		Expect(snap.Advertising).To(BeTrue())

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
