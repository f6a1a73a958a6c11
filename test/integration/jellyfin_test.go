//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/daemon"
	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
	"github.com/eliteGoblin/focusd/stayawake/internal/infra"
	"github.com/eliteGoblin/focusd/stayawake/internal/source"
	"github.com/eliteGoblin/focusd/stayawake/test/fixtures"
)

var _ = Describe("Daemon following Jellyfin sessions", func() {
	var (
		h       *harness
		server  *fixtures.FakeJellyfin
		status  *infra.StatusFile
		cancel  context.CancelFunc
		done    chan error
		tempDir string
	)

	BeforeEach(func() {
		h = newHarness(time.Minute)
		server = fixtures.NewFakeJellyfin("api-key")

		var err error
		tempDir, err = os.MkdirTemp("", "stayawake-integration-*")
		Expect(err).NotTo(HaveOccurred())
		status = infra.NewStatusFile(filepath.Join(tempDir, "status.json"))

		jf, err := source.NewJellyfinSessions(config.JellyfinConfig{
			Enabled: true,
			URL:     server.URL(),
			APIKey:  "api-key",
		}, h.clock, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		// The harness already started the controller; the runner gets its own.
		h.ctrl.Shutdown()
		h.ctrl = newController(h)

		runner := daemon.NewRunner(
			daemon.RunnerConfig{Inhibitor: h.inhibitor.Name(), AppVersion: "it"},
			h.ctrl, h.bus, []domain.EventSource{jf}, status,
			infra.NewProcessManager(), nil, nil, h.clock, zap.NewNop())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- runner.Run(ctx) }()

		Expect(server.WaitConnected(5 * time.Second)).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		server.Close()
		h.Close()
		os.RemoveAll(tempDir)
	})

	It("blocks while a session plays and unblocks after it ends", func() {
		Expect(server.SendSessions(fixtures.Session{
			DeviceID: "tv", UserID: "u", ItemID: "movie", CheckIn: h.clock.Now(),
		})).To(Succeed())
		Eventually(h.blocked, 5*time.Second, 10*time.Millisecond).Should(BeTrue())

		Eventually(func() bool {
			entry, err := status.Read()
			return err == nil && entry != nil && entry.PID == os.Getpid()
		}, 5*time.Second, 10*time.Millisecond).Should(BeTrue())

		Expect(server.SendSessions(fixtures.Session{DeviceID: "tv", UserID: "u"})).To(Succeed())
		Eventually(func() int { return h.ctrl.State().StoppedDevices }, 5*time.Second, 10*time.Millisecond).Should(Equal(1))

		h.elapse(time.Minute)
		Expect(h.blocked()).To(BeFalse())
	})

	It("does not clear a stop with theme media", func() {
		Expect(server.SendSessions(fixtures.Session{
			DeviceID: "tv", UserID: "u", ItemID: "theme", ExtraType: "ThemeSong", CheckIn: h.clock.Now(),
		})).To(Succeed())
		// Progress counts because the device was never stopped
		Eventually(h.blocked, 5*time.Second, 10*time.Millisecond).Should(BeTrue())

		Expect(server.SendSessions()).To(Succeed())
		Eventually(func() int { return h.ctrl.State().StoppedDevices }, 5*time.Second, 10*time.Millisecond).Should(Equal(1))

		Expect(server.SendSessions(fixtures.Session{
			DeviceID: "tv", UserID: "u", ItemID: "theme", ExtraType: "ThemeSong", CheckIn: h.clock.Now(),
		})).To(Succeed())
		Consistently(func() int { return h.ctrl.State().StoppedDevices }, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(1))
	})

	It("clears the status file on shutdown", func() {
		Eventually(func() bool {
			entry, _ := status.Read()
			return entry != nil
		}, 5*time.Second, 10*time.Millisecond).Should(BeTrue())

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		done <- nil // AfterEach receives again

		entry, err := status.Read()
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).To(BeNil())
	})
})
