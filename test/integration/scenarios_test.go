//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/usecase"
)

var _ = Describe("Sleep inhibit over webhook events", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(time.Minute)
	})

	AfterEach(func() {
		h.Close()
	})

	Describe("a single stream", func() {
		It("blocks on progress and unblocks one delay after the last checkin", func() {
			h.start("tv")
			Expect(h.blocked()).To(BeFalse(), "start alone does not block")

			h.progress("tv")
			Expect(h.blocked()).To(BeTrue())

			h.elapse(30 * time.Second)
			h.progress("tv")
			h.elapse(55 * time.Second)
			Expect(h.blocked()).To(BeTrue())

			h.elapse(5 * time.Second)
			Expect(h.blocked()).To(BeFalse())
			Expect(h.inhibitor.ViolationCount()).To(BeZero())
		})
	})

	Describe("zombie progress after stop", func() {
		It("ignores progress from a stopped device", func() {
			h.start("tv")
			h.progress("tv")
			h.stop("tv")

			for i := 0; i < 20; i++ {
				h.elapse(5 * time.Second)
				h.progress("tv")
			}
			Expect(h.blocked()).To(BeFalse())
			Expect(h.ctrl.State().StoppedDevices).To(Equal(1))
		})
	})

	Describe("stale checkins", func() {
		It("does not block on a checkin older than the stale age", func() {
			h.start("tv")
			h.progressAt("tv", h.clock.Now().Add(-31*time.Second))
			Expect(h.blocked()).To(BeFalse())

			h.progressAt("tv", h.clock.Now().Add(-30*time.Second))
			Expect(h.blocked()).To(BeTrue())
		})

		It("unblocks on time after a checkin dated in the future", func() {
			h.start("tv")
			h.progressAt("tv", h.clock.Now().Add(24*time.Hour))
			h.stop("tv")
			Expect(h.blocked()).To(BeTrue())

			h.elapse(time.Minute + usecase.DefaultCheckInterval)
			Expect(h.blocked()).To(BeFalse())
		})
	})

	Describe("restarting playback on a stopped device", func() {
		It("clears the stopped flag only for qualifying starts", func() {
			h.start("tv")
			h.stop("tv")

			h.post(map[string]any{
				"NotificationType": "PlaybackStart",
				"DeviceId":         "tv",
				"UserId":           "user-1",
				"ItemId":           "theme-1",
				"IsThemeMedia":     true,
			})
			h.progress("tv")
			Expect(h.blocked()).To(BeFalse(), "theme media does not clear the flag")

			h.start("tv")
			h.progress("tv")
			Expect(h.blocked()).To(BeTrue())
		})
	})

	Describe("two concurrent streams", func() {
		It("stays blocked while either stream is live", func() {
			h.start("tv")
			h.start("phone")
			h.progress("tv")
			h.progress("phone")

			h.stop("tv")
			for i := 0; i < 6; i++ {
				h.elapse(20 * time.Second)
				h.progress("phone")
				h.progress("tv")
			}
			Expect(h.blocked()).To(BeTrue())

			h.stop("phone")
			h.elapse(time.Minute)
			Expect(h.blocked()).To(BeFalse())
		})
	})

	Describe("inhibitor failures", func() {
		It("retries set on the next progress", func() {
			h.inhibitor.Fail("set", 1)
			h.start("tv")

			h.progress("tv")
			Expect(h.blocked()).To(BeFalse())

			h.progress("tv")
			Expect(h.blocked()).To(BeTrue())
		})

		It("retries clear on the next tick", func() {
			h.start("tv")
			h.progress("tv")
			h.inhibitor.Fail("clear", 1)

			h.elapse(time.Minute)
			Expect(h.blocked()).To(BeTrue())

			h.elapse(5 * time.Second)
			Expect(h.blocked()).To(BeFalse())
		})
	})
})

var _ = Describe("Reconfiguration while blocking", func() {
	It("applies a longer delay from a config reload", func() {
		h := newHarness(time.Minute)
		defer h.Close()

		dir, err := os.MkdirTemp("", "stayawake-integration-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "config.yaml")
		Expect(os.WriteFile(path, []byte("unblock_delay_minutes: 1\n"), 0644)).To(Succeed())

		mgr := config.NewManager(config.Options{ConfigFile: path}, zap.NewNop())
		Expect(mgr.Load()).To(Succeed())
		h.ctrl.FollowDelay(mgr)

		h.start("tv")
		h.progress("tv")
		h.elapse(30 * time.Second)

		Expect(os.WriteFile(path, []byte("unblock_delay_minutes: 5\n"), 0644)).To(Succeed())
		Expect(mgr.Reload()).To(Succeed())
		Expect(h.ctrl.UnblockDelay()).To(Equal(5 * time.Minute))

		h.elapse(2 * time.Minute)
		Expect(h.blocked()).To(BeTrue())

		h.elapse(150 * time.Second)
		Expect(h.blocked()).To(BeFalse())
	})
})
