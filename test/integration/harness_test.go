//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/infra"
	"github.com/eliteGoblin/focusd/stayawake/internal/source"
	"github.com/eliteGoblin/focusd/stayawake/internal/usecase"
	"github.com/eliteGoblin/focusd/stayawake/test/fixtures"
)

var epoch = time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

// harness wires a controller to a webhook endpoint on a fake clock.
type harness struct {
	cfg       usecase.ControllerConfig
	clock     *clockwork.FakeClock
	inhibitor *fixtures.RecordingInhibitor
	bus       *infra.EventBus
	ctrl      *usecase.Controller
	server    *httptest.Server
}

func newHarness(delay time.Duration) *harness {
	clock := clockwork.NewFakeClockAt(epoch)
	inhibitor := fixtures.NewRecordingInhibitor()
	bus := infra.NewEventBus(zap.NewNop())

	cfg := usecase.DefaultControllerConfig()
	cfg.UnblockDelay = delay
	// The background ticker never fires; elapse drives Tick by hand.
	cfg.CheckInterval = 24 * time.Hour
	ctrl := usecase.NewController(cfg, inhibitor, bus, clock, zap.NewNop())
	Expect(ctrl.Start()).To(Succeed())

	wh := source.NewWebhook(config.WebhookConfig{Enabled: true}, clock, zap.NewNop())
	server := httptest.NewServer(wh.Handler(bus))

	return &harness{
		cfg:       cfg,
		clock:     clock,
		inhibitor: inhibitor,
		bus:       bus,
		ctrl:      ctrl,
		server:    server,
	}
}

// newController builds an unstarted controller sharing the harness wiring.
func newController(h *harness) *usecase.Controller {
	return usecase.NewController(h.cfg, h.inhibitor, h.bus, h.clock, zap.NewNop())
}

func (h *harness) Close() {
	h.server.Close()
	h.ctrl.Shutdown()
}

func (h *harness) post(payload map[string]any) {
	body, err := json.Marshal(payload)
	Expect(err).NotTo(HaveOccurred())
	resp, err := http.Post(h.server.URL, "application/json", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
}

func (h *harness) start(device string) {
	h.post(map[string]any{
		"NotificationType": "PlaybackStart",
		"DeviceId":         device,
		"UserId":           "user-1",
		"ItemId":           "item-1",
	})
}

func (h *harness) progress(device string) {
	h.progressAt(device, h.clock.Now())
}

func (h *harness) progressAt(device string, checkin time.Time) {
	h.post(map[string]any{
		"NotificationType": "PlaybackProgress",
		"DeviceId":         device,
		"DeviceName":       "Device " + device,
		"UtcTimestamp":     checkin.UTC().Format(time.RFC3339Nano),
	})
}

func (h *harness) stop(device string) {
	h.post(map[string]any{
		"NotificationType": "PlaybackStop",
		"DeviceId":         device,
	})
}

// elapse moves the clock forward in check-interval steps, polling the
// timer after each step like the controller's ticker would.
func (h *harness) elapse(d time.Duration) {
	step := usecase.DefaultCheckInterval
	for d > 0 {
		if d < step {
			step = d
		}
		h.clock.Advance(step)
		h.ctrl.Tick()
		d -= step
	}
}

func (h *harness) blocked() bool {
	return h.inhibitor.IsActive()
}
