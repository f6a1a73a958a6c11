package source

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

const (
	// WebhookID identifies the webhook source.
	WebhookID = "webhook"

	// TokenHeader carries the shared secret when one is configured.
	TokenHeader = "X-Stayawake-Token"

	maxWebhookBody    = 1 << 20
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// webhookPayload is the JSON rendered by a Jellyfin Webhook plugin template.
type webhookPayload struct {
	NotificationType     string `json:"NotificationType"`
	DeviceID             string `json:"DeviceId"`
	DeviceName           string `json:"DeviceName"`
	UserID               string `json:"UserId"`
	NotificationUsername string `json:"NotificationUsername"`
	ItemID               string `json:"ItemId"`
	IsThemeMedia         bool   `json:"IsThemeMedia"`
	UtcTimestamp         string `json:"UtcTimestamp"`
}

// Webhook receives playback notifications over HTTP.
type Webhook struct {
	listen string
	path   string
	token  string
	clock  clockwork.Clock
	logger *zap.Logger

	mu        sync.Mutex
	addr      net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

// NewWebhook creates a webhook source from config.
func NewWebhook(cfg config.WebhookConfig, clock clockwork.Clock, logger *zap.Logger) *Webhook {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	path := cfg.Path
	if path == "" {
		path = "/webhook"
	}
	return &Webhook{
		listen: cfg.Listen,
		path:   path,
		token:  cfg.Token,
		clock:  clock,
		logger: logger.With(zap.String("source", WebhookID)),
		ready:  make(chan struct{}),
	}
}

func (w *Webhook) ID() string { return WebhookID }

// Addr returns the bound listen address once Run is serving, nil before.
func (w *Webhook) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr
}

// Ready is closed once the listener is bound.
func (w *Webhook) Ready() <-chan struct{} {
	return w.ready
}

// Run serves the webhook endpoint until ctx is canceled.
func (w *Webhook) Run(ctx context.Context, bus domain.EventBus) error {
	ln, err := net.Listen("tcp", w.listen)
	if err != nil {
		return fmt.Errorf("webhook listen on %s: %w", w.listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle(w.path, w.Handler(bus))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	w.mu.Lock()
	w.addr = ln.Addr()
	w.mu.Unlock()
	w.readyOnce.Do(func() { close(w.ready) })
	w.logger.Info("webhook listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", w.path))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		w.logger.Warn("webhook shutdown", zap.Error(err))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler publishing to bus.
func (w *Webhook) Handler(bus domain.EventBus) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Allow", http.MethodPost)
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !w.authorized(r) {
			w.logger.Warn("rejected webhook with bad token", zap.String("remote", r.RemoteAddr))
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}

		var p webhookPayload
		dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxWebhookBody))
		if err := dec.Decode(&p); err != nil {
			w.logger.Debug("bad webhook body", zap.Error(err))
			http.Error(rw, "invalid JSON body", http.StatusBadRequest)
			return
		}

		ev, ok := w.toEvent(p)
		if !ok {
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		if ev.DeviceID == "" {
			http.Error(rw, "DeviceId is required", http.StatusBadRequest)
			return
		}

		w.logger.Debug("webhook event",
			zap.String("kind", string(ev.Kind)),
			zap.String("device_id", ev.DeviceID),
			zap.String("device_name", ev.DeviceName))
		bus.Publish(ev)
		rw.WriteHeader(http.StatusAccepted)
	})
}

func (w *Webhook) authorized(r *http.Request) bool {
	if w.token == "" {
		return true
	}
	got := r.Header.Get(TokenHeader)
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.token)) == 1
}

// toEvent maps a payload to an event; ok is false for notification types
// that are not playback lifecycle events.
func (w *Webhook) toEvent(p webhookPayload) (domain.PlaybackEvent, bool) {
	ev := domain.PlaybackEvent{
		DeviceID:   p.DeviceID,
		DeviceName: p.DeviceName,
	}
	switch domain.EventKind(p.NotificationType) {
	case domain.EventPlaybackStart:
		ev.Kind = domain.EventPlaybackStart
		ev.HasMediaInfo = p.ItemID != ""
		ev.HasUsers = p.UserID != "" || p.NotificationUsername != ""
		ev.IsThemeMedia = p.IsThemeMedia
	case domain.EventPlaybackProgress:
		ev.Kind = domain.EventPlaybackProgress
		ev.LastCheckin = w.checkin(p.UtcTimestamp)
	case domain.EventPlaybackStop:
		ev.Kind = domain.EventPlaybackStop
	default:
		return ev, false
	}
	return ev, true
}

// checkin parses the payload timestamp, falling back to receipt time.
func (w *Webhook) checkin(ts string) time.Time {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t.UTC()
		}
		w.logger.Debug("unparseable UtcTimestamp, using receipt time", zap.String("value", ts))
	}
	return w.clock.Now().UTC()
}

// Ensure Webhook implements domain.EventSource.
var _ domain.EventSource = (*Webhook)(nil)
