package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

const (
	// JellyfinID identifies the jellyfin source.
	JellyfinID = "jellyfin"

	// ClientDeviceID is the device id this daemon announces to the server.
	ClientDeviceID = "stayawake"

	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	handshakeTimeout   = 10 * time.Second

	minKeepAliveInterval = 100 * time.Millisecond

	// Initial delay 0 ms, then a Sessions message every 1500 ms.
	sessionsSubscription = "0,1500"
)

// Jellyfin socket message types.
const (
	msgSessionsStart  = "SessionsStart"
	msgSessions       = "Sessions"
	msgForceKeepAlive = "ForceKeepAlive"
	msgKeepAlive      = "KeepAlive"
)

type socketMessage struct {
	MessageType string          `json:"MessageType"`
	Data        json.RawMessage `json:"Data,omitempty"`
}

type outgoingMessage struct {
	MessageType string `json:"MessageType"`
	Data        string `json:"Data,omitempty"`
}

type jellyfinItem struct {
	ID        string `json:"Id"`
	Name      string `json:"Name"`
	ExtraType string `json:"ExtraType"`
}

type jellyfinSession struct {
	ID                  string        `json:"Id"`
	DeviceID            string        `json:"DeviceId"`
	DeviceName          string        `json:"DeviceName"`
	UserID              string        `json:"UserId"`
	UserName            string        `json:"UserName"`
	LastPlaybackCheckIn time.Time     `json:"LastPlaybackCheckIn"`
	NowPlayingItem      *jellyfinItem `json:"NowPlayingItem"`
	PlayState           struct {
		IsPaused bool `json:"IsPaused"`
	} `json:"PlayState"`
}

// JellyfinSessions follows live sessions over the Jellyfin WebSocket and
// turns snapshot changes into playback events.
type JellyfinSessions struct {
	url           string
	includePaused bool
	dialer        *websocket.Dialer
	clock         clockwork.Clock
	logger        *zap.Logger

	// playing is the diff baseline: devices that had a NowPlayingItem in
	// the previous snapshot. Only touched by the Run goroutine.
	playing map[string]bool
}

// NewJellyfinSessions creates the session follower from config.
func NewJellyfinSessions(cfg config.JellyfinConfig, clock clockwork.Clock, logger *zap.Logger) (*JellyfinSessions, error) {
	u, err := socketURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JellyfinSessions{
		url:           u,
		includePaused: cfg.IncludePaused,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
		clock:   clock,
		logger:  logger.With(zap.String("source", JellyfinID)),
		playing: make(map[string]bool),
	}, nil
}

// socketURL turns a server base URL into the /socket endpoint.
func socketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse jellyfin url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported jellyfin url scheme %q", u.Scheme)
	}
	u.Path = path.Join("/", u.Path, "socket")
	q := url.Values{}
	q.Set("api_key", apiKey)
	q.Set("deviceId", ClientDeviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (j *JellyfinSessions) ID() string { return JellyfinID }

// Run connects, follows sessions, and reconnects with backoff until ctx is canceled.
func (j *JellyfinSessions) Run(ctx context.Context, bus domain.EventBus) error {
	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := j.dialer.DialContext(ctx, j.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			j.logger.Warn("jellyfin dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			if !j.sleep(ctx, delay) {
				return nil
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		j.logger.Info("connected to jellyfin")
		delay = reconnectBaseDelay
		err = j.follow(ctx, conn, bus)
		j.resetBaseline()
		if ctx.Err() != nil {
			return nil
		}
		j.logger.Warn("jellyfin connection lost",
			zap.Error(err),
			zap.Duration("retry_in", delay))
		if !j.sleep(ctx, delay) {
			return nil
		}
	}
}

func (j *JellyfinSessions) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-j.clock.After(d):
		return true
	}
}

// follow subscribes to session updates and processes messages until the
// connection fails or ctx is canceled.
func (j *JellyfinSessions) follow(ctx context.Context, conn *websocket.Conn, bus domain.EventBus) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(msg outgoingMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	// Unblock ReadMessage when ctx ends.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	if err := write(outgoingMessage{MessageType: msgSessionsStart, Data: sessionsSubscription}); err != nil {
		return fmt.Errorf("subscribe to sessions: %w", err)
	}

	var keepAliveCancel context.CancelFunc
	defer func() {
		if keepAliveCancel != nil {
			keepAliveCancel()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			j.logger.Debug("ignoring malformed message", zap.Error(err))
			continue
		}

		switch msg.MessageType {
		case msgSessions:
			var sessions []jellyfinSession
			if err := json.Unmarshal(msg.Data, &sessions); err != nil {
				j.logger.Debug("ignoring malformed sessions", zap.Error(err))
				continue
			}
			for _, ev := range j.diff(sessions) {
				bus.Publish(ev)
			}
		case msgForceKeepAlive:
			period, err := keepAlivePeriod(msg.Data)
			if err != nil {
				j.logger.Debug("ignoring bad ForceKeepAlive", zap.Error(err))
				continue
			}
			if keepAliveCancel != nil {
				keepAliveCancel()
			}
			var kaCtx context.Context
			kaCtx, keepAliveCancel = context.WithCancel(connCtx)
			go j.keepAliveLoop(kaCtx, period/2, write)
		}
	}
}

// keepAlivePeriod parses ForceKeepAlive data (seconds, number or string).
func keepAlivePeriod(data json.RawMessage) (time.Duration, error) {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, fmt.Errorf("keep alive data %s", string(data))
		}
		if secs, err = strconv.ParseFloat(s, 64); err != nil {
			return 0, err
		}
	}
	if secs <= 0 {
		return 0, errors.New("keep alive period must be positive")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (j *JellyfinSessions) keepAliveLoop(ctx context.Context, every time.Duration, write func(outgoingMessage) error) {
	if every < minKeepAliveInterval {
		every = minKeepAliveInterval
	}
	ticker := j.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := write(outgoingMessage{MessageType: msgKeepAlive}); err != nil {
				j.logger.Debug("keep alive failed", zap.Error(err))
				return
			}
		}
	}
}

// diff compares a sessions snapshot against the previous one.
// Stops for vanished devices come last, ordered by device id.
func (j *JellyfinSessions) diff(sessions []jellyfinSession) []domain.PlaybackEvent {
	var events []domain.PlaybackEvent
	now := make(map[string]bool, len(sessions))

	for _, s := range sessions {
		if s.DeviceID == "" || s.NowPlayingItem == nil {
			continue
		}
		now[s.DeviceID] = true

		if !j.playing[s.DeviceID] {
			events = append(events, domain.PlaybackEvent{
				Kind:         domain.EventPlaybackStart,
				DeviceID:     s.DeviceID,
				DeviceName:   s.DeviceName,
				HasMediaInfo: s.NowPlayingItem.ID != "",
				HasUsers:     s.UserID != "" || s.UserName != "",
				IsThemeMedia: strings.HasPrefix(s.NowPlayingItem.ExtraType, "Theme"),
			})
		}

		if s.PlayState.IsPaused && !j.includePaused {
			continue
		}
		checkin := s.LastPlaybackCheckIn
		if checkin.IsZero() || checkin.Year() <= 1 {
			checkin = j.clock.Now()
		}
		events = append(events, domain.PlaybackEvent{
			Kind:        domain.EventPlaybackProgress,
			DeviceID:    s.DeviceID,
			DeviceName:  s.DeviceName,
			LastCheckin: checkin.UTC(),
		})
	}

	var gone []string
	for id := range j.playing {
		if !now[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		events = append(events, domain.PlaybackEvent{
			Kind:     domain.EventPlaybackStop,
			DeviceID: id,
		})
	}

	j.playing = now
	return events
}

func (j *JellyfinSessions) resetBaseline() {
	j.playing = make(map[string]bool)
}

// Ensure JellyfinSessions implements domain.EventSource.
var _ domain.EventSource = (*JellyfinSessions)(nil)
