// Package fixtures provides test helpers for source and integration tests.
package fixtures

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session describes one Jellyfin session in a Sessions snapshot.
type Session struct {
	DeviceID   string
	DeviceName string
	UserID     string
	ItemID     string // empty means nothing is playing
	ExtraType  string // "ThemeSong", "ThemeVideo" for theme media
	Paused     bool
	CheckIn    time.Time
}

// ClientMessage is a message the daemon sent to the fake server.
type ClientMessage struct {
	MessageType string          `json:"MessageType"`
	Data        json.RawMessage `json:"Data,omitempty"`
}

// FakeJellyfin is an httptest server speaking the Jellyfin /socket protocol.
type FakeJellyfin struct {
	APIKey string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	dials    int
	received chan ClientMessage
	connects chan struct{}
}

// NewFakeJellyfin starts a fake server accepting apiKey.
func NewFakeJellyfin(apiKey string) *FakeJellyfin {
	f := &FakeJellyfin{
		APIKey:   apiKey,
		received: make(chan ClientMessage, 64),
		connects: make(chan struct{}, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket", f.handleSocket)
	f.srv = httptest.NewServer(mux)
	return f
}

// URL returns the http base URL to configure the source with.
func (f *FakeJellyfin) URL() string {
	return f.srv.URL
}

// Close drops the connection and stops the server.
func (f *FakeJellyfin) Close() {
	f.DropConnection()
	f.srv.Close()
}

func (f *FakeJellyfin) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api_key") != f.APIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.conn = conn
	f.dials++
	f.mu.Unlock()
	f.connects <- struct{}{}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if json.Unmarshal(data, &msg) == nil {
			select {
			case f.received <- msg:
			default:
			}
		}
	}
}

// WaitConnected blocks until a client connects or timeout elapses.
func (f *FakeJellyfin) WaitConnected(timeout time.Duration) error {
	select {
	case <-f.connects:
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for client connection")
	}
}

// NextMessage returns the next client message or an error after timeout.
func (f *FakeJellyfin) NextMessage(timeout time.Duration) (ClientMessage, error) {
	select {
	case msg := <-f.received:
		return msg, nil
	case <-time.After(timeout):
		return ClientMessage{}, errors.New("timed out waiting for client message")
	}
}

// Dials returns how many connections the server accepted.
func (f *FakeJellyfin) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// DropConnection closes the current client connection, if any.
func (f *FakeJellyfin) DropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// SendSessions pushes a Sessions snapshot to the connected client.
func (f *FakeJellyfin) SendSessions(sessions ...Session) error {
	data := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		entry := map[string]any{
			"Id":                  "session-" + s.DeviceID,
			"DeviceId":            s.DeviceID,
			"DeviceName":          s.DeviceName,
			"UserId":              s.UserID,
			"LastPlaybackCheckIn": s.CheckIn.UTC().Format(time.RFC3339Nano),
			"PlayState":           map[string]any{"IsPaused": s.Paused},
		}
		if s.ItemID != "" {
			entry["NowPlayingItem"] = map[string]any{
				"Id":        s.ItemID,
				"Name":      "Item " + s.ItemID,
				"ExtraType": s.ExtraType,
			}
		}
		data = append(data, entry)
	}
	return f.send(map[string]any{"MessageType": "Sessions", "Data": data})
}

// SendForceKeepAlive asks the client to send KeepAlive every secs/2 seconds.
func (f *FakeJellyfin) SendForceKeepAlive(secs int) error {
	return f.send(map[string]any{"MessageType": "ForceKeepAlive", "Data": secs})
}

func (f *FakeJellyfin) send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return errors.New("no client connected")
	}
	return f.conn.WriteJSON(msg)
}
