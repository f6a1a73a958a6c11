package source

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
	"github.com/eliteGoblin/focusd/stayawake/test/fixtures"
)

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://jf:8096", "ws://jf:8096/socket"},
		{"https://media.example.com/jellyfin/", "wss://media.example.com/jellyfin/socket"},
		{"ws://jf", "ws://jf/socket"},
		{"wss://jf/", "wss://jf/socket"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := socketURL(tt.base, "key")
			require.NoError(t, err)

			u, err := url.Parse(got)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Scheme+"://"+u.Host+u.Path)
			assert.Equal(t, "key", u.Query().Get("api_key"))
			assert.Equal(t, ClientDeviceID, u.Query().Get("deviceId"))
		})
	}

	_, err := socketURL("ftp://jf", "key")
	assert.Error(t, err)
}

func TestKeepAlivePeriod(t *testing.T) {
	d, err := keepAlivePeriod(json.RawMessage(`60`))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = keepAlivePeriod(json.RawMessage(`"30"`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = keepAlivePeriod(json.RawMessage(`0`))
	assert.Error(t, err)
	_, err = keepAlivePeriod(json.RawMessage(`{}`))
	assert.Error(t, err)
}

func newTestJellyfin(t *testing.T, base string, includePaused bool, clock clockwork.Clock) *JellyfinSessions {
	t.Helper()
	j, err := NewJellyfinSessions(config.JellyfinConfig{
		Enabled:       true,
		URL:           base,
		APIKey:        "key",
		IncludePaused: includePaused,
	}, clock, zap.NewNop())
	require.NoError(t, err)
	return j
}

func playing(id string, checkin time.Time) jellyfinSession {
	s := jellyfinSession{
		DeviceID:            id,
		DeviceName:          "Device " + id,
		UserID:              "user",
		LastPlaybackCheckIn: checkin,
		NowPlayingItem:      &jellyfinItem{ID: "item-" + id},
	}
	return s
}

func kinds(events []domain.PlaybackEvent) []domain.EventKind {
	var out []domain.EventKind
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestDiff_StartThenProgress(t *testing.T) {
	j := newTestJellyfin(t, "http://jf", false, clockwork.NewFakeClockAt(testEpoch))
	checkin := testEpoch.Add(-2 * time.Second)

	first := j.diff([]jellyfinSession{playing("tv", checkin)})
	second := j.diff([]jellyfinSession{playing("tv", checkin.Add(time.Second))})

	assert.Equal(t, []domain.EventKind{domain.EventPlaybackStart, domain.EventPlaybackProgress}, kinds(first))
	assert.True(t, first[0].Qualifies())
	assert.Equal(t, checkin, first[1].LastCheckin)
	assert.Equal(t, "tv", first[1].DeviceID)

	assert.Equal(t, []domain.EventKind{domain.EventPlaybackProgress}, kinds(second))
}

func TestDiff_StopWhenNothingPlaying(t *testing.T) {
	j := newTestJellyfin(t, "http://jf", false, clockwork.NewFakeClockAt(testEpoch))
	j.diff([]jellyfinSession{playing("tv", testEpoch), playing("phone", testEpoch)})

	idle := playing("tv", testEpoch)
	idle.NowPlayingItem = nil
	events := j.diff([]jellyfinSession{idle})

	assert.Equal(t, []domain.PlaybackEvent{
		{Kind: domain.EventPlaybackStop, DeviceID: "phone"},
		{Kind: domain.EventPlaybackStop, DeviceID: "tv"},
	}, events)
	assert.Empty(t, j.diff(nil))
}

func TestDiff_ThemeMedia(t *testing.T) {
	j := newTestJellyfin(t, "http://jf", false, clockwork.NewFakeClockAt(testEpoch))
	s := playing("tv", testEpoch)
	s.NowPlayingItem.ExtraType = "ThemeSong"

	events := j.diff([]jellyfinSession{s})

	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventPlaybackStart, events[0].Kind)
	assert.False(t, events[0].Qualifies())
}

func TestDiff_Paused(t *testing.T) {
	s := playing("tv", testEpoch)
	s.PlayState.IsPaused = true

	excl := newTestJellyfin(t, "http://jf", false, clockwork.NewFakeClockAt(testEpoch))
	incl := newTestJellyfin(t, "http://jf", true, clockwork.NewFakeClockAt(testEpoch))

	assert.Equal(t, []domain.EventKind{domain.EventPlaybackStart}, kinds(excl.diff([]jellyfinSession{s})))
	assert.Equal(t, []domain.EventKind{domain.EventPlaybackStart, domain.EventPlaybackProgress},
		kinds(incl.diff([]jellyfinSession{s})))
}

func TestDiff_PausedFollowsDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig().Sources.Jellyfin
	cfg.Enabled, cfg.URL, cfg.APIKey = true, "http://jf", "key"
	j, err := NewJellyfinSessions(cfg, clockwork.NewFakeClockAt(testEpoch), zap.NewNop())
	require.NoError(t, err)

	s := playing("tv", testEpoch)
	s.PlayState.IsPaused = true

	assert.Equal(t, []domain.EventKind{domain.EventPlaybackStart, domain.EventPlaybackProgress},
		kinds(j.diff([]jellyfinSession{s})))
}

func TestDiff_ZeroCheckinUsesClock(t *testing.T) {
	j := newTestJellyfin(t, "http://jf", false, clockwork.NewFakeClockAt(testEpoch))

	events := j.diff([]jellyfinSession{playing("tv", time.Time{})})

	require.Len(t, events, 2)
	assert.Equal(t, testEpoch, events[1].LastCheckin)
}

func TestDiff_SkipsSessionsWithoutDevice(t *testing.T) {
	j := newTestJellyfin(t, "http://jf", false, clockwork.NewFakeClockAt(testEpoch))

	assert.Empty(t, j.diff([]jellyfinSession{playing("", testEpoch)}))
}

func runJellyfin(t *testing.T, j *JellyfinSessions, bus domain.EventBus) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, bus) }()
	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("jellyfin source did not stop")
		}
	}
}

func TestJellyfin_FollowsSessions(t *testing.T) {
	server := fixtures.NewFakeJellyfin("key")
	defer server.Close()
	bus := &recordingBus{}
	j := newTestJellyfin(t, server.URL(), false, clockwork.NewFakeClockAt(testEpoch))
	stop := runJellyfin(t, j, bus)
	defer stop()

	require.NoError(t, server.WaitConnected(5*time.Second))
	msg, err := server.NextMessage(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "SessionsStart", msg.MessageType)
	assert.JSONEq(t, `"0,1500"`, string(msg.Data))

	require.NoError(t, server.SendSessions(fixtures.Session{
		DeviceID: "tv", UserID: "u", ItemID: "movie", CheckIn: testEpoch,
	}))
	require.Eventually(t, func() bool { return len(bus.Events()) == 2 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, server.SendSessions(fixtures.Session{DeviceID: "tv", UserID: "u"}))
	require.Eventually(t, func() bool { return len(bus.Events()) == 3 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []domain.EventKind{
		domain.EventPlaybackStart,
		domain.EventPlaybackProgress,
		domain.EventPlaybackStop,
	}, bus.Kinds())
}

func TestJellyfin_KeepAlive(t *testing.T) {
	server := fixtures.NewFakeJellyfin("key")
	defer server.Close()
	clock := clockwork.NewFakeClockAt(testEpoch)
	j := newTestJellyfin(t, server.URL(), false, clock)
	stop := runJellyfin(t, j, &recordingBus{})
	defer stop()

	require.NoError(t, server.WaitConnected(5*time.Second))
	_, err := server.NextMessage(5 * time.Second) // SessionsStart
	require.NoError(t, err)

	require.NoError(t, server.SendForceKeepAlive(10))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)

	msg, err := server.NextMessage(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "KeepAlive", msg.MessageType)
}

func TestJellyfin_ReconnectResetsBaseline(t *testing.T) {
	server := fixtures.NewFakeJellyfin("key")
	defer server.Close()
	clock := clockwork.NewFakeClockAt(testEpoch)
	bus := &recordingBus{}
	j := newTestJellyfin(t, server.URL(), false, clock)
	stop := runJellyfin(t, j, bus)
	defer stop()

	tv := fixtures.Session{DeviceID: "tv", UserID: "u", ItemID: "movie", CheckIn: testEpoch}

	require.NoError(t, server.WaitConnected(5*time.Second))
	require.NoError(t, server.SendSessions(tv))
	require.Eventually(t, func() bool { return len(bus.Events()) == 2 }, 5*time.Second, 10*time.Millisecond)

	server.DropConnection()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1)) // backoff sleep
	clock.Advance(reconnectBaseDelay)

	require.NoError(t, server.WaitConnected(5*time.Second))
	assert.Equal(t, 2, server.Dials())
	require.NoError(t, server.SendSessions(tv))
	require.Eventually(t, func() bool { return len(bus.Events()) == 4 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.EventPlaybackStart, bus.Events()[2].Kind, "fresh baseline after reconnect")
}

func TestJellyfin_StopsWhileBackingOff(t *testing.T) {
	server := fixtures.NewFakeJellyfin("other-key") // rejects our key
	defer server.Close()
	clock := clockwork.NewFakeClockAt(testEpoch)
	j := newTestJellyfin(t, server.URL(), false, clock)
	stop := runJellyfin(t, j, &recordingBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Zero(t, server.Dials())

	stop()
}
