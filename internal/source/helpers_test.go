package source

import (
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// recordingBus records published events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.PlaybackEvent
}

func (b *recordingBus) Subscribe(domain.EventKind, domain.EventHandler) domain.Token { return 0 }

func (b *recordingBus) Unsubscribe(domain.Token) {}

func (b *recordingBus) Publish(ev domain.PlaybackEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) Events() []domain.PlaybackEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.PlaybackEvent, len(b.events))
	copy(out, b.events)
	return out
}

func (b *recordingBus) Kinds() []domain.EventKind {
	var kinds []domain.EventKind
	for _, ev := range b.Events() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

var testEpoch = time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
