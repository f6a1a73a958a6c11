// Package source implements playback event sources.
// Each source (webhook, jellyfin) turns an external feed into
// domain.PlaybackEvent values published on the bus.
package source

import (
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// Registry holds the event sources the daemon runs.
type Registry struct {
	sources map[string]domain.EventSource
}

// NewRegistry creates a registry with the given sources (for testing).
func NewRegistry(sources ...domain.EventSource) *Registry {
	r := &Registry{
		sources: make(map[string]domain.EventSource),
	}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// NewRegistryFromConfig creates a registry with every enabled source.
func NewRegistryFromConfig(cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()

	if cfg.Sources.Webhook.Enabled {
		r.Register(NewWebhook(cfg.Sources.Webhook, clock, logger))
	}
	if cfg.Sources.Jellyfin.Enabled {
		jf, err := NewJellyfinSessions(cfg.Sources.Jellyfin, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("jellyfin source: %w", err)
		}
		r.Register(jf)
	}
	return r, nil
}

// Register adds a source, replacing any with the same ID.
func (r *Registry) Register(s domain.EventSource) {
	r.sources[s.ID()] = s
}

// Get returns a source by ID.
func (r *Registry) Get(id string) (domain.EventSource, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// GetAll returns all sources ordered by ID.
func (r *Registry) GetAll() []domain.EventSource {
	result := make([]domain.EventSource, 0, len(r.sources))
	for _, id := range r.List() {
		result = append(result, r.sources[id])
	}
	return result
}

// List returns all source IDs, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	return len(r.sources)
}
