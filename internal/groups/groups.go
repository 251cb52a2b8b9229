// Package groups keeps the local user's group roster in step with the server.
package groups

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/realtime"
)

type API interface {
	Groups(ctx context.Context) ([]models.Group, error)
}

type Roster struct {
	api    API
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[string]models.Group

	bus      realtime.Bus
	handlers map[string]*realtime.Handler
}

func NewRoster(api API, logger *slog.Logger) *Roster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roster{api: api, logger: logger, groups: make(map[string]models.Group)}
}

// Load replaces the roster with the server's list.
func (r *Roster) Load(ctx context.Context) error {
	list, err := r.api.Groups(ctx)
	if err != nil {
		r.logger.Warn("group fetch failed", "error", err)
		return err
	}
	next := make(map[string]models.Group, len(list))
	for _, g := range list {
		next[g.ID] = g
	}
	r.mu.Lock()
	r.groups = next
	r.mu.Unlock()
	r.logger.Info("groups loaded", "count", len(list))
	return nil
}

func (r *Roster) Upsert(g models.Group) {
	if g.ID == "" {
		return
	}
	r.mu.Lock()
	r.groups[g.ID] = g
	r.mu.Unlock()
}

func (r *Roster) Remove(id string) {
	r.mu.Lock()
	delete(r.groups, id)
	r.mu.Unlock()
}

func (r *Roster) Get(id string) (models.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	return g, ok
}

// List returns the roster ordered by name, then id.
func (r *Roster) List() []models.Group {
	r.mu.RLock()
	out := make([]models.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Roster) upsertPayload(event string) *realtime.Handler {
	return realtime.NewHandler(func(data json.RawMessage) {
		var g models.Group
		if err := json.Unmarshal(data, &g); err != nil {
			r.logger.Warn("invalid group payload", "event", event, "error", err)
			return
		}
		r.Upsert(g)
		r.logger.Debug("group changed", "event", event, "group_id", g.ID)
	})
}

// Attach registers the group mutation handlers on bus.
func (r *Roster) Attach(bus realtime.Bus) {
	hs := map[string]*realtime.Handler{
		realtime.EventGroupUpdated:         r.upsertPayload(realtime.EventGroupUpdated),
		realtime.EventUserAddedToGroup:     r.upsertPayload(realtime.EventUserAddedToGroup),
		realtime.EventUserRemovedFromGroup: r.upsertPayload(realtime.EventUserRemovedFromGroup),
		realtime.EventGroupDeleted: realtime.NewHandler(func(data json.RawMessage) {
			var id string
			if err := json.Unmarshal(data, &id); err != nil {
				var g models.Group
				if err2 := json.Unmarshal(data, &g); err2 != nil {
					r.logger.Warn("invalid groupDeleted payload", "error", err)
					return
				}
				id = g.ID
			}
			r.Remove(id)
			r.logger.Debug("group deleted", "group_id", id)
		}),
	}
	r.mu.Lock()
	r.bus = bus
	r.handlers = hs
	r.mu.Unlock()
	for ev, h := range hs {
		bus.On(ev, h)
	}
}

func (r *Roster) Detach() {
	r.mu.Lock()
	bus, hs := r.bus, r.handlers
	r.bus, r.handlers = nil, nil
	r.mu.Unlock()
	if bus == nil {
		return
	}
	for ev, h := range hs {
		bus.Off(ev, h)
	}
}
