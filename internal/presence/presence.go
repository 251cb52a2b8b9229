// Package presence keeps the set of nearby, visible peers.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/safety-net/internal/api"
	"github.com/example/safety-net/internal/geo"
	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/observability"
	"github.com/example/safety-net/internal/realtime"
)

// API is the slice of the REST boundary the service uses.
type API interface {
	Nearby(ctx context.Context, pos *models.Position) ([]models.PeerPresence, error)
	SetLocationHidden(ctx context.Context, hidden bool) error
}

// Sharer is the location watch owner; hiding stops it.
type Sharer interface {
	StopSharing()
}

type Config struct {
	API    API
	Self   func() string
	Index  geo.Index
	Logger *slog.Logger
	// RefreshTimeout bounds refreshes triggered by locationUpdated events.
	RefreshTimeout time.Duration
}

// Service holds the presence set. Every update replaces the whole set and
// updates are ordered by when they started: a refresh that began before a
// push is discarded if it completes after it.
type Service struct {
	api     API
	self    func() string
	index   geo.Index
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.RWMutex
	peers    []models.PeerPresence
	seq      uint64
	applied  uint64
	hidden   bool
	position *models.Position
	sharer   Sharer
	watchers []func([]models.PeerPresence)

	mirrorMu sync.Mutex
	mirrored uint64

	bus      realtime.Bus
	hPush    *realtime.Handler
	hUpdated *realtime.Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Self == nil {
		cfg.Self = func() string { return "" }
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	return &Service{api: cfg.API, self: cfg.Self, index: cfg.Index, logger: cfg.Logger, timeout: cfg.RefreshTimeout}
}

// SetSharer wires the location watch that SetHidden(true) must stop.
func (s *Service) SetSharer(sh Sharer) {
	s.mu.Lock()
	s.sharer = sh
	s.mu.Unlock()
}

// OnChange registers fn to receive each new presence set.
func (s *Service) OnChange(fn func([]models.PeerPresence)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// SetPosition records the local user's last known position; refreshes send it.
func (s *Service) SetPosition(p models.Position) {
	s.mu.Lock()
	s.position = &p
	s.mu.Unlock()
}

func (s *Service) Position() (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.position == nil {
		return models.Position{}, false
	}
	return *s.position, true
}

func (s *Service) Hidden() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hidden
}

// Snapshot returns a copy of the current set ordered by user id.
func (s *Service) Snapshot() []models.PeerPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PeerPresence, len(s.peers))
	copy(out, s.peers)
	return out
}

// Refresh pulls the full nearby list and replaces the set with it.
func (s *Service) Refresh(ctx context.Context) ([]models.PeerPresence, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	var pos *models.Position
	if s.position != nil {
		p := *s.position
		pos = &p
	}
	s.mu.Unlock()

	peers, err := s.api.Nearby(ctx, pos)
	if err != nil {
		s.logger.Warn("presence refresh failed", "error", err)
		return nil, err
	}
	s.replace(ctx, seq, peers)
	return s.Snapshot(), nil
}

// OnPush applies a nearbyUsersUpdate payload. The set is replaced, never merged.
func (s *Service) OnPush(peers []models.PeerPresence) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	s.replace(context.Background(), seq, peers)
}

// SetHidden tells the server whether the local user is visible. Hiding stops
// the local location watch; the server keeps the user out of other sets.
func (s *Service) SetHidden(ctx context.Context, hidden bool) error {
	if err := s.api.SetLocationHidden(ctx, hidden); err != nil {
		s.logger.Warn("visibility update failed", "hidden", hidden, "error", err)
		return err
	}
	s.mu.Lock()
	s.hidden = hidden
	sharer := s.sharer
	bus := s.bus
	s.mu.Unlock()

	if hidden && sharer != nil {
		sharer.StopSharing()
	}
	if bus != nil {
		if err := bus.Emit(realtime.EventLocationUpdated, nil); err != nil {
			s.logger.Debug("locationUpdated not sent", "error", err)
		}
	}
	s.logger.Info("visibility updated", "hidden", hidden)
	return nil
}

// Closest returns up to limit peers ordered by distance from the local user.
func (s *Service) Closest(ctx context.Context, limit int) ([]models.PeerPresence, error) {
	pos, ok := s.Position()
	if !ok || s.index == nil {
		snap := s.Snapshot()
		if limit > 0 && len(snap) > limit {
			snap = snap[:limit]
		}
		return snap, nil
	}
	return s.index.Nearby(ctx, pos.Lat, pos.Lng, limit)
}

func (s *Service) filter(peers []models.PeerPresence) []models.PeerPresence {
	self := s.self()
	out := make([]models.PeerPresence, 0, len(peers))
	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		if p.Hidden || p.UserID == "" || seen[p.UserID] {
			continue
		}
		if self != "" && p.UserID == self {
			continue
		}
		seen[p.UserID] = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Service) replace(ctx context.Context, seq uint64, peers []models.PeerPresence) {
	next := s.filter(peers)

	s.mu.Lock()
	if seq < s.applied {
		s.mu.Unlock()
		s.logger.Debug("stale presence update dropped", "seq", seq, "applied", s.applied)
		return
	}
	s.applied = seq
	s.peers = next
	watchers := append([]func([]models.PeerPresence){}, s.watchers...)
	s.mu.Unlock()

	observability.PresencePeers.Set(float64(len(next)))
	s.mirror(ctx, seq, next)
	for _, fn := range watchers {
		cp := make([]models.PeerPresence, len(next))
		copy(cp, next)
		fn(cp)
	}
}

func (s *Service) mirror(ctx context.Context, seq uint64, peers []models.PeerPresence) {
	if s.index == nil {
		return
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	if seq < s.mirrored {
		return
	}
	if err := s.index.Replace(ctx, peers); err != nil {
		s.logger.Warn("presence mirror update failed", "error", err)
		return
	}
	s.mirrored = seq
}

// Attach registers the service's realtime handlers on bus.
func (s *Service) Attach(bus realtime.Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.bus = bus
	s.cancel = cancel
	s.hPush = realtime.NewHandler(func(data json.RawMessage) {
		peers, err := api.DecodePeers(data)
		if err != nil {
			s.logger.Warn("invalid nearbyUsersUpdate payload", "error", err)
			return
		}
		s.OnPush(peers)
	})
	s.hUpdated = realtime.NewHandler(func(json.RawMessage) {
		s.mu.Lock()
		if s.cancel == nil {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			rctx, rcancel := context.WithTimeout(ctx, s.timeout)
			defer rcancel()
			_, _ = s.Refresh(rctx)
		}()
	})
	hPush, hUpdated := s.hPush, s.hUpdated
	s.mu.Unlock()

	bus.On(realtime.EventNearbyUsersUpdate, hPush)
	bus.On(realtime.EventLocationUpdated, hUpdated)
}

// Detach removes exactly the handlers Attach added and waits for refreshes
// they started.
func (s *Service) Detach() {
	s.mu.Lock()
	bus, hPush, hUpdated, cancel := s.bus, s.hPush, s.hUpdated, s.cancel
	s.bus, s.hPush, s.hUpdated, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()
	if bus == nil {
		return
	}
	bus.Off(realtime.EventNearbyUsersUpdate, hPush)
	bus.Off(realtime.EventLocationUpdated, hUpdated)
	cancel()
	s.wg.Wait()
}
