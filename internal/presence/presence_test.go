package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/safety-net/internal/geo"
	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/realtime"
)

type fakeAPI struct {
	mu        sync.Mutex
	peers     []models.PeerPresence
	err       error
	lastPos   *models.Position
	hiddenSet []bool
	block     chan struct{}
	calls     int
}

func (f *fakeAPI) Nearby(ctx context.Context, pos *models.Position) ([]models.PeerPresence, error) {
	f.mu.Lock()
	f.calls++
	f.lastPos = pos
	block := f.block
	peers, err := f.peers, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return peers, err
}

func (f *fakeAPI) SetLocationHidden(ctx context.Context, hidden bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.hiddenSet = append(f.hiddenSet, hidden)
	return nil
}

type fakeBus struct {
	*realtime.Registry
	mu    sync.Mutex
	emits []string
}

func newFakeBus() *fakeBus { return &fakeBus{Registry: realtime.NewRegistry()} }

func (b *fakeBus) Emit(event string, payload any) error {
	b.mu.Lock()
	b.emits = append(b.emits, event)
	b.mu.Unlock()
	return nil
}

type fakeSharer struct{ stops int }

func (f *fakeSharer) StopSharing() { f.stops++ }

func ids(peers []models.PeerPresence) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.UserID)
	}
	return out
}

func TestOnPushFiltersHiddenAndSelf(t *testing.T) {
	s := NewService(Config{API: &fakeAPI{}, Self: func() string { return "me" }})
	s.OnPush([]models.PeerPresence{
		{UserID: "hidden", Hidden: true},
		{UserID: "visible"},
		{UserID: "me"},
	})
	got := ids(s.Snapshot())
	if len(got) != 1 || got[0] != "visible" {
		t.Fatalf("unexpected presence set %v", got)
	}
}

func TestOnPushReplacesNeverMerges(t *testing.T) {
	s := NewService(Config{API: &fakeAPI{}})
	s.OnPush([]models.PeerPresence{{UserID: "a"}, {UserID: "b"}})
	s.OnPush([]models.PeerPresence{{UserID: "c"}})
	got := ids(s.Snapshot())
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("stale entries survived: %v", got)
	}
}

func TestRefreshUsesPositionAndFilters(t *testing.T) {
	fa := &fakeAPI{peers: []models.PeerPresence{{UserID: "b"}, {UserID: "me"}, {UserID: "a"}, {UserID: "h", Hidden: true}}}
	s := NewService(Config{API: fa, Self: func() string { return "me" }})
	s.SetPosition(models.Position{Lat: 1, Lng: 2})

	got, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g := ids(got); len(g) != 2 || g[0] != "a" || g[1] != "b" {
		t.Fatalf("unexpected set %v", g)
	}
	if fa.lastPos == nil || fa.lastPos.Lat != 1 {
		t.Fatalf("position not sent: %+v", fa.lastPos)
	}
}

func TestRefreshFailureKeepsSet(t *testing.T) {
	fa := &fakeAPI{}
	s := NewService(Config{API: fa})
	s.OnPush([]models.PeerPresence{{UserID: "a"}})
	fa.err = errors.New("offline")
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if g := ids(s.Snapshot()); len(g) != 1 {
		t.Fatalf("set changed on failure: %v", g)
	}
}

func TestSlowRefreshLosesToNewerPush(t *testing.T) {
	fa := &fakeAPI{peers: []models.PeerPresence{{UserID: "old"}}, block: make(chan struct{})}
	s := NewService(Config{API: fa})

	done := make(chan struct{})
	go func() {
		_, _ = s.Refresh(context.Background())
		close(done)
	}()
	for {
		fa.mu.Lock()
		c := fa.calls
		fa.mu.Unlock()
		if c == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.OnPush([]models.PeerPresence{{UserID: "new"}})
	close(fa.block)
	<-done

	if g := ids(s.Snapshot()); len(g) != 1 || g[0] != "new" {
		t.Fatalf("stale refresh overwrote push: %v", g)
	}
}

func TestSetHiddenStopsSharingAndAnnounces(t *testing.T) {
	fa := &fakeAPI{}
	bus := newFakeBus()
	sh := &fakeSharer{}
	s := NewService(Config{API: fa})
	s.SetSharer(sh)
	s.Attach(bus)
	defer s.Detach()

	if err := s.SetHidden(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if !s.Hidden() || sh.stops != 1 {
		t.Fatalf("hidden=%v stops=%d", s.Hidden(), sh.stops)
	}
	if len(bus.emits) != 1 || bus.emits[0] != realtime.EventLocationUpdated {
		t.Fatalf("unexpected emits %v", bus.emits)
	}

	if err := s.SetHidden(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if sh.stops != 1 {
		t.Fatal("unhiding must not stop sharing")
	}
}

func TestSetHiddenFailureLeavesState(t *testing.T) {
	fa := &fakeAPI{err: errors.New("offline")}
	sh := &fakeSharer{}
	s := NewService(Config{API: fa})
	s.SetSharer(sh)
	if err := s.SetHidden(context.Background(), true); err == nil {
		t.Fatal("expected error")
	}
	if s.Hidden() || sh.stops != 0 {
		t.Fatal("state changed despite failure")
	}
}

func TestAttachHandlesPushPayloadAndDetachRemoves(t *testing.T) {
	bus := newFakeBus()
	s := NewService(Config{API: &fakeAPI{}, Self: func() string { return "me" }})
	s.Attach(bus)

	payload := json.RawMessage(`[{"_id":"p1","name":"A","location":{"type":"Point","coordinates":[2,1]}},{"_id":"p2","name":"B","locationHidden":true}]`)
	bus.Dispatch(realtime.EventNearbyUsersUpdate, payload)
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].UserID != "p1" || snap[0].Position.Lat != 1 || snap[0].Position.Lng != 2 {
		t.Fatalf("unexpected set %+v", snap)
	}

	s.Detach()
	if bus.Count(realtime.EventNearbyUsersUpdate) != 0 || bus.Count(realtime.EventLocationUpdated) != 0 {
		t.Fatal("handlers leaked after Detach")
	}
}

func TestClosestUsesIndex(t *testing.T) {
	s := NewService(Config{API: &fakeAPI{}, Index: geo.NewIndex()})
	s.SetPosition(models.Position{})
	s.OnPush([]models.PeerPresence{
		{UserID: "far", Position: models.Position{Lng: 0.01}},
		{UserID: "near", Position: models.Position{Lng: 0.001}},
	})
	got, err := s.Closest(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].UserID != "near" {
		t.Fatalf("unexpected closest %v", ids(got))
	}
}
