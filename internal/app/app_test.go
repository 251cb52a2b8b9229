package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/safety-net/internal/api"
	"github.com/example/safety-net/internal/app/apptest"
	"github.com/example/safety-net/internal/auth"
	"github.com/example/safety-net/internal/geo"
	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/realtime"
	"github.com/example/safety-net/internal/storage"
)

func newApp(t *testing.T, b *apptest.Backend) (*App, *auth.Session) {
	t.Helper()
	s := auth.NewSession("")
	client := api.NewClient(b.URL(), 2*time.Second, s, nil)
	sensor := geo.NewSensor(&geo.FixedSource{Lat: 51.5, Lng: -0.12, Configured: true, Interval: 10 * time.Millisecond}, time.Second, nil)
	a := New(Options{
		Session:        s,
		API:            client,
		Sensor:         sensor,
		Index:          geo.NewIndex(),
		Store:          storage.NewMemoryStore(),
		RealtimeURL:    b.SocketURL(),
		ReconnectDelay: 10 * time.Millisecond,
		Threshold:      geo.DefaultThresholdMeters,
		CallTimeout:    2 * time.Second,
	})
	t.Cleanup(a.Close)
	return a, s
}

func TestLoginConnectsAndSyncsUnread(t *testing.T) {
	b := apptest.New(t)
	b.SetUnread(map[string]int{"p1": 2})
	b.SetNearby(`[{"_id":"p1","name":"Bo","location":{"type":"Point","coordinates":[-0.1,51.5]}},{"_id":"me","name":"Me"}]`)
	a, _ := newApp(t, b)

	id, err := a.Login(context.Background(), apptest.Token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "me" || id.Name != "Me" {
		t.Fatalf("identity %+v", id)
	}
	b.WaitConnected(t)
	if a.Channel() == nil || a.Channel().State() != realtime.Connected {
		t.Fatal("channel not connected")
	}
	apptest.Eventually(t, func() bool { return a.Unread.Count("p1") == 2 }, "unread not synced on connect")

	snap := a.Presence.Snapshot()
	if len(snap) != 1 || snap[0].UserID != "p1" {
		t.Fatalf("presence %+v", snap)
	}
	if g, ok := a.Groups.Get("g1"); !ok || g.Name != "Family" {
		t.Fatal("groups not loaded")
	}
	if st := a.Status(); !st.LoggedIn || st.Channel != "connected" {
		t.Fatalf("status %+v", st)
	}
}

func TestInboundMessageFromActivePeerIsMarkedRead(t *testing.T) {
	b := apptest.New(t)
	a, _ := newApp(t, b)
	if _, err := a.Login(context.Background(), apptest.Token); err != nil {
		t.Fatal(err)
	}
	b.WaitConnected(t)

	b.Push(t, realtime.EventReceiveMessage, models.Message{Sender: "p2", Receiver: "me", Content: "hi"})
	apptest.Eventually(t, func() bool { return a.Unread.Count("p2") == 1 }, "message not counted")

	if err := a.OpenConversation(context.Background(), "p2"); err != nil {
		t.Fatal(err)
	}
	if a.Unread.Count("p2") != 0 {
		t.Fatal("opening conversation did not mark read")
	}

	b.Push(t, realtime.EventReceiveMessage, models.Message{Sender: "p2", Receiver: "me", Content: "again"})
	apptest.Eventually(t, func() bool { return len(b.Marks()) == 2 }, "active sender not marked read")
	if a.Unread.Count("p2") != 0 {
		t.Fatal("active sender counted")
	}
}

func TestSendMessageStoresThenRelays(t *testing.T) {
	b := apptest.New(t)
	a, _ := newApp(t, b)
	if _, err := a.Login(context.Background(), apptest.Token); err != nil {
		t.Fatal(err)
	}
	b.WaitConnected(t)

	msg, err := a.SendMessage(context.Background(), "p1", "on my way")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Sender != "me" || msg.Receiver != "p1" {
		t.Fatalf("message %+v", msg)
	}
	ev := b.Next(t, realtime.EventSendMessage)
	if len(ev.Data) == 0 {
		t.Fatal("empty relay payload")
	}
	history, err := a.Conversation(context.Background(), "p1")
	if err != nil || len(history) != 1 {
		t.Fatalf("history %v err %v", history, err)
	}
	if _, err := a.SendMessage(context.Background(), "p1", "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v", err)
	}
}

func TestTriggerAlertReachesServer(t *testing.T) {
	b := apptest.New(t)
	a, _ := newApp(t, b)
	if _, err := a.Login(context.Background(), apptest.Token); err != nil {
		t.Fatal(err)
	}
	b.WaitConnected(t)

	if _, err := a.Alerts.Trigger(context.Background()); err != nil {
		t.Fatal(err)
	}
	ev := b.Next(t, realtime.EventEmergencyAlert)
	if len(ev.Data) == 0 {
		t.Fatal("alert without payload")
	}
}

func TestLogoutDetachesEverything(t *testing.T) {
	b := apptest.New(t)
	a, s := newApp(t, b)
	if _, err := a.Login(context.Background(), apptest.Token); err != nil {
		t.Fatal(err)
	}
	b.WaitConnected(t)
	if err := a.Location.StartSharing(); err != nil {
		t.Fatal(err)
	}
	ch := a.Channel()

	a.Logout()
	a.Logout()

	if a.Channel() != nil || s.Valid() || a.Location.Sharing() {
		t.Fatal("session not torn down")
	}
	for _, ev := range []string{
		realtime.EventReceiveMessage, realtime.EventNearbyUsersUpdate, realtime.EventLocationUpdated,
		realtime.EventEmergencyAlert, realtime.EventConnect, realtime.EventGroupUpdated,
	} {
		if ch.Count(ev) != 0 {
			t.Fatalf("handler for %s leaked", ev)
		}
	}
	if err := ch.Emit(realtime.EventUpdateLocation, nil); !errors.Is(err, realtime.ErrClosed) {
		t.Fatalf("emit after logout: %v", err)
	}
}

func TestRejectedCredentialTearsDown(t *testing.T) {
	b := apptest.New(t)
	a, s := newApp(t, b)
	if _, err := a.Login(context.Background(), apptest.Token); err != nil {
		t.Fatal(err)
	}
	b.WaitConnected(t)

	b.RejectAll()
	_, err := a.Presence.Refresh(context.Background())
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
	if s.Valid() {
		t.Fatal("credential kept after 401")
	}
	apptest.Eventually(t, func() bool { return a.Channel() == nil }, "channel kept after 401")
}

func TestConcurrentLoginsLeaveOneSession(t *testing.T) {
	b := apptest.New(t)
	a, _ := newApp(t, b)

	for i := 0; i < 20; i++ {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j := range errs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, errs[j] = a.Login(context.Background(), apptest.Token)
			}(j)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				t.Fatalf("round %d: login failed: %v", i, err)
			}
		}
		ch := a.Channel()
		if ch == nil || ch.State() != realtime.Connected {
			t.Fatalf("round %d: no connected channel", i)
		}
		if n := ch.Count(realtime.EventReceiveMessage); n != 1 {
			t.Fatalf("round %d: %d receiveMessage handlers", i, n)
		}
		apptest.Eventually(t, func() bool { return b.OpenSockets() == 1 }, "stale sockets left open")
	}
}

func TestLoginWithoutCredential(t *testing.T) {
	b := apptest.New(t)
	a, _ := newApp(t, b)
	if _, err := a.Login(context.Background(), ""); !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("err = %v", err)
	}
}
