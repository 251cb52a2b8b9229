package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/safety-net/internal/models"
)

type failing struct{}

func (failing) Notify(context.Context, models.Notice) error { return errors.New("down") }

type recorder struct{ got []models.Notice }

func (r *recorder) Notify(_ context.Context, n models.Notice) error {
	r.got = append(r.got, n)
	return nil
}

func TestMultiDeliversPastFailures(t *testing.T) {
	rec := &recorder{}
	err := Multi{failing{}, rec}.Notify(context.Background(), models.Notice{Kind: models.NoticeInfo, Message: "hi"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(rec.got) != 1 {
		t.Fatal("second notifier skipped")
	}
}

func TestBellCueWritesBell(t *testing.T) {
	var buf bytes.Buffer
	if err := NewBellCue(&buf).Play(context.Background()); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "\a" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestNoticeCueEmitsCueKind(t *testing.T) {
	rec := &recorder{}
	if err := (Cues{NoticeCue{Notifier: rec}}).Play(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.got) != 1 || rec.got[0].Kind != models.NoticeCue {
		t.Fatalf("unexpected %+v", rec.got)
	}
}

func TestWebhookPostsAlertsOnly(t *testing.T) {
	var hits int
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		auth = r.Header.Get("Authorization")
		var body map[string]models.Notice
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["notice"].Message != "help" {
			t.Errorf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "k")
	if err := wh.Notify(context.Background(), models.Notice{Kind: models.NoticeInfo}); err != nil {
		t.Fatal(err)
	}
	if err := wh.Notify(context.Background(), models.Notice{Kind: models.NoticeAlert, Message: "help"}); err != nil {
		t.Fatal(err)
	}
	if hits != 1 || auth != "Bearer k" {
		t.Fatalf("hits=%d auth=%q", hits, auth)
	}
}

func TestWebhookStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewWebhook(srv.URL, "").Notify(context.Background(), models.Notice{Kind: models.NoticeAlert}); err == nil {
		t.Fatal("expected error")
	}
}

func TestHubBroadcastsToSocket(t *testing.T) {
	hub := NewHub(nil, func(*http.Request) bool { return true })
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Len() != 1 {
		t.Fatal("session not registered")
	}
	if err := hub.Notify(context.Background(), models.Notice{Kind: models.NoticeAlert, Message: "help", PeerID: "u1"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Notice
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != models.NoticeAlert || got.PeerID != "u1" || got.At.IsZero() {
		t.Fatalf("unexpected notice %+v", got)
	}
}
