package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/safety-net/internal/auth"
	"github.com/example/safety-net/internal/models"
)

func newTestClient(t *testing.T, r *mux.Router) (*Client, *auth.Session) {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	s := auth.NewSession("tok")
	return NewClient(srv.URL, 2*time.Second, s, nil), s
}

func TestNearbySendsPositionAndBearer(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/auth/nearby", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(401)
			return
		}
		if req.URL.Query().Get("lat") != "1.5" || req.URL.Query().Get("lng") != "-2.25" {
			http.Error(w, "bad query", 400)
			return
		}
		w.Write([]byte(`[{"_id":"p1","name":"Bo","location":{"type":"Point","coordinates":[-2.25,1.5]},"locationHidden":false}]`))
	}).Methods("GET")
	c, _ := newTestClient(t, r)

	peers, err := c.Nearby(context.Background(), &models.Position{Lat: 1.5, Lng: -2.25})
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].UserID != "p1" || peers[0].DisplayName != "Bo" {
		t.Fatalf("unexpected peers %+v", peers)
	}
	if peers[0].Position.Lat != 1.5 || peers[0].Position.Lng != -2.25 {
		t.Fatalf("coordinates not mapped from [lng, lat]: %+v", peers[0].Position)
	}
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/messages/unread", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "token is not valid", http.StatusUnauthorized)
	})
	c, s := newTestClient(t, r)
	invalidated := false
	s.OnInvalidate(func() { invalidated = true })

	_, err := c.Unread(context.Background())
	var ae *AuthError
	if !errors.As(err, &ae) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if !invalidated || s.Valid() {
		t.Fatal("session should be invalidated")
	}
	if _, err := c.Unread(context.Background()); !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("expected no credential after invalidation, got %v", err)
	}
}

func TestServerErrorIsNetworkError(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/messages/mark-read/{peer}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}).Methods("PUT")
	c, s := newTestClient(t, r)

	err := c.MarkRead(context.Background(), "p1")
	var ne *NetworkError
	if !errors.As(err, &ne) || ne.Status != 500 {
		t.Fatalf("expected NetworkError 500, got %v", err)
	}
	if !s.Valid() {
		t.Fatal("server errors must not invalidate the session")
	}
}

func TestMarkReadAndHidden(t *testing.T) {
	var marked string
	var hidden *bool
	r := mux.NewRouter()
	r.HandleFunc("/api/messages/mark-read/{peer}", func(w http.ResponseWriter, req *http.Request) {
		marked = mux.Vars(req)["peer"]
		w.WriteHeader(204)
	}).Methods("PUT")
	r.HandleFunc("/api/auth/locationHidden", func(w http.ResponseWriter, req *http.Request) {
		var b struct {
			LocationHidden bool `json:"locationHidden"`
		}
		_ = json.NewDecoder(req.Body).Decode(&b)
		hidden = &b.LocationHidden
		w.Write([]byte(`{"msg":"ok"}`))
	}).Methods("PUT")
	c, _ := newTestClient(t, r)

	if err := c.MarkRead(context.Background(), "p9"); err != nil {
		t.Fatal(err)
	}
	if marked != "p9" {
		t.Fatalf("marked %q", marked)
	}
	if err := c.SetLocationHidden(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if hidden == nil || !*hidden {
		t.Fatal("hidden flag not sent")
	}
}

func TestMeAndUnreadDecode(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/auth", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"_id":"u1","name":"Ada"}`))
	})
	r.HandleFunc("/api/messages/unread", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"p1":2,"p2":0}`))
	})
	c, _ := newTestClient(t, r)

	id, err := c.Me(context.Background())
	if err != nil || id.UserID != "u1" || id.Name != "Ada" {
		t.Fatalf("me: %+v %v", id, err)
	}
	m, err := c.Unread(context.Background())
	if err != nil || m["p1"] != 2 || m["p2"] != 0 {
		t.Fatalf("unread: %v %v", m, err)
	}
}
