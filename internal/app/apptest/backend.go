// Package apptest provides an in-process stand-in for the safety-net
// backend: the REST boundary and the realtime socket on one httptest server.
package apptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Token is the only credential the backend accepts.
const Token = "tok"

type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Backend struct {
	Server *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	recv      chan Event
	accepted  chan struct{}
	marks     []string
	locations int
	hidden    []bool
	messages  []json.RawMessage
	reject    bool
	open      int

	UserID   string
	UserName string
	Unread   map[string]int
	Nearby   string
}

func New(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		recv:     make(chan Event, 32),
		accepted: make(chan struct{}, 4),
		UserID:   "me",
		UserName: "Me",
		Unread:   map[string]int{},
		Nearby:   `[]`,
	}
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(b.auth)
	api.HandleFunc("/auth", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"_id": b.UserID, "name": b.UserName})
	}).Methods("GET")
	api.HandleFunc("/auth/nearby", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		body := b.Nearby
		b.mu.Unlock()
		w.Write([]byte(body))
	}).Methods("GET")
	api.HandleFunc("/auth/location", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		b.locations++
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}).Methods("PUT")
	api.HandleFunc("/auth/locationHidden", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			LocationHidden bool `json:"locationHidden"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		b.mu.Lock()
		b.hidden = append(b.hidden, body.LocationHidden)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}).Methods("PUT")
	api.HandleFunc("/auth/group", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"_id":"g1","name":"Family","members":["me","p1"]}]`))
	}).Methods("GET")
	api.HandleFunc("/messages/unread", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.Unread)
	}).Methods("GET")
	api.HandleFunc("/messages/mark-read/{peer_id}", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		b.marks = append(b.marks, mux.Vars(req)["peer_id"])
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}).Methods("PUT")
	api.HandleFunc("/messages", func(w http.ResponseWriter, req *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(req.Body).Decode(&raw)
		b.mu.Lock()
		b.messages = append(b.messages, raw)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write(raw)
	}).Methods("POST")
	api.HandleFunc("/messages", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		out := make([]json.RawMessage, len(b.messages))
		copy(out, b.messages)
		writeJSON(w, out)
	}).Methods("GET")
	r.HandleFunc("/socket", b.socket)

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

func (b *Backend) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		reject := b.reject
		b.mu.Unlock()
		if reject || req.Header.Get("Authorization") != "Bearer "+Token {
			http.Error(w, "token is not valid", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (b *Backend) socket(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Authorization") != "Bearer "+Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := (&websocket.Upgrader{}).Upgrade(w, req, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.open++
	b.mu.Unlock()
	select {
	case b.accepted <- struct{}{}:
	default:
	}
	go func() {
		defer func() {
			b.mu.Lock()
			b.open--
			b.mu.Unlock()
		}()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			b.recv <- ev
		}
	}()
}

// RejectAll makes every REST call answer 401.
func (b *Backend) RejectAll() {
	b.mu.Lock()
	b.reject = true
	b.mu.Unlock()
}

func (b *Backend) URL() string { return b.Server.URL }

func (b *Backend) SocketURL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/socket"
}

// WaitConnected blocks until the client has opened the socket.
func (b *Backend) WaitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-b.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}
}

// Push sends a server event to the connected client.
func (b *Backend) Push(t *testing.T, name string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	if err := conn.WriteJSON(Event{Name: name, Data: data}); err != nil {
		t.Fatal(err)
	}
}

// Next returns the next event the client emitted with the given name.
func (b *Backend) Next(t *testing.T, name string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-b.recv:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("client did not emit %s", name)
			return Event{}
		}
	}
}

// OpenSockets counts client sockets the server has not seen close.
func (b *Backend) OpenSockets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *Backend) Marks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.marks...)
}

func (b *Backend) Hidden() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.hidden...)
}

func (b *Backend) Locations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locations
}

func (b *Backend) SetNearby(body string) {
	b.mu.Lock()
	b.Nearby = body
	b.mu.Unlock()
}

func (b *Backend) SetUnread(m map[string]int) {
	b.mu.Lock()
	b.Unread = m
	b.mu.Unlock()
}

// Eventually polls cond until it holds or two seconds pass.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
