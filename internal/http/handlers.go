package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/safety-net/internal/alert"
	"github.com/example/safety-net/internal/api"
	"github.com/example/safety-net/internal/app"
	"github.com/example/safety-net/internal/auth"
	"github.com/example/safety-net/internal/geo"
	"github.com/example/safety-net/internal/location"
	"github.com/example/safety-net/internal/realtime"
)

// Server is the local control surface UI event handlers call into.
type Server struct {
	App         *app.App
	Hub         http.Handler
	NearbyLimit int

	logger  *slog.Logger
	mux     *mux.Router
	handler http.Handler
}

type Options struct {
	CORSOrigins []string
	NearbyLimit int
	Logger      *slog.Logger
}

func NewServer(a *app.App, hub http.Handler, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NearbyLimit <= 0 {
		opts.NearbyLimit = 20
	}
	s := &Server{App: a, Hub: hub, NearbyLimit: opts.NearbyLimit, logger: opts.Logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.Hub != nil {
		s.mux.Handle("/ws", s.Hub)
	}

	v1 := s.mux.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/session", s.handleStatus).Methods("GET")
	v1.HandleFunc("/session", s.handleLogin).Methods("POST")
	v1.HandleFunc("/session", s.handleLogout).Methods("DELETE")
	v1.HandleFunc("/presence", s.handlePresence).Methods("GET")
	v1.HandleFunc("/presence/refresh", s.handleRefresh).Methods("POST")
	v1.HandleFunc("/visibility", s.handleVisibility).Methods("PUT")
	v1.HandleFunc("/location/share", s.handleStartSharing).Methods("POST")
	v1.HandleFunc("/location/share", s.handleStopSharing).Methods("DELETE")
	v1.HandleFunc("/location/acquire", s.handleAcquire).Methods("POST")
	v1.HandleFunc("/unread", s.handleUnread).Methods("GET")
	v1.HandleFunc("/unread/{peer_id}/read", s.handleMarkRead).Methods("POST")
	v1.HandleFunc("/conversations/active", s.handleActive).Methods("PUT")
	v1.HandleFunc("/messages/{peer_id}", s.handleConversation).Methods("GET")
	v1.HandleFunc("/messages/{peer_id}", s.handleSend).Methods("POST")
	v1.HandleFunc("/groups", s.handleGroups).Methods("GET")
	v1.HandleFunc("/alerts", s.handleTrigger).Methods("POST")
	v1.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.App.Status())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
	}
	if _, err := s.App.Login(r.Context(), body.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.App.Status())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.App.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("closest") {
		writeJSON(w, http.StatusOK, s.App.Presence.Snapshot())
		return
	}
	limit := s.NearbyLimit
	if v := q.Get("closest"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "closest must be a positive integer", 400)
			return
		}
		limit = n
	}
	peers, err := s.App.Presence.Closest(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	peers, err := s.App.Presence.Refresh(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hidden *bool `json:"hidden"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Hidden == nil {
		http.Error(w, "body must be {\"hidden\": bool}", 400)
		return
	}
	if err := s.App.Presence.SetHidden(r.Context(), *body.Hidden); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartSharing(w http.ResponseWriter, r *http.Request) {
	if err := s.App.Location.StartSharing(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopSharing(w http.ResponseWriter, r *http.Request) {
	s.App.Location.StopSharing()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	pos, err := s.App.Location.RequestLocation(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": s.App.Unread.Counts(),
		"active": s.App.Unread.Active(),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.App.Unread.MarkRead(r.Context(), mux.Vars(r)["peer_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.App.OpenConversation(r.Context(), body.PeerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.App.Conversation(r.Context(), mux.Vars(r)["peer_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	msg, err := s.App.SendMessage(r.Context(), mux.Vars(r)["peer_id"], body.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.App.Groups.List())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	a, err := s.App.Alerts.Trigger(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", 400)
			return
		}
		limit = n
	}
	alerts, err := s.App.Alerts.Alerts(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps core errors onto status codes. Geo failures carry the
// category message shown to the user.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := http.StatusInternalServerError, errorBody{Error: err.Error()}
	var ge *geo.Error
	var ne *api.NetworkError
	switch {
	case errors.As(err, &ge):
		status, body = http.StatusServiceUnavailable, errorBody{Error: ge.UserMessage(), Code: ge.Code.String()}
	case errors.Is(err, api.ErrUnauthorized), errors.Is(err, auth.ErrNoCredential),
		errors.Is(err, auth.ErrExpired), errors.Is(err, app.ErrNotLoggedIn):
		status = http.StatusUnauthorized
	case errors.Is(err, app.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, realtime.ErrNotConnected), errors.Is(err, realtime.ErrClosed),
		errors.Is(err, location.ErrNoSensor), errors.Is(err, alert.ErrNoSensor):
		status = http.StatusServiceUnavailable
	case errors.As(err, &ne):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.logger.Warn("request failed", "route", routeTemplate(r), "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
