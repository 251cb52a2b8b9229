// Package app owns the session lifecycle. Login builds the realtime channel,
// attaches every service to it and connects; logout, or an invalidated
// credential, tears all of it down. At most one channel exists at a time.
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/safety-net/internal/alert"
	"github.com/example/safety-net/internal/api"
	"github.com/example/safety-net/internal/auth"
	"github.com/example/safety-net/internal/geo"
	"github.com/example/safety-net/internal/groups"
	"github.com/example/safety-net/internal/location"
	"github.com/example/safety-net/internal/logging"
	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/notify"
	"github.com/example/safety-net/internal/presence"
	"github.com/example/safety-net/internal/realtime"
	"github.com/example/safety-net/internal/storage"
	"github.com/example/safety-net/internal/unread"
)

// Publisher receives location samples and alerts for auditing.
type Publisher interface {
	location.Publisher
	alert.Publisher
}

type Options struct {
	Session  *auth.Session
	API      *api.Client
	Sensor   *geo.Sensor
	Index    geo.Index
	Notifier notify.Notifier
	Cue      notify.Cue
	Store    storage.AlertStore
	// Publisher is optional.
	Publisher Publisher
	Logger    *slog.Logger

	RealtimeURL    string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer

	Threshold    float64
	MaxAttempts  int
	InitialDelay time.Duration
	CallTimeout  time.Duration
}

var ErrNotLoggedIn = errors.New("app: not logged in")

type App struct {
	Presence *presence.Service
	Location *location.Reporter
	Unread   *unread.Tracker
	Alerts   *alert.Dispatcher
	Groups   *groups.Roster

	session *auth.Session
	api     *api.Client
	opts    Options
	logger  *slog.Logger

	// lifecycle serializes Login, Logout, Close and invalidation teardown.
	lifecycle sync.Mutex
	gen       atomic.Uint64

	mu      sync.Mutex
	channel *realtime.Channel
}

func New(opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Logger: opts.Logger}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	s := opts.Session
	self := s.UserID

	a := &App{session: s, api: opts.API, opts: opts, logger: logging.Component(opts.Logger, "app")}

	a.Presence = presence.NewService(presence.Config{
		API:            opts.API,
		Self:           self,
		Index:          opts.Index,
		Logger:         logging.Component(opts.Logger, "presence"),
		RefreshTimeout: opts.CallTimeout,
	})

	var pub location.Publisher
	var alertPub alert.Publisher
	if opts.Publisher != nil {
		pub, alertPub = opts.Publisher, opts.Publisher
	}
	a.Location = location.NewReporter(location.Config{
		Sensor:       opts.Sensor,
		API:          opts.API,
		Visibility:   a.Presence,
		Sink:         a.Presence,
		Publisher:    pub,
		Notifier:     opts.Notifier,
		Self:         self,
		Logger:       logging.Component(opts.Logger, "location"),
		Threshold:    opts.Threshold,
		MaxAttempts:  opts.MaxAttempts,
		InitialDelay: opts.InitialDelay,
		SendTimeout:  opts.CallTimeout,
	})
	a.Presence.SetSharer(a.Location)

	a.Unread = unread.NewTracker(unread.Config{
		API:      opts.API,
		Notifier: opts.Notifier,
		Logger:   logging.Component(opts.Logger, "unread"),
		Timeout:  opts.CallTimeout,
	})
	a.Alerts = alert.NewDispatcher(alert.Config{
		Sensor:       opts.Sensor,
		Identity:     s.Identity,
		Notifier:     opts.Notifier,
		Cue:          opts.Cue,
		Store:        opts.Store,
		Publisher:    alertPub,
		Logger:       logging.Component(opts.Logger, "alert"),
		MaxAttempts:  opts.MaxAttempts,
		InitialDelay: opts.InitialDelay,
		Timeout:      opts.CallTimeout,
	})
	a.Groups = groups.NewRoster(opts.API, logging.Component(opts.Logger, "groups"))

	// Invalidation can fire from a service goroutine that teardown waits
	// on, so it must not tear down synchronously. A session created by a
	// later Login is left alone.
	s.OnInvalidate(func() {
		gen := a.gen.Load()
		go func() {
			a.lifecycle.Lock()
			defer a.lifecycle.Unlock()
			if a.gen.Load() != gen {
				return
			}
			a.logger.Error("session invalidated, tearing down")
			a.teardown()
		}()
	})
	return a
}

// Login authenticates with token (or the session's current credential when
// token is empty), replaces any existing channel and connects the new one.
func (a *App) Login(ctx context.Context, token string) (auth.Identity, error) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if token != "" {
		a.session.SetCredential(token)
	}
	cred, err := a.session.Credential()
	if err != nil {
		return auth.Identity{}, err
	}
	id, err := a.api.Me(ctx)
	if err != nil {
		return auth.Identity{}, err
	}
	a.session.SetIdentity(id)

	a.teardown()

	ch := realtime.NewChannel(realtime.Options{
		URL:            a.opts.RealtimeURL,
		ReconnectDelay: a.opts.ReconnectDelay,
		Dialer:         a.opts.Dialer,
		Credential:     a.session.Credential,
		Logger:         logging.Component(a.opts.Logger, "realtime"),
	})
	a.Presence.Attach(ch)
	a.Unread.Attach(ch)
	a.Alerts.Attach(ch)
	a.Groups.Attach(ch)
	a.Location.SetBus(ch)

	a.mu.Lock()
	a.channel = ch
	a.mu.Unlock()
	a.gen.Add(1)

	if err := ch.Connect(ctx, cred); err != nil {
		a.teardown()
		return auth.Identity{}, err
	}
	a.logger.Info("logged in", "user_id", id.UserID)

	if err := a.Groups.Load(ctx); err != nil {
		a.logger.Warn("initial group load failed", "error", err)
	}
	if _, err := a.Presence.Refresh(ctx); err != nil {
		a.logger.Warn("initial presence refresh failed", "error", err)
	}
	return id, nil
}

// Logout tears the session down and clears the credential.
func (a *App) Logout() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.teardown()
	a.session.Invalidate()
	a.logger.Info("logged out")
}

// Close tears the session down but keeps the credential.
func (a *App) Close() {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.teardown()
}

// teardown must be called with a.lifecycle held. a.mu is released before
// detaching so service goroutines can still read the channel.
func (a *App) teardown() {
	a.mu.Lock()
	ch := a.channel
	a.channel = nil
	a.mu.Unlock()
	if ch == nil {
		return
	}

	a.Location.StopSharing()
	a.Location.SetBus(nil)
	a.Groups.Detach()
	a.Alerts.Detach()
	a.Unread.Detach()
	a.Presence.Detach()
	_ = ch.Close()

	a.Presence.OnPush(nil)
	a.Unread.Reset()
}

// Status is the session summary reported to the UI.
type Status struct {
	LoggedIn bool             `json:"logged_in"`
	UserID   string           `json:"user_id,omitempty"`
	Name     string           `json:"name,omitempty"`
	Channel  string           `json:"channel"`
	Sharing  bool             `json:"sharing"`
	Hidden   bool             `json:"hidden"`
	Position *models.Position `json:"position,omitempty"`
}

func (a *App) Status() Status {
	id := a.session.Identity()
	st := Status{
		LoggedIn: a.session.Valid() && a.Channel() != nil,
		UserID:   id.UserID,
		Name:     id.Name,
		Channel:  realtime.Disconnected.String(),
		Sharing:  a.Location.Sharing(),
		Hidden:   a.Presence.Hidden(),
	}
	if ch := a.Channel(); ch != nil {
		st.Channel = ch.State().String()
	}
	if p, ok := a.Presence.Position(); ok {
		st.Position = &p
	}
	return st
}

// Channel returns the live channel, nil when logged out.
func (a *App) Channel() *realtime.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel
}
