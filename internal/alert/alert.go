// Package alert sends and receives emergency alerts.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/safety-net/internal/auth"
	"github.com/example/safety-net/internal/geo"
	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/notify"
	"github.com/example/safety-net/internal/observability"
	"github.com/example/safety-net/internal/realtime"
	"github.com/example/safety-net/internal/storage"
)

var ErrNoSensor = errors.New("alert: no sensor configured")

// Publisher receives a copy of every alert sent or surfaced.
type Publisher interface {
	PublishAlert(ctx context.Context, a models.AlertEvent) error
}

// Payload is the emergencyAlert event body.
type Payload struct {
	ID       string    `json:"id,omitempty"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	IssuedAt time.Time `json:"issuedAt,omitempty"`
}

func PayloadOf(a models.AlertEvent) Payload {
	return Payload{ID: a.ID, UserID: a.OriginatorID, UserName: a.OriginatorName, Lat: a.Position.Lat, Lng: a.Position.Lng, IssuedAt: a.IssuedAt}
}

func (p Payload) Event() models.AlertEvent {
	issued := p.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	return models.AlertEvent{
		ID:             p.ID,
		OriginatorID:   p.UserID,
		OriginatorName: p.UserName,
		Position:       models.Position{Lat: p.Lat, Lng: p.Lng, CapturedAt: issued},
		IssuedAt:       issued,
	}
}

type Config struct {
	Sensor       *geo.Sensor
	Identity     func() auth.Identity
	Notifier     notify.Notifier
	Cue          notify.Cue
	Store        storage.AlertStore
	Publisher    Publisher
	Logger       *slog.Logger
	MaxAttempts  int
	InitialDelay time.Duration
	// Timeout bounds work started by inbound alerts.
	Timeout time.Duration
}

type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	bus    realtime.Bus
	h      *realtime.Handler
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogNotifier{Logger: cfg.Logger}
	}
	if cfg.Cue == nil {
		cfg.Cue = notify.Cues{}
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Identity == nil {
		cfg.Identity = func() auth.Identity { return auth.Identity{} }
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{cfg: cfg, logger: cfg.Logger}
}

// Trigger acquires the local position and broadcasts an alert carrying it.
// When no position can be acquired the category message is surfaced and
// nothing is emitted.
func (d *Dispatcher) Trigger(ctx context.Context) (models.AlertEvent, error) {
	if d.cfg.Sensor == nil {
		observability.AlertsTotal.WithLabelValues("out", "no_sensor").Inc()
		d.logger.Warn("alert not sent, no sensor configured")
		d.surface(ctx, models.Notice{Kind: models.NoticeError, Message: "Could not send emergency alert"})
		return models.AlertEvent{}, ErrNoSensor
	}
	pos, err := d.cfg.Sensor.AcquireOnce(ctx, d.cfg.MaxAttempts, d.cfg.InitialDelay)
	if err != nil {
		ge := geo.AsError(err)
		observability.AlertsTotal.WithLabelValues("out", "geo_"+ge.Code.String()).Inc()
		d.logger.Warn("alert not sent, no position", "code", ge.Code.String(), "error", ge.Err)
		d.surface(ctx, models.Notice{Kind: models.NoticeError, Message: ge.UserMessage(), Data: map[string]any{"code": ge.Code.String()}})
		return models.AlertEvent{}, ge
	}

	id := d.cfg.Identity()
	a := models.AlertEvent{
		ID:             uuid.NewString(),
		OriginatorID:   id.UserID,
		OriginatorName: id.Name,
		Position:       pos,
		IssuedAt:       time.Now(),
	}

	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		err = realtime.ErrNotConnected
	} else {
		err = bus.Emit(realtime.EventEmergencyAlert, PayloadOf(a))
	}
	if err != nil {
		observability.AlertsTotal.WithLabelValues("out", "send_failed").Inc()
		d.logger.Warn("alert emit failed", "alert_id", a.ID, "error", err)
		d.surface(ctx, models.Notice{Kind: models.NoticeError, Message: "Could not send emergency alert"})
		return models.AlertEvent{}, err
	}

	observability.AlertsTotal.WithLabelValues("out", "sent").Inc()
	d.logger.Info("emergency alert sent", "alert_id", a.ID, "lat", a.Position.Lat, "lng", a.Position.Lng)
	d.play(ctx)
	d.surface(ctx, models.Notice{Kind: models.NoticeInfo, Message: "Emergency alert sent", Position: &a.Position})
	d.record(ctx, a)
	return a, nil
}

// OnReceive surfaces an inbound alert. Alerts the local user originated are
// discarded without a notice or cue. It reports whether the alert was shown.
func (d *Dispatcher) OnReceive(ctx context.Context, a models.AlertEvent) bool {
	if self := d.cfg.Identity().UserID; self != "" && a.OriginatorID == self {
		observability.AlertsTotal.WithLabelValues("in", "self").Inc()
		d.logger.Debug("own alert echo dropped", "alert_id", a.ID)
		return false
	}
	observability.AlertsTotal.WithLabelValues("in", "surfaced").Inc()
	name := a.OriginatorName
	if name == "" {
		name = a.OriginatorID
	}
	d.logger.Warn("emergency alert received", "peer_id", a.OriginatorID, "lat", a.Position.Lat, "lng", a.Position.Lng)
	d.play(ctx)
	pos := a.Position
	d.surface(ctx, models.Notice{
		Kind:     models.NoticeAlert,
		Message:  fmt.Sprintf("Emergency alert from %s", name),
		PeerID:   a.OriginatorID,
		Position: &pos,
		Data:     map[string]any{"alert_id": a.ID, "user_name": a.OriginatorName},
	})
	d.record(ctx, a)
	return true
}

// Alerts lists the local alert log, newest first.
func (d *Dispatcher) Alerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	return d.cfg.Store.ListAlerts(ctx, limit)
}

func (d *Dispatcher) record(ctx context.Context, a models.AlertEvent) {
	storage.EnsureID(&a)
	if err := d.cfg.Store.SaveAlert(ctx, a); err != nil {
		d.logger.Warn("alert not stored", "alert_id", a.ID, "error", err)
	}
	if d.cfg.Publisher != nil {
		if err := d.cfg.Publisher.PublishAlert(ctx, a); err != nil {
			d.logger.Warn("alert audit publish failed", "alert_id", a.ID, "error", err)
		}
	}
}

func (d *Dispatcher) play(ctx context.Context) {
	if err := d.cfg.Cue.Play(ctx); err != nil {
		d.logger.Debug("alert cue failed", "error", err)
	}
}

func (d *Dispatcher) surface(ctx context.Context, n models.Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	if err := d.cfg.Notifier.Notify(ctx, n); err != nil {
		d.logger.Debug("notice not delivered", "error", err)
	}
}

// Attach registers the emergencyAlert handler on bus and makes bus the
// target of Trigger.
func (d *Dispatcher) Attach(bus realtime.Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.bus = bus
	d.cancel = cancel
	d.h = realtime.NewHandler(func(data json.RawMessage) {
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
			d.logger.Warn("invalid emergencyAlert payload", "error", err)
			return
		}
		d.mu.Lock()
		if d.cancel == nil {
			d.mu.Unlock()
			return
		}
		d.wg.Add(1)
		d.mu.Unlock()
		go func() {
			defer d.wg.Done()
			c, done := context.WithTimeout(ctx, d.cfg.Timeout)
			defer done()
			d.OnReceive(c, p.Event())
		}()
	})
	h := d.h
	d.mu.Unlock()
	bus.On(realtime.EventEmergencyAlert, h)
}

func (d *Dispatcher) Detach() {
	d.mu.Lock()
	bus, h, cancel := d.bus, d.h, d.cancel
	d.bus, d.h, d.cancel = nil, nil, nil
	d.mu.Unlock()
	if bus == nil {
		return
	}
	bus.Off(realtime.EventEmergencyAlert, h)
	cancel()
	d.wg.Wait()
}
