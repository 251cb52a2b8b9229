// Package location reports the local user's position: one-shot acquisition
// on request, and continuous sharing through a distance gate.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/safety-net/internal/geo"
	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/notify"
	"github.com/example/safety-net/internal/observability"
	"github.com/example/safety-net/internal/realtime"
)

// API is the slice of the REST boundary the reporter uses.
type API interface {
	UpdateLocation(ctx context.Context, pos models.Position) error
}

// Visibility is told to unhide the user after a requested fix is stored.
type Visibility interface {
	SetHidden(ctx context.Context, hidden bool) error
}

// PositionSink records the last reported position.
type PositionSink interface {
	SetPosition(p models.Position)
}

// Publisher receives every reported sample.
type Publisher interface {
	PublishLocation(ctx context.Context, userID string, pos models.Position) error
}

type Config struct {
	Sensor       *geo.Sensor
	API          API
	Visibility   Visibility
	Sink         PositionSink
	Publisher    Publisher
	Notifier     notify.Notifier
	Self         func() string
	Logger       *slog.Logger
	Threshold    float64
	MaxAttempts  int
	InitialDelay time.Duration
	// SendTimeout bounds the REST call for one watch sample.
	SendTimeout time.Duration
}

// updateLocation is the payload of the updateLocation event.
type updateLocation struct {
	UserID string  `json:"userId"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

type Reporter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	bus     realtime.Bus
	sharing *share
}

// share is one running watch plus the worker that sends its samples.
type share struct {
	handle  *geo.WatchHandle
	samples chan models.Position
	cancel  context.CancelFunc
	done    chan struct{}
}

var ErrNoSensor = errors.New("location: no sensor configured")

func NewReporter(cfg Config) *Reporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogNotifier{Logger: cfg.Logger}
	}
	if cfg.Self == nil {
		cfg.Self = func() string { return "" }
	}
	if cfg.Threshold < 0 {
		cfg.Threshold = geo.DefaultThresholdMeters
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Reporter{cfg: cfg, logger: cfg.Logger}
}

// SetBus sets the channel updateLocation events go to. nil detaches.
func (r *Reporter) SetBus(bus realtime.Bus) {
	r.mu.Lock()
	r.bus = bus
	r.mu.Unlock()
}

// RequestLocation acquires one fix, stores it on the server and makes the
// user visible again. A failed acquisition surfaces the category message.
func (r *Reporter) RequestLocation(ctx context.Context) (models.Position, error) {
	if r.cfg.Sensor == nil {
		return models.Position{}, ErrNoSensor
	}
	pos, err := r.cfg.Sensor.AcquireOnce(ctx, r.cfg.MaxAttempts, r.cfg.InitialDelay)
	if err != nil {
		r.surfaceGeo(ctx, err)
		return models.Position{}, err
	}
	if err := r.cfg.API.UpdateLocation(ctx, pos); err != nil {
		r.logger.Warn("location update failed", "error", err)
		r.surface(ctx, models.Notice{Kind: models.NoticeError, Message: "Could not update location"})
		return pos, err
	}
	r.record(ctx, pos)
	if r.cfg.Visibility != nil {
		if err := r.cfg.Visibility.SetHidden(ctx, false); err != nil {
			return pos, err
		}
	}
	r.logger.Info("location acquired", "lat", pos.Lat, "lng", pos.Lng)
	return pos, nil
}

// StartSharing begins continuous sampling. Samples that moved less than the
// threshold since the last reported one are dropped. Calling StartSharing
// while sharing is a no-op.
func (r *Reporter) StartSharing() error {
	if r.cfg.Sensor == nil {
		return ErrNoSensor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sharing != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sh := &share{samples: make(chan models.Position, 1), cancel: cancel, done: make(chan struct{})}
	go r.sendLoop(ctx, sh)

	sh.handle = r.cfg.Sensor.Watch(ctx, func(p models.Position) {
		// keep only the newest pending sample
		select {
		case sh.samples <- p:
		default:
			select {
			case <-sh.samples:
			default:
			}
			select {
			case sh.samples <- p:
			default:
			}
		}
	}, func(e *geo.Error) {
		observability.LocationUpdatesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("location watch error", "code", e.Code.String(), "error", e.Err)
		r.surface(ctx, models.Notice{Kind: models.NoticeError, Message: e.UserMessage(), Data: map[string]any{"code": e.Code.String()}})
	})
	r.sharing = sh
	r.logger.Info("location sharing started")
	return nil
}

func (r *Reporter) sendLoop(ctx context.Context, sh *share) {
	defer close(sh.done)
	gate := geo.NewGate(r.cfg.Threshold)
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-sh.samples:
			if !gate.Accept(p) {
				observability.LocationUpdatesTotal.WithLabelValues("suppressed").Inc()
				continue
			}
			if err := r.send(ctx, p); err != nil {
				gate.Reset()
				observability.LocationUpdatesTotal.WithLabelValues("failed").Inc()
				if ctx.Err() == nil {
					r.logger.Warn("location sample not sent", "error", err)
				}
				continue
			}
			observability.LocationUpdatesTotal.WithLabelValues("sent").Inc()
		}
	}
}

func (r *Reporter) send(ctx context.Context, p models.Position) error {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	if err := r.cfg.API.UpdateLocation(sctx, p); err != nil {
		return err
	}
	r.mu.Lock()
	bus := r.bus
	r.mu.Unlock()
	if bus != nil {
		if err := bus.Emit(realtime.EventUpdateLocation, updateLocation{UserID: r.cfg.Self(), Lat: p.Lat, Lng: p.Lng}); err != nil {
			r.logger.Debug("updateLocation not sent", "error", err)
		}
	}
	r.record(sctx, p)
	return nil
}

// record stores p locally, publishes it, and announces the change.
func (r *Reporter) record(ctx context.Context, p models.Position) {
	if r.cfg.Sink != nil {
		r.cfg.Sink.SetPosition(p)
	}
	if r.cfg.Publisher != nil {
		if err := r.cfg.Publisher.PublishLocation(ctx, r.cfg.Self(), p); err != nil {
			r.logger.Warn("location publish failed", "error", err)
		}
	}
	r.mu.Lock()
	bus := r.bus
	r.mu.Unlock()
	if bus != nil {
		_ = bus.Emit(realtime.EventLocationUpdated, nil)
	}
}

// StopSharing cancels the watch. It is safe to call repeatedly and no
// sample is sent after it returns.
func (r *Reporter) StopSharing() {
	r.mu.Lock()
	sh := r.sharing
	r.sharing = nil
	r.mu.Unlock()
	if sh == nil {
		return
	}
	sh.handle.Cancel()
	sh.cancel()
	<-sh.done
	r.logger.Info("location sharing stopped")
}

func (r *Reporter) Sharing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sharing != nil
}

func (r *Reporter) surfaceGeo(ctx context.Context, err error) {
	ge := geo.AsError(err)
	r.logger.Warn("location acquisition failed", "code", ge.Code.String(), "error", ge.Err)
	r.surface(ctx, models.Notice{Kind: models.NoticeError, Message: ge.UserMessage(), Data: map[string]any{"code": ge.Code.String()}})
}

func (r *Reporter) surface(ctx context.Context, n models.Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	if err := r.cfg.Notifier.Notify(ctx, n); err != nil {
		r.logger.Debug("notice not delivered", "error", err)
	}
}
