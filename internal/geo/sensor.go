package geo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/observability"
)

const (
	DefaultMaxAttempts   = 3
	DefaultInitialDelay  = time.Second
	DefaultSampleTimeout = 5 * time.Second
)

// Options mirror the knobs of a platform position API.
type Options struct {
	HighAccuracy bool
	MaximumAge   time.Duration
	Timeout      time.Duration
}

// Source is the platform position-reporting primitive. WatchPosition must
// keep invoking its callbacks until the returned stop func is called.
type Source interface {
	CurrentPosition(ctx context.Context, opts Options) (models.Position, error)
	WatchPosition(opts Options, onSample func(models.Position), onError func(error)) (stop func())
}

// Clock is the timer primitive driving retry delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Sensor wraps a Source with bounded one-shot retries and cancellable watches.
type Sensor struct {
	Source        Source
	Clock         Clock
	SampleTimeout time.Duration
	Logger        *slog.Logger
}

func NewSensor(src Source, sampleTimeout time.Duration, logger *slog.Logger) *Sensor {
	return &Sensor{Source: src, Clock: SystemClock, SampleTimeout: sampleTimeout, Logger: logger}
}

func (s *Sensor) clock() Clock {
	if s.Clock == nil {
		return SystemClock
	}
	return s.Clock
}

func (s *Sensor) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Sensor) options() Options {
	timeout := s.SampleTimeout
	if timeout <= 0 {
		timeout = DefaultSampleTimeout
	}
	return Options{HighAccuracy: true, MaximumAge: 0, Timeout: timeout}
}

// backoff is the acquisition state machine: attempt counter plus the delay
// to wait before the next attempt. The first attempt never waits.
type backoff struct {
	attempt int
	max     int
	delay   time.Duration
}

func (b *backoff) next() (time.Duration, bool) {
	if b.attempt >= b.max {
		return 0, false
	}
	b.attempt++
	if b.attempt == 1 {
		return 0, true
	}
	wait := b.delay
	b.delay *= 2
	return wait, true
}

// AcquireOnce requests a single high-accuracy position, retrying failed
// attempts with a doubling delay. Non-positive arguments select the defaults
// (3 attempts, 1s). The returned error is always a *Error carrying the
// category of the last failure.
func (s *Sensor) AcquireOnce(ctx context.Context, maxAttempts int, initialDelay time.Duration) (models.Position, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	bo := &backoff{max: maxAttempts, delay: initialDelay}
	var last *Error
	for {
		wait, ok := bo.next()
		if !ok {
			return models.Position{}, last
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return models.Position{}, AsError(ctx.Err())
			case <-s.clock().After(wait):
			}
		}
		pos, err := s.sample(ctx)
		if err == nil {
			observability.GeoAttemptsTotal.WithLabelValues("ok").Inc()
			return pos, nil
		}
		last = AsError(err)
		observability.GeoAttemptsTotal.WithLabelValues(last.Code.String()).Inc()
		s.logger().Warn("position attempt failed", "attempt", bo.attempt, "max_attempts", bo.max, "code", last.Code.String(), "error", last.Err)
		if ctx.Err() != nil {
			return models.Position{}, AsError(ctx.Err())
		}
	}
}

func (s *Sensor) sample(ctx context.Context) (models.Position, error) {
	opts := s.options()
	sctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	pos, err := s.Source.CurrentPosition(sctx, opts)
	if err != nil {
		if sctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return models.Position{}, NewError(Timeout, err)
		}
		return models.Position{}, err
	}
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = s.clock().Now()
	}
	return pos, nil
}

// WatchHandle cancels a running watch. Cancel is idempotent; once it returns
// no callback of the watch runs again. Cancel must not be called from inside
// the watch's own callbacks.
type WatchHandle struct {
	mu        sync.Mutex
	cancelled bool
	stop      func()
	once      sync.Once
	done      chan struct{}
}

func (h *WatchHandle) Cancel() {
	h.once.Do(func() {
		h.mu.Lock()
		h.cancelled = true
		stop := h.stop
		h.stop = nil
		h.mu.Unlock()
		if stop != nil {
			stop()
		}
		close(h.done)
	})
}

// Done is closed once the watch has been cancelled.
func (h *WatchHandle) Done() <-chan struct{} { return h.done }

// guard runs fn unless the handle is cancelled, holding the handle lock so
// Cancel waits for an in-flight callback.
func (h *WatchHandle) guard(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	fn()
}

// Watch starts continuous sampling. Errors are reported to onError and the
// watch keeps running; there is no retry inside a watch. The watch ends when
// the handle is cancelled or ctx is done.
func (s *Sensor) Watch(ctx context.Context, onSample func(models.Position), onError func(*Error)) *WatchHandle {
	h := &WatchHandle{done: make(chan struct{})}
	clk := s.clock()
	sample := func(p models.Position) {
		h.guard(func() {
			if p.CapturedAt.IsZero() {
				p.CapturedAt = clk.Now()
			}
			if onSample != nil {
				onSample(p)
			}
		})
	}
	fail := func(err error) {
		h.guard(func() {
			ge := AsError(err)
			observability.GeoAttemptsTotal.WithLabelValues(ge.Code.String()).Inc()
			if onError != nil {
				onError(ge)
			}
		})
	}

	stop := s.Source.WatchPosition(s.options(), sample, fail)
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		stop()
		return h
	}
	h.stop = stop
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.done:
		}
	}()
	return h
}
