package geo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/safety-net/internal/models"
)

type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

type fakeSource struct {
	mu       sync.Mutex
	calls    int
	failN    int
	err      error
	pos      models.Position
	stops    int
	onSample func(models.Position)
	onError  func(error)
}

func (f *fakeSource) CurrentPosition(ctx context.Context, opts Options) (models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !opts.HighAccuracy || opts.MaximumAge != 0 {
		return models.Position{}, errors.New("expected high accuracy, uncached request")
	}
	if f.failN < 0 || f.calls <= f.failN {
		return models.Position{}, f.err
	}
	return f.pos, nil
}

func (f *fakeSource) WatchPosition(opts Options, onSample func(models.Position), onError func(error)) func() {
	f.mu.Lock()
	f.onSample, f.onError = onSample, onError
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.stops++
		f.mu.Unlock()
	}
}

func (f *fakeSource) emit(p models.Position) {
	f.mu.Lock()
	fn := f.onSample
	f.mu.Unlock()
	fn(p)
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	fn(err)
}

func TestAcquireOnceExhaustsAttempts(t *testing.T) {
	src := &fakeSource{failN: -1, err: NewError(Unavailable, errors.New("no fix"))}
	clk := &fakeClock{}
	s := &Sensor{Source: src, Clock: clk}

	_, err := s.AcquireOnce(context.Background(), 3, 1000*time.Millisecond)
	var ge *Error
	if !errors.As(err, &ge) || ge.Code != Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
	if src.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", src.calls)
	}
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}
	if len(clk.waits) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, clk.waits)
	}
	for i := range want {
		if clk.waits[i] != want[i] {
			t.Fatalf("wait %d: expected %s, got %s", i, want[i], clk.waits[i])
		}
	}
}

func TestAcquireOnceSucceedsAfterRetries(t *testing.T) {
	src := &fakeSource{failN: 2, err: NewError(Timeout, nil), pos: models.Position{Lat: 1, Lng: 2}}
	clk := &fakeClock{}
	s := &Sensor{Source: src, Clock: clk}

	pos, err := s.AcquireOnce(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if pos.Lat != 1 || pos.Lng != 2 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if pos.CapturedAt.IsZero() {
		t.Fatal("expected capture time to be stamped")
	}
	if len(clk.waits) != 2 || clk.waits[0] != DefaultInitialDelay || clk.waits[1] != 2*DefaultInitialDelay {
		t.Fatalf("unexpected waits %v", clk.waits)
	}
}

func TestAcquireOnceUncategorizedError(t *testing.T) {
	src := &fakeSource{failN: -1, err: errors.New("boom")}
	s := &Sensor{Source: src, Clock: &fakeClock{}}
	_, err := s.AcquireOnce(context.Background(), 1, time.Millisecond)
	if CodeOf(err) != Unknown {
		t.Fatalf("expected Unknown, got %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", src.calls)
	}
}

func TestAcquireOnceStopsOnCancel(t *testing.T) {
	src := &fakeSource{failN: -1, err: NewError(Unavailable, nil)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Sensor{Source: src, Clock: &fakeClock{}}
	if _, err := s.AcquireOnce(ctx, 5, time.Millisecond); err == nil {
		t.Fatal("expected error")
	}
	if src.calls > 1 {
		t.Fatalf("expected no retries after cancel, got %d calls", src.calls)
	}
}

func TestWatchCancelIsIdempotentAndSilences(t *testing.T) {
	src := &fakeSource{}
	s := &Sensor{Source: src, Clock: &fakeClock{}}

	var samples, errs int
	h := s.Watch(context.Background(), func(models.Position) { samples++ }, func(*Error) { errs++ })
	src.emit(models.Position{Lat: 1})
	src.fail(NewError(Timeout, nil))
	src.emit(models.Position{Lat: 2})
	if samples != 2 || errs != 1 {
		t.Fatalf("expected 2 samples 1 error, got %d %d", samples, errs)
	}

	h.Cancel()
	h.Cancel()
	if src.stops != 1 {
		t.Fatalf("expected subscription released once, got %d", src.stops)
	}
	src.emit(models.Position{Lat: 3})
	src.fail(errors.New("late"))
	if samples != 2 || errs != 1 {
		t.Fatalf("callbacks ran after cancel: %d %d", samples, errs)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestWatchReleasedOnContextDone(t *testing.T) {
	src := &fakeSource{}
	s := &Sensor{Source: src, Clock: &fakeClock{}}
	ctx, cancel := context.WithCancel(context.Background())
	h := s.Watch(ctx, func(models.Position) {}, nil)
	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("watch not cancelled with context")
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.stops != 1 {
		t.Fatalf("expected subscription released, got %d", src.stops)
	}
}

func TestFixedSourceUnconfigured(t *testing.T) {
	s := &Sensor{Source: &FixedSource{}, Clock: &fakeClock{}}
	_, err := s.AcquireOnce(context.Background(), 2, time.Millisecond)
	if CodeOf(err) != Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestErrorUserMessages(t *testing.T) {
	for _, c := range []Code{PermissionDenied, Unavailable, Timeout, Unknown} {
		if NewError(c, nil).UserMessage() == "" {
			t.Fatalf("empty message for %s", c)
		}
	}
	if CodeOf(context.DeadlineExceeded) != Timeout {
		t.Fatal("deadline should map to Timeout")
	}
}
