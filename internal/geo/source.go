package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/safety-net/internal/models"
)

// FixedSource reports a configured position, for headless devices that know
// where they are installed. A FixedSource with Configured false reports
// Unavailable on every request.
type FixedSource struct {
	Lat, Lng   float64
	Configured bool
	Interval   time.Duration
}

var errNoFix = errors.New("no position configured")

func (f *FixedSource) CurrentPosition(ctx context.Context, _ Options) (models.Position, error) {
	if err := ctx.Err(); err != nil {
		return models.Position{}, err
	}
	if !f.Configured {
		return models.Position{}, NewError(Unavailable, errNoFix)
	}
	return models.Position{Lat: f.Lat, Lng: f.Lng, CapturedAt: time.Now()}, nil
}

func (f *FixedSource) WatchPosition(opts Options, onSample func(models.Position), onError func(error)) func() {
	interval := f.Interval
	if interval <= 0 {
		interval = opts.Timeout
	}
	if interval <= 0 {
		interval = DefaultSampleTimeout
	}
	quit := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			pos, err := f.CurrentPosition(context.Background(), opts)
			if err != nil {
				onError(err)
			} else {
				onSample(pos)
			}
			select {
			case <-quit:
				return
			case <-t.C:
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(quit) }) }
}
