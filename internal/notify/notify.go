// Package notify delivers user-visible notices and the alert cue.
package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/observability"
)

// Notifier surfaces a notice to the user. Delivery failures are non-fatal.
type Notifier interface {
	Notify(ctx context.Context, n models.Notice) error
}

// Cue plays the local alert cue.
type Cue interface {
	Play(ctx context.Context) error
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n models.Notice) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Kind {
	case models.NoticeAlert, models.NoticeError:
		level = slog.LevelWarn
	case models.NoticeCue:
		level = slog.LevelDebug
	}
	attrs := []any{"kind", string(n.Kind)}
	if n.PeerID != "" {
		attrs = append(attrs, "peer_id", n.PeerID)
	}
	if n.Position != nil {
		attrs = append(attrs, "lat", n.Position.Lat, "lng", n.Position.Lng)
	}
	logger.Log(ctx, level, n.Message, attrs...)
	return nil
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n models.Notice) error {
	var errs []error
	for _, x := range m {
		if x == nil {
			continue
		}
		if err := x.Notify(ctx, n); err != nil {
			observability.NoticesDropped.Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BellCue rings the terminal bell.
type BellCue struct {
	mu sync.Mutex
	W  io.Writer
}

func NewBellCue(w io.Writer) *BellCue { return &BellCue{W: w} }

func (b *BellCue) Play(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.W, "\a")
	return err
}

// NoticeCue delivers the cue as a NoticeCue notice so attached UIs can play
// their own sound.
type NoticeCue struct {
	Notifier Notifier
}

func (c NoticeCue) Play(ctx context.Context) error {
	return c.Notifier.Notify(ctx, models.Notice{Kind: models.NoticeCue, Message: "alert"})
}

// Cues plays every cue and joins their errors.
type Cues []Cue

func (cs Cues) Play(ctx context.Context) error {
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Play(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
