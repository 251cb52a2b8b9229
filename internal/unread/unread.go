// Package unread keeps per-peer unread message counters.
//
// Every read-modify-write of a peer's counter, including the mark-read REST
// call, runs while holding that peer's lock. The active-peer check is made
// under the same lock, so an increment and a reset for one peer never
// interleave and no update is lost.
package unread

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/notify"
	"github.com/example/safety-net/internal/observability"
	"github.com/example/safety-net/internal/realtime"
)

// API is the slice of the REST boundary the tracker uses.
type API interface {
	Unread(ctx context.Context) (map[string]int, error)
	MarkRead(ctx context.Context, peerID string) error
}

type Config struct {
	API      API
	Notifier notify.Notifier
	Logger   *slog.Logger
	// Timeout bounds work started by realtime events.
	Timeout time.Duration
}

type Tracker struct {
	api      API
	notifier notify.Notifier
	logger   *slog.Logger
	timeout  time.Duration

	mu     sync.Mutex
	counts map[string]int
	active string
	locks  map[string]chan struct{}

	// Bookkeeping for in-flight syncs: every counter change gets an epoch,
	// and while a sync runs, increments and acknowledged resets are logged
	// per peer so they can be replayed over the server's map.
	epoch      uint64
	generation uint64
	syncing    int
	incs       map[string][]uint64
	resetAt    map[string]uint64

	bus      realtime.Bus
	hMsg     *realtime.Handler
	hConnect *realtime.Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.LogNotifier{Logger: cfg.Logger}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Tracker{
		api:      cfg.API,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		counts:   make(map[string]int),
		locks:    make(map[string]chan struct{}),
		incs:     make(map[string][]uint64),
		resetAt:  make(map[string]uint64),
	}
}

// lock acquires the per-peer lock, giving up when ctx is done.
func (t *Tracker) lock(ctx context.Context, peerID string) (func(), error) {
	t.mu.Lock()
	ch, ok := t.locks[peerID]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[peerID] = ch
	}
	t.mu.Unlock()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Count returns the unread count for peerID.
func (t *Tracker) Count(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[peerID]
}

// Counts returns a copy of every non-zero counter.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Active returns the peer whose conversation is open, or "".
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// increment and clear must be called with the peer lock and t.mu held.
func (t *Tracker) increment(peerID string) int {
	t.epoch++
	if t.syncing > 0 {
		t.incs[peerID] = append(t.incs[peerID], t.epoch)
	}
	t.counts[peerID]++
	return t.counts[peerID]
}

func (t *Tracker) clear(peerID string) {
	t.epoch++
	if t.syncing > 0 {
		t.resetAt[peerID] = t.epoch
		delete(t.incs, peerID)
	}
	delete(t.counts, peerID)
}

// OnMessageReceived applies one inbound message from senderID while
// activePeerID is open. A message from the open conversation is marked read
// instead of counted.
func (t *Tracker) OnMessageReceived(ctx context.Context, senderID, activePeerID string) error {
	unlock, err := t.lock(ctx, senderID)
	if err != nil {
		return err
	}
	defer unlock()
	return t.apply(ctx, senderID, activePeerID)
}

// receive is OnMessageReceived with the tracker's own active peer, read
// under the sender's lock.
func (t *Tracker) receive(ctx context.Context, senderID string) error {
	unlock, err := t.lock(ctx, senderID)
	if err != nil {
		return err
	}
	defer unlock()
	return t.apply(ctx, senderID, t.Active())
}

func (t *Tracker) apply(ctx context.Context, senderID, activePeerID string) error {
	if senderID == activePeerID {
		return t.markReadLocked(ctx, senderID)
	}
	t.mu.Lock()
	n := t.increment(senderID)
	t.mu.Unlock()

	observability.UnreadIncrements.Inc()
	t.logger.Debug("unread incremented", "peer_id", senderID, "count", n)
	t.surface(ctx, models.Notice{
		Kind:    models.NoticeUnread,
		Message: "New message",
		PeerID:  senderID,
		Data:    map[string]any{"count": n},
	})
	return nil
}

// MarkRead resets peerID's counter once the server acknowledges. On failure
// the counter is left unchanged and the error is surfaced and returned.
func (t *Tracker) MarkRead(ctx context.Context, peerID string) error {
	unlock, err := t.lock(ctx, peerID)
	if err != nil {
		return err
	}
	defer unlock()
	return t.markReadLocked(ctx, peerID)
}

func (t *Tracker) markReadLocked(ctx context.Context, peerID string) error {
	if err := t.api.MarkRead(ctx, peerID); err != nil {
		observability.MarkReadTotal.WithLabelValues("error").Inc()
		t.logger.Warn("mark read failed", "peer_id", peerID, "error", err)
		t.surface(ctx, models.Notice{
			Kind:    models.NoticeError,
			Message: "Could not mark messages as read",
			PeerID:  peerID,
		})
		return err
	}
	observability.MarkReadTotal.WithLabelValues("ok").Inc()
	t.mu.Lock()
	t.clear(peerID)
	t.mu.Unlock()
	t.surface(ctx, models.Notice{Kind: models.NoticeUnread, PeerID: peerID, Data: map[string]any{"count": 0}})
	return nil
}

// SetActive opens peerID's conversation ("" closes it) and marks it read
// when its counter is non-zero.
func (t *Tracker) SetActive(ctx context.Context, peerID string) error {
	t.mu.Lock()
	t.active = peerID
	t.mu.Unlock()
	if peerID == "" {
		return nil
	}
	unlock, err := t.lock(ctx, peerID)
	if err != nil {
		return err
	}
	defer unlock()
	if t.Count(peerID) == 0 {
		return nil
	}
	return t.markReadLocked(ctx, peerID)
}

// Sync adopts the server's unread map. Messages counted locally after the
// sync started are added on top of the server's count; a mark-read
// acknowledged after the start wins, keeping only the increments that
// followed it. Unread messages reported for the open conversation are marked
// read.
func (t *Tracker) Sync(ctx context.Context) error {
	t.mu.Lock()
	start, gen := t.epoch, t.generation
	t.syncing++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.syncing--
		if t.syncing == 0 {
			t.incs = make(map[string][]uint64)
			t.resetAt = make(map[string]uint64)
		}
		t.mu.Unlock()
	}()

	remote, err := t.api.Unread(ctx)
	if err != nil {
		t.logger.Warn("unread sync failed", "error", err)
		return err
	}

	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		t.logger.Debug("unread sync discarded after reset")
		return nil
	}
	peers := make(map[string]struct{}, len(remote)+len(t.counts))
	for p := range remote {
		peers[p] = struct{}{}
	}
	for p := range t.counts {
		peers[p] = struct{}{}
	}
	replayed := 0
	for p := range peers {
		if t.resetAt[p] > start {
			replayed++
			continue
		}
		n := remote[p]
		if n < 0 {
			n = 0
		}
		if late := countAfter(t.incs[p], start); late > 0 {
			n += late
			replayed++
		}
		if n == 0 {
			delete(t.counts, p)
		} else {
			t.counts[p] = n
		}
	}
	active := t.active
	pending := t.counts[active]
	t.mu.Unlock()

	t.logger.Info("unread synced", "peers", len(remote), "replayed_local", replayed)
	if active != "" && pending > 0 {
		return t.SetActive(ctx, active)
	}
	return nil
}

func countAfter(epochs []uint64, start uint64) int {
	n := 0
	for _, e := range epochs {
		if e > start {
			n++
		}
	}
	return n
}

// Reset forgets every counter and the open conversation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.epoch++
	t.generation++
	t.counts = make(map[string]int)
	t.incs = make(map[string][]uint64)
	t.resetAt = make(map[string]uint64)
	t.active = ""
	t.mu.Unlock()
}

// Peers returns the ids with a non-zero counter, sorted.
func (t *Tracker) Peers() []string {
	counts := t.Counts()
	out := make([]string, 0, len(counts))
	for p := range counts {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) surface(ctx context.Context, n models.Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	if err := t.notifier.Notify(ctx, n); err != nil {
		t.logger.Debug("notice not delivered", "kind", string(n.Kind), "error", err)
	}
}

// Attach registers the receiveMessage and connect handlers on bus. Every
// connect re-syncs the unread map.
func (t *Tracker) Attach(bus realtime.Bus) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.bus = bus
	t.cancel = cancel
	t.hMsg = realtime.NewHandler(func(data json.RawMessage) {
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Sender == "" {
			t.logger.Warn("invalid receiveMessage payload", "error", err)
			return
		}
		t.spawn(ctx, func(c context.Context) { _ = t.receive(c, msg.Sender) })
	})
	t.hConnect = realtime.NewHandler(func(json.RawMessage) {
		t.spawn(ctx, func(c context.Context) { _ = t.Sync(c) })
	})
	hMsg, hConnect := t.hMsg, t.hConnect
	t.mu.Unlock()

	bus.On(realtime.EventReceiveMessage, hMsg)
	bus.On(realtime.EventConnect, hConnect)
}

func (t *Tracker) spawn(ctx context.Context, fn func(context.Context)) {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		c, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		fn(c)
	}()
}

// Detach removes the handlers Attach added and waits for work they started.
func (t *Tracker) Detach() {
	t.mu.Lock()
	bus, hMsg, hConnect, cancel := t.bus, t.hMsg, t.hConnect, t.cancel
	t.bus, t.hMsg, t.hConnect, t.cancel = nil, nil, nil, nil
	t.mu.Unlock()
	if bus == nil {
		return
	}
	bus.Off(realtime.EventReceiveMessage, hMsg)
	bus.Off(realtime.EventConnect, hConnect)
	cancel()
	t.wg.Wait()
}
