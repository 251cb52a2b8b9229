package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/safety-net/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	DefaultReconnectDelay = time.Second
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: channel closed")
)

// ChannelError is a connection-level failure.
type ChannelError struct {
	Op     string
	Status int
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("realtime %s: handshake status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// CredentialFunc supplies the current bearer credential for reconnects.
type CredentialFunc func() (string, error)

type Options struct {
	URL            string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Credential     CredentialFunc
	Logger         *slog.Logger
}

// Channel is one session's realtime connection. Inbound events are delivered
// on a single goroutine in the order the server sent them. After a
// peer-initiated drop of a connected channel a single reconnect is attempted;
// failed handshakes are never retried by the channel itself.
//
// Close must not be called from inside a handler.
type Channel struct {
	*Registry

	url        string
	dialer     *websocket.Dialer
	credential CredentialFunc
	delay      time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	timer  *time.Timer
	closed bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		Registry:   NewRegistry(),
		url:        opts.URL,
		dialer:     opts.Dialer,
		credential: opts.Credential,
		delay:      opts.ReconnectDelay,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with c.mu held.
func (c *Channel) setState(s State) {
	c.state = s
	observability.ChannelState.Set(float64(s))
}

// Connect opens the connection authenticated with credential. It is a no-op
// when the channel is already connecting or connected.
func (c *Channel) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.setState(Connecting)
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.mu.Lock()
		c.setState(Disconnected)
		c.mu.Unlock()
		cerr := &ChannelError{Op: "connect", Err: err}
		if resp != nil {
			cerr.Status = resp.StatusCode
		}
		c.logger.Warn("realtime connect failed", "url", c.url, "status", cerr.Status, "error", err)
		return cerr
	}

	c.mu.Lock()
	if c.closed {
		c.setState(Disconnected)
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.setState(Connected)
	c.wg.Add(1)
	go c.readLoop(conn)
	c.mu.Unlock()

	c.logger.Info("realtime connected", "url", c.url)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	done := make(chan struct{})
	c.wg.Add(1)
	go c.pingLoop(conn, done)
	defer close(done)

	c.Dispatch(EventConnect, nil)
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			c.dropped(conn, err)
			return
		}
		if ev.Name == "" {
			continue
		}
		observability.EventsReceived.WithLabelValues(ev.Name).Inc()
		c.logger.Debug("realtime event", "event", ev.Name)
		c.Dispatch(ev.Name, ev.Data)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer c.wg.Done()
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dropped handles the end of a read loop. A drop of a connected channel that
// was not closed locally schedules one reconnect.
func (c *Channel) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == Connected
	c.conn = nil
	c.setState(Disconnected)
	conn.Close()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if wasConnected {
		c.timer = time.AfterFunc(c.delay, c.reconnect)
	}
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.logger.Warn("realtime connection lost", "error", err)
	} else {
		c.logger.Info("realtime connection closed", "error", err)
	}
	c.Dispatch(EventDisconnect, nil)
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	observability.ChannelReconnects.Inc()
	if c.credential == nil {
		return
	}
	cred, err := c.credential()
	if err != nil {
		c.logger.Warn("realtime reconnect skipped", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	if err := c.Connect(ctx, cred); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("realtime reconnect failed", "error", err)
	}
}

// Emit sends an event at most once. There is no acknowledgement.
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		observability.EventsSent.WithLabelValues(event, "not_connected").Inc()
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(outbound{Name: event, Data: payload}); err != nil {
		observability.EventsSent.WithLabelValues(event, "error").Inc()
		return &ChannelError{Op: "emit " + event, Err: err}
	}
	observability.EventsSent.WithLabelValues(event, "ok").Inc()
	return nil
}

// Close tears the channel down: pending reconnects are cancelled, the
// connection is closed and no handler runs once Close returns. Close is
// idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.setState(Disconnected)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	c.logger.Info("realtime channel closed")
	return nil
}
