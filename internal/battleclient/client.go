// Package battleclient is the embeddable client half of the battle protocol:
// a reconnecting websocket channel plus a duelist that runs the
// synchronization machine over it.
package battleclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"quizduel/internal/obslog"
	"quizduel/pkg/battledto"
)

// ConnState tracks the channel lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type (
	EnvelopeCallback func(battledto.Envelope)
	StateCallback    func(ConnState)

	// HeaderProvider injects handshake headers, e.g. auth tokens.
	HeaderProvider func() map[string]string
)

type envelopeCbEntry struct {
	id int
	cb EnvelopeCallback
}

type stateCbEntry struct {
	id int
	cb StateCallback
}

// Client maintains one websocket to the battle server with bounded
// reconnection. Callbacks fire on the listen goroutine; keep them short.
type Client struct {
	wsURL string

	conn   *websocket.Conn
	state  ConnState
	stateM sync.RWMutex

	envCbs   []envelopeCbEntry
	stateCbs []stateCbEntry
	cbM      sync.RWMutex

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

type Option func(*Client)

func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxReconnectAttempts = maxAttempts
		c.reconnectDelay = delay
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headerProvider = h }
}

func NewClient(wsURL string, opts ...Option) *Client {
	c := &Client{
		wsURL:                wsURL,
		state:                StateDisconnected,
		maxReconnectAttempts: 5,
		reconnectDelay:       time.Second,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	c.stateM.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.stateM.Unlock()
		return nil
	}
	c.stateM.Unlock()

	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.setState(StateConnecting)

	if err := c.dial(ctx); err != nil {
		c.setState(StateFailed)
		c.scheduleReconnect()
		return err
	}
	return nil
}

// dial opens the websocket and starts the listen and ping goroutines.
// Connect and the reconnect loop share this path.
func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		return err
	}

	c.conn = conn
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen()
	go c.pingLoop()
	return nil
}

// Send writes one envelope. Callers are expected to send from a single
// goroutine per client; wsjson.Write is not concurrency-safe.
func (c *Client) Send(ctx context.Context, env battledto.Envelope) error {
	c.stateM.RLock()
	conn, state := c.conn, c.state
	c.stateM.RUnlock()
	if conn == nil || state != StateConnected {
		return errors.New("websocket not connected")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return wsjson.Write(ctx, conn, env)
}

func (c *Client) listen() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.conn == nil {
			return
		}
		var env battledto.Envelope
		if err := wsjson.Read(c.rootCtx, c.conn, &env); err != nil {
			if c.isStopping() {
				return
			}
			c.setState(StateDisconnected)
			_ = c.closeConn(websocket.StatusGoingAway, "reconnect")
			c.scheduleReconnect()
			return
		}

		c.cbM.RLock()
		callbacks := make([]envelopeCbEntry, len(c.envCbs))
		copy(callbacks, c.envCbs)
		c.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.cb != nil {
				entry.cb(env)
			}
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					if c.isStopping() {
						return
					}
					c.setState(StateDisconnected)
					_ = c.closeConn(websocket.StatusGoingAway, "ping failure")
					c.scheduleReconnect()
					failures = 0
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Client) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 {
		return
	}
	c.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.backoff(attempt)):
			}

			if err := c.dial(c.rootCtx); err != nil {
				obslog.L().Debug("battleclient_redial_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			return
		}
		c.setState(StateFailed)
	}()
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.reconnectDelay << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (c *Client) OnEnvelope(cb EnvelopeCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	id := len(c.envCbs) + 1
	c.envCbs = append(c.envCbs, envelopeCbEntry{id: id, cb: cb})
	return id
}

func (c *Client) RemoveEnvelopeCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, entry := range c.envCbs {
		if entry.id == id {
			c.envCbs = append(c.envCbs[:i], c.envCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	id := len(c.stateCbs) + 1
	c.stateCbs = append(c.stateCbs, stateCbEntry{id: id, cb: cb})
	return id
}

func (c *Client) setState(state ConnState) {
	c.stateM.Lock()
	c.state = state
	c.stateM.Unlock()

	c.cbM.RLock()
	callbacks := make([]stateCbEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.cb != nil {
			entry.cb(state)
		}
	}
}

func (c *Client) State() ConnState {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	_ = c.closeConn(websocket.StatusNormalClosure, "close")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if c.rootCancel != nil {
			c.rootCancel()
		}
		return nil
	}
}

func (c *Client) closeConn(code websocket.StatusCode, reason string) error {
	if c.conn == nil {
		return nil
	}
	defer func() { c.conn = nil }()
	return c.conn.Close(code, reason)
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headerProvider == nil {
		return hdr
	}
	for k, v := range c.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
