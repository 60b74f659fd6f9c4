// Package signaling is the websocket channel that carries call:* events
// between this client and the signaling server.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

var (
	ErrNoIdentity   = errors.New("signaling: no user identity or token")
	ErrClosed       = errors.New("signaling: client closed")
	ErrNotConnected = errors.New("signaling: not connected")
)

const (
	defaultMinBackoff   = 1 * time.Second
	defaultMaxBackoff   = 8 * time.Second
	defaultMaxAttempts  = 10
	defaultPingInterval = 54 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	sendQueue           = 256
	subQueue            = 64
)

// Config describes how to reach the server and as whom.
type Config struct {
	URL    string
	UserID string
	Token  string

	MaxReconnectAttempts int
	MinBackoff           time.Duration
	MaxBackoff           time.Duration

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	Dialer *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxAttempts
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = defaultMaxBackoff
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// conn is one live websocket and its outbound queue.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Client is a reconnecting signaling client. Lifecycle changes are published
// to subscribers as connect, disconnect and connect_error envelopes.
type Client struct {
	cfg Config

	dialMu sync.Mutex // one dial at a time

	mu           sync.Mutex
	cur          *conn
	closed       bool
	reconnecting bool

	available atomic.Bool

	subsMu sync.RWMutex
	subs   map[chan *Envelope]struct{}

	done chan struct{}
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.UserID == "" || cfg.Token == "" {
		return nil, ErrNoIdentity
	}
	if cfg.URL == "" {
		return nil, errors.New("signaling: no server url")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("signaling: bad url: %w", err)
	}
	cfg.applyDefaults()
	return &Client{
		cfg:  cfg,
		subs: make(map[chan *Envelope]struct{}),
		done: make(chan struct{}),
	}, nil
}

// Connect dials once. On failure a connect_error is published and the error
// returned; no background retry is started.
func (c *Client) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if c.available.Load() {
		return nil
	}
	if err := c.dial(ctx); err != nil {
		c.publish(lifecycle(EventConnectError, err))
		return err
	}
	return nil
}

// Ensure connects if the channel is down. It satisfies the call package's
// reconnect-then-proceed contract.
func (c *Client) Ensure(ctx context.Context) error {
	if c.available.Load() {
		return nil
	}
	return c.Connect(ctx)
}

// Available reports whether a connection is currently up.
func (c *Client) Available() bool { return c.available.Load() }

// Send queues one event on the live connection. Events queued by one caller
// are written in order.
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	b, err := Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cur, closed := c.cur, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if cur == nil {
		return ErrNotConnected
	}
	select {
	case cur.send <- b:
		return nil
	case <-cur.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns inbound envelopes and lifecycle events.
func (c *Client) Subscribe() (<-chan *Envelope, func()) {
	ch := make(chan *Envelope, subQueue)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
			c.subsMu.Unlock()
		})
	}
}

// Close drops the connection, stops reconnecting and closes subscribers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cur := c.cur
	c.cur = nil
	close(c.done)
	c.mu.Unlock()

	if cur != nil {
		_ = cur.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		cur.shutdown()
	}
	c.available.Store(false)

	c.subsMu.Lock()
	for ch := range c.subs {
		close(ch)
	}
	c.subs = make(map[chan *Envelope]struct{})
	c.subsMu.Unlock()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// dial opens the socket and starts the pumps. Callers hold dialMu.
func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("userId", c.cfg.UserID)
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.cfg.Token)

	ws, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	cn := &conn{ws: ws, send: make(chan []byte, sendQueue), done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.cur = cn
	c.mu.Unlock()
	c.available.Store(true)

	log.Infof("connected to %s as %s", c.cfg.URL, c.cfg.UserID)
	c.publish(lifecycle(EventConnect, nil))

	go c.writePump(cn)
	go c.readPump(cn)
	return nil
}

func (c *Client) readPump(cn *conn) {
	defer c.dropped(cn)

	cn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, msg, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("read: %v", err)
			}
			return
		}
		env, err := Decode(msg)
		if err != nil {
			log.Warnf("%v", err)
			continue
		}
		c.publish(env)
	}
}

func (c *Client) writePump(cn *conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		cn.shutdown()
	}()

	for {
		select {
		case <-cn.done:
			return
		case msg := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := cn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("write: %v", err)
				return
			}
		case <-ticker.C:
			cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dropped handles the loss of cn and starts the reconnect loop.
func (c *Client) dropped(cn *conn) {
	cn.shutdown()

	c.mu.Lock()
	if c.cur != cn {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	closed := c.closed
	start := !closed && !c.reconnecting
	if start {
		c.reconnecting = true
	}
	c.mu.Unlock()

	c.available.Store(false)
	if closed {
		return
	}
	log.Warnf("disconnected from %s", c.cfg.URL)
	c.publish(lifecycle(EventDisconnect, nil))
	if start {
		go c.reconnect()
	}
}

// reconnect retries with doubling backoff capped at MaxBackoff, giving up
// after MaxReconnectAttempts. Ensure can still connect afterwards.
func (c *Client) reconnect() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		wait := Backoff(attempt, c.cfg.MinBackoff, c.cfg.MaxBackoff)
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}
		if c.available.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteWait)
		err := c.Connect(ctx)
		cancel()
		switch {
		case err == nil:
			log.Infof("reconnected after %d attempt(s)", attempt)
			return
		case errors.Is(err, ErrClosed):
			return
		}
		log.Debugf("reconnect attempt %d/%d: %v", attempt, c.cfg.MaxReconnectAttempts, err)
	}
	log.Errorf("giving up on %s after %d attempts", c.cfg.URL, c.cfg.MaxReconnectAttempts)
}

// Backoff returns the wait before the given 1-based attempt: min doubled per
// attempt, capped at max.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func (c *Client) publish(env *Envelope) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for ch := range c.subs {
		select {
		case ch <- env:
		default:
			log.Warnf("subscriber full, dropping %s", env.Event)
		}
	}
}
