package signalws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
	reconnectBackoff         = time.Second
)

// ErrClosed is returned for requests on a closed or dropped connection.
var ErrClosed = errors.New("signalws: connection closed")

// Client multiplexes requests over one WebSocket with keep-alive
// heartbeats and automatic reconnection. Responses are matched to requests
// by id; requests pushed by the server are acknowledged with 200.
type Client struct {
	mu      sync.Mutex
	conn    *Conn
	pending map[uint64]chan *Response

	url     string
	tlsConf *tls.Config
	headers http.Header
	closed  atomic.Bool
	nextID  atomic.Uint64
	logger  *log.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	keepAliveCallback func(rtt time.Duration) // called on successful keep-alive

	cancel context.CancelFunc // stops the read and keep-alive goroutines
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithKeepAliveInterval sets the interval between keep-alive requests.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Client) { c.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a keep-alive response before reconnecting.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(c *Client) { c.keepAliveTimeout = d }
}

// WithKeepAliveCallback sets a function called on each successful keep-alive round-trip.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(c *Client) { c.keepAliveCallback = fn }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(c *Client) { c.headers = h }
}

// WithLogger sets a logger for connection events.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// DialClient dials url and starts the read and keep-alive loops.
func DialClient(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*Client, error) {
	c := &Client{
		url:               url,
		tlsConf:           tlsConf,
		pending:           make(map[uint64]chan *Response),
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	conn, err := Dial(ctx, url, tlsConf, c.headers)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(loopCtx)
	go c.keepAliveLoop(loopCtx)
	return c, nil
}

// Request sends a request and waits for its response.
func (c *Client) Request(ctx context.Context, verb, path string, body []byte, headers ...string) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if conn == nil {
		return nil, fmt.Errorf("%w: reconnecting", ErrClosed)
	}
	msg := &Message{
		Type:    TypeRequest,
		Request: &Request{Verb: verb, Path: path, Body: body, ID: id, Headers: headers},
	}
	if err := conn.WriteMessage(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: %s %s", ErrClosed, verb, path)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the loops and closes the connection. No further reconnects will happen.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.cancel()
	<-c.done
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer c.failPending()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			if c.closed.Load() {
				return
			}
			if err := c.reconnect(ctx); err != nil {
				logf(c.logger, "signalws: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectBackoff):
				}
			}
			continue
		}

		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			if c.closed.Load() {
				return
			}
			logf(c.logger, "signalws: connection lost: %v", err)
			c.drop(conn)
			continue
		}

		switch msg.Type {
		case TypeResponse:
			if msg.Response != nil {
				c.deliver(msg.Response)
			}
		case TypeRequest:
			if msg.Request != nil {
				if err := conn.SendResponse(ctx, msg.Request.ID, 200, "OK"); err != nil {
					logf(c.logger, "signalws: ack %s %s: %v", msg.Request.Verb, msg.Request.Path, err)
				}
			}
		}
	}
}

func (c *Client) deliver(resp *Response) {
	c.mu.Lock()
	ch := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if ch != nil {
		ch <- resp
	}
}

// drop discards conn after a failure and fails the requests waiting on it.
func (c *Client) drop(conn *Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.CloseNow()
	c.failPending()
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.closed.Load() {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			continue
		}

		kaCtx, cancel := context.WithTimeout(ctx, c.keepAliveTimeout)
		sentAt := time.Now()
		_, err := c.Request(kaCtx, http.MethodGet, "/v1/keepalive", nil)
		cancel()
		switch {
		case err == nil:
			if c.keepAliveCallback != nil {
				c.keepAliveCallback(time.Since(sentAt))
			}
		case ctx.Err() != nil:
			return
		default:
			// No answer in time: force a reconnect.
			logf(c.logger, "signalws: keep-alive failed: %v", err)
			c.drop(conn)
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	conn, err := Dial(ctx, c.url, c.tlsConf, c.headers)
	if err != nil {
		return fmt.Errorf("signalws: reconnect: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		conn.CloseNow()
		return ErrClosed
	}
	c.conn = conn
	return nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
