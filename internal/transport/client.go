// Package transport maintains the bidirectional websocket connection to the
// remote authority and carries JSON-RPC invocations in both directions.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	tidesync "github.com/hyperengineering/tidesync/internal/sync"
	"github.com/sethvargo/go-retry"
	"go.lsp.dev/jsonrpc2"
)

const (
	DefaultInvokeTimeout = 30 * time.Second
	DefaultReconnectMin  = 500 * time.Millisecond
	DefaultReconnectMax  = 30 * time.Second

	maxMessageBytes = 8 << 20
	jitterPercent   = 10
)

// CursorSource yields the resume cursor presented on every (re)connect.
type CursorSource interface {
	Cursor(ctx context.Context) (string, error)
}

// Handlers receives server-initiated traffic.
type Handlers struct {
	// OnTransactions applies one inbound batch. A returned error is reported
	// back to the server as the invocation error.
	OnTransactions func(ctx context.Context, batch []tidesync.TransactionDTO) error

	// OnConnect runs after each successful (re)connect with the new epoch.
	OnConnect func(epoch uint64)

	// OnTest receives diagnostic echoes.
	OnTest func(msg json.RawMessage)
}

// Config holds connection settings.
type Config struct {
	BaseURL       string
	SyncPath      string
	APIKey        string
	InvokeTimeout time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	HTTPClient    *http.Client
}

func (c Config) withDefaults() Config {
	if c.SyncPath == "" {
		c.SyncPath = "/transactions-sync"
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = DefaultInvokeTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(DefaultReconnectMax, c.ReconnectMin)
	}
	return c
}

// Client is the client side of the sync connection. A supervisor goroutine
// owns the socket and reconnects with capped exponential backoff until the
// client is stopped.
type Client struct {
	cfg      Config
	cursor   CursorSource
	handlers Handlers

	mu     sync.Mutex
	base   context.Context
	state  State
	epoch  uint64
	conn   jsonrpc2.Conn
	ready  chan struct{} // closed when the pending connect succeeds
	done   chan struct{} // closed when the supervisor exits
	cancel context.CancelFunc
	target string
	closed bool
}

// New creates a disconnected Client. cursor may be nil.
func New(cfg Config, cursor CursorSource, handlers Handlers) *Client {
	return &Client{
		cfg:      cfg.withDefaults(),
		cursor:   cursor,
		handlers: handlers,
		base:     context.Background(),
	}
}

// Start begins connecting in the background. The connection lives until
// Stop, Close or cancellation of ctx.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStopped
	}
	c.base = ctx
	c.startLocked()
	return nil
}

func (c *Client) startLocked() {
	if c.state != Disconnected {
		return
	}
	runCtx, cancel := context.WithCancel(c.base)
	c.cancel = cancel
	c.ready = make(chan struct{})
	c.done = make(chan struct{})
	c.state = Connecting
	go c.supervise(runCtx, c.done)
}

// Stop closes the connection and waits for the supervisor to exit. A later
// awaiting call or Start connects again.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnecting
	cancel, conn, done := c.cancel, c.conn, c.done
	c.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Close stops the client for good.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Stop()
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the number of successful connects so far.
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// LastTarget returns the URL of the most recent successful connect.
func (c *Client) LastTarget() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Target builds the websocket URL, carrying cursor as the resume parameter
// when it is non-empty.
func (c *Client) Target(cursor string) (string, error) {
	raw := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(c.cfg.SyncPath, "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse sync url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported sync url scheme %q", u.Scheme)
	}
	if cursor != "" {
		q := u.Query()
		q.Set(tidesync.ResumeQueryParam, cursor)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// InvokeTransactions sends one outbound batch and returns the acknowledged
// ids. It never waits for a connection: while not connected it returns
// ErrNotReady and makes sure a connect is under way.
func (c *Client) InvokeTransactions(ctx context.Context, batch []tidesync.TransactionDTO) ([]string, error) {
	c.mu.Lock()
	if c.state == Disconnected && !c.closed {
		c.startLocked()
	}
	state, epoch, conn := c.state, c.epoch, c.conn
	c.mu.Unlock()

	if state != Connected || conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, state)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	var acked []string
	_, err := conn.Call(ctx, tidesync.MethodSyncTransactions, batch, &acked)
	if c.Epoch() != epoch {
		return nil, ErrStaleEpoch
	}
	if err != nil {
		select {
		case <-conn.Done():
			return nil, fmt.Errorf("%w: %v", ErrStaleEpoch, err)
		default:
		}
		return nil, fmt.Errorf("invoke %s: %w", tidesync.MethodSyncTransactions, err)
	}
	return acked, nil
}

// Invoke sends a diagnostic message and returns the server's echo, waiting
// for the connection if needed.
func (c *Client) Invoke(ctx context.Context, message any) (json.RawMessage, error) {
	_, conn, err := c.await(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	var echo json.RawMessage
	if _, err := conn.Call(ctx, tidesync.MethodSend, message, &echo); err != nil {
		return nil, fmt.Errorf("invoke %s: %w", tidesync.MethodSend, err)
	}
	return echo, nil
}

// Send delivers a diagnostic message without waiting for a reply.
func (c *Client) Send(ctx context.Context, message any) error {
	_, conn, err := c.await(ctx)
	if err != nil {
		return err
	}
	if err := conn.Notify(ctx, tidesync.MethodSend, message); err != nil {
		return fmt.Errorf("send %s: %w", tidesync.MethodSend, err)
	}
	return nil
}

// await blocks until the client is connected, starting a connect from
// Disconnected and letting an in-progress stop finish first.
func (c *Client) await(ctx context.Context) (uint64, jsonrpc2.Conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, nil, ErrStopped
		}
		switch c.state {
		case Connected:
			epoch, conn := c.epoch, c.conn
			c.mu.Unlock()
			return epoch, conn, nil

		case Disconnected:
			c.startLocked()
			c.mu.Unlock()

		case Connecting, Reconnecting:
			ready, done := c.ready, c.done
			c.mu.Unlock()
			select {
			case <-ready:
			case <-done:
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}

		case Disconnecting:
			done := c.done
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}
	}
}

// supervise connects, waits for the connection to drop and reconnects until
// ctx is cancelled.
func (c *Client) supervise(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.state = Disconnected
		c.conn = nil
		c.mu.Unlock()
		close(done)
	}()

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-conn.Done():
		}
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.state = Reconnecting
		c.conn = nil
		c.ready = make(chan struct{})
		c.mu.Unlock()

		slog.Warn("connection lost, reconnecting",
			"component", "transport",
			"action", "reconnect",
			"error", conn.Err(),
		)
	}
}

func (c *Client) dial(ctx context.Context) (jsonrpc2.Conn, error) {
	b := retry.NewExponential(c.cfg.ReconnectMin)
	b = retry.WithCappedDuration(c.cfg.ReconnectMax, b)
	b = retry.WithJitterPercent(jitterPercent, b)

	var conn jsonrpc2.Conn
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		conn, err = c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Warn("connect failed",
				"component", "transport",
				"action", "connect",
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	return conn, err
}

func (c *Client) connect(ctx context.Context) (jsonrpc2.Conn, error) {
	var cursor string
	if c.cursor != nil {
		var err error
		if cursor, err = c.cursor.Cursor(ctx); err != nil {
			return nil, fmt.Errorf("read resume cursor: %w", err)
		}
	}
	target, err := c.Target(cursor)
	if err != nil {
		return nil, err
	}

	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if c.cfg.APIKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.APIKey}}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, target, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	ws.SetReadLimit(maxMessageBytes)

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(websocket.NetConn(ctx, ws, websocket.MessageText)))

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ctx.Err()
	}
	c.epoch++
	epoch := c.epoch
	c.conn = conn
	c.state = Connected
	c.target = target
	close(c.ready)
	c.mu.Unlock()

	conn.Go(ctx, c.handle)

	slog.Info("connected",
		"component", "transport",
		"action", "connect",
		"epoch", epoch,
		"cursor", cursor,
	)
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect(epoch)
	}
	return conn, nil
}

func (c *Client) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case tidesync.MethodReceiveTransactions:
		batch, err := tidesync.DecodeTransactions(req.Params())
		if err != nil {
			slog.Warn("malformed inbound batch",
				"component", "transport",
				"action", "receive_transactions",
				"error", err,
			)
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
		}
		if c.handlers.OnTransactions != nil {
			if err := c.handlers.OnTransactions(ctx, batch); err != nil {
				slog.Error("inbound batch failed",
					"component", "transport",
					"action", "receive_transactions",
					"transactions", len(batch),
					"error", err,
				)
				return reply(ctx, nil, err)
			}
		}
		return reply(ctx, nil, nil)

	case tidesync.MethodTest:
		msg := json.RawMessage(req.Params())
		slog.Info("diagnostic message received",
			"component", "transport",
			"action", "test",
			"message", string(msg),
		)
		if c.handlers.OnTest != nil {
			c.handlers.OnTest(msg)
		}
		return reply(ctx, nil, nil)

	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}
