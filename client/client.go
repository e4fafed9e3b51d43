// Package client implements the connecting side of the messaging fabric: it
// dials a server over websocket or QUIC, authenticates, keeps the link alive
// with wire-level pings, coalesces outgoing messages into small batches, and
// reconnects with a bounded fixed-interval policy when the link drops.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/flare152/flare/connection"
	"github.com/flare152/flare/handler"
	"github.com/flare152/flare/retry"
	"github.com/flare152/flare/wire"
)

const (
	sendQueueCapacity = 100
	sendBatchSize     = 32
	sendLinger        = 10 * time.Millisecond
	readyPollInterval = 100 * time.Millisecond
)

// ErrClosed is returned by operations on a client that has been closed.
var ErrClosed = handler.NewError(wire.CodeInvalidState, "client is closed")

// Client is the engine behind one logical connection to a server. All
// methods are safe for concurrent use.
type Client struct {
	config   Config
	listener handler.MessageListener
	observer *Observer
	log      *zerolog.Logger
	metrics  *clientMetrics

	wsDialer   DialFunc
	quicDialer DialFunc
	clock      retry.Clock

	mu       sync.Mutex
	conn     connection.Connection
	language string

	state    atomic.Int32
	running  atomic.Bool
	lastPong atomic.Int64

	reconnecting atomic.Bool

	sendCh  chan *wire.Message
	waiters waiterMap

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New validates config and returns a stopped client; call Connect to bring
// the link up.
func New(config Config, log *zerolog.Logger) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	connLogger := log.With().Str("clientID", cfg.ClientID).Logger()
	c := &Client{
		config:   cfg,
		listener: cfg.Listener,
		observer: NewObserver(&connLogger),
		log:      &connLogger,
		metrics:  newClientMetrics(),
		clock:    retry.Clock{Now: time.Now, After: time.After},
		sendCh:   make(chan *wire.Message, sendQueueCapacity),
		waiters:  waiterMap{m: make(map[string]chan *wire.Response)},
		done:     make(chan struct{}),
	}
	c.wsDialer = func(ctx context.Context) (connection.Connection, error) {
		return connection.DialWebsocket(ctx, c.config.WebsocketURL, c.config.TLS, c.log)
	}
	c.quicDialer = func(ctx context.Context) (connection.Connection, error) {
		return connection.DialQUIC(ctx, c.config.QUICAddr, c.config.TLS, c.log)
	}
	c.running.Store(true)
	c.state.Store(int32(Disconnected))
	go c.sendLoop()
	return c, nil
}

// RegisterEventSink subscribes sink to state transitions.
func (c *Client) RegisterEventSink(sink EventSink) {
	c.observer.RegisterSink(sink)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Language returns the language assigned by the server at login, if any.
func (c *Client) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// Connect dials the server, authenticates and starts the engine loops. It
// returns once the client is Authenticated or with the first error.
func (c *Client) Connect(ctx context.Context) error {
	if !c.running.Load() {
		return ErrClosed
	}
	if s := c.State(); s != Disconnected {
		return handler.Errorf(wire.CodeInvalidState, "client is %s", s)
	}
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if !c.running.Load() {
		return ErrClosed
	}
	if c.config.Token == "" {
		return handler.NewError(wire.CodeUnauthorized, "token is required")
	}

	c.setState(Event{State: Connecting})
	conn, err := c.dial(ctx)
	if err != nil {
		c.metrics.connectFailures.Inc()
		c.setState(Event{State: Disconnected})
		return err
	}
	c.installConnection(conn)
	c.setState(Event{State: Connected, Protocol: conn.Protocol()})

	if err := c.authenticate(ctx, conn); err != nil {
		c.metrics.connectFailures.Inc()
		c.dropConnection(conn)
		c.setState(Event{State: Disconnected})
		return err
	}
	c.metrics.connectsTotal.Inc()
	c.setState(Event{State: Authenticated, Protocol: conn.Protocol()})

	go c.receiveLoop(conn)
	go c.keepaliveLoop(conn)
	return nil
}

// authenticate sends the login request and waits for the matching reply.
// The connection has no other reader at this point, so the reply is read
// directly off the transport.
func (c *Client) authenticate(ctx context.Context, conn connection.Connection) error {
	c.setState(Event{State: Authenticating, Protocol: conn.Protocol()})

	req := &wire.LoginRequest{
		UserID:   c.config.UserID,
		Platform: c.config.Platform,
		ClientID: c.config.ClientID,
		Token:    c.config.Token,
	}
	msg := wire.NewMessage(wire.CommandLogin, req.Marshal())
	msg.ClientID = uuid.New().String()
	if err := conn.Send(msg); err != nil {
		return errors.Wrap(err, "failed to send login request")
	}

	replyCh := make(chan error, 1)
	go func() {
		replyCh <- c.awaitLoginReply(conn, msg.ClientID)
	}()

	select {
	case err := <-replyCh:
		return err
	case <-c.clock.After(c.config.AuthTimeout):
		// Closing the connection unblocks the reader goroutine.
		_ = conn.Close()
		return handler.NewError(wire.CodeAuthError, "authentication timed out")
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

func (c *Client) awaitLoginReply(conn connection.Connection, requestID string) error {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return errors.Wrap(err, "connection lost during authentication")
		}
		switch msg.Command {
		case wire.CommandPing:
			_ = conn.Send(wire.NewPong())
		case wire.CommandServerResponse:
			if msg.ClientID != requestID {
				continue
			}
			resp, err := wire.UnmarshalResponse(msg.Data)
			if err != nil {
				return err
			}
			if !resp.IsSuccess() {
				return handler.NewError(wire.CodeAuthError, resp.Message)
			}
			loginResp, err := wire.UnmarshalLoginResponse(resp.Data)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.language = loginResp.Language
			c.mu.Unlock()
			return nil
		default:
			// Nothing else is expected before authentication completes.
		}
	}
}

// Reconnect re-runs connect with the configured fixed-interval policy.
// Concurrent callers observe a single in-flight reconnect; the extra calls
// return nil immediately.
func (c *Client) Reconnect(ctx context.Context) error {
	if !c.running.Load() {
		return ErrClosed
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer c.reconnecting.Store(false)

	backoff := retry.NewBackoff(c.config.MaxReconnectAttempts, c.config.ReconnectInterval, false)
	backoff.Clock = c.clock

	var lastErr error
	for attempt := uint(1); attempt <= c.config.MaxReconnectAttempts; attempt++ {
		if !c.running.Load() {
			return ErrClosed
		}
		c.metrics.reconnectAttempts.Inc()
		c.setState(Event{State: Reconnecting, Attempt: int(attempt)})

		lastErr = c.connect(ctx)
		if lastErr == nil {
			return nil
		}
		c.log.Error().Err(lastErr).Uint("attempt", attempt).Msg("reconnection attempt failed")

		if !backoff.Backoff(ctx) {
			break
		}
	}
	c.setState(Event{State: Disconnected})
	return errors.Wrap(lastErr, "max reconnection attempts reached")
}

// Send enqueues msg on the outgoing queue. It blocks while the queue is
// full and fails once the client is closed.
func (c *Client) Send(msg *wire.Message) error {
	if !c.running.Load() {
		return ErrClosed
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// SendWait sends msg with a fresh correlation id and blocks until the
// server's reply arrives or ctx expires.
func (c *Client) SendWait(ctx context.Context, msg *wire.Message) (*wire.Response, error) {
	if !c.running.Load() {
		return nil, ErrClosed
	}
	msg.ClientID = uuid.New().String()
	ch := c.waiters.add(msg.ClientID)

	if err := c.Send(msg); err != nil {
		c.waiters.remove(msg.ClientID)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.waiters.remove(msg.ClientID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, handler.NewError(wire.CodeTimeout, "timed out waiting for response")
		}
		return nil, ctx.Err()
	case <-c.done:
		c.waiters.remove(msg.ClientID)
		return nil, ErrClosed
	}
}

// SendWaitTimeout is SendWait bounded by d.
func (c *Client) SendWaitTimeout(ctx context.Context, msg *wire.Message, d time.Duration) (*wire.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return c.SendWait(ctx, msg)
}

// IsConnected reports whether the link is authenticated, recently alive and
// able to carry a ping right now.
func (c *Client) IsConnected() bool {
	if !c.running.Load() {
		return false
	}
	switch c.State() {
	case Connected, Authenticated:
	default:
		return false
	}
	if c.sincePong() > c.config.PongTimeout {
		return false
	}
	conn := c.currentConn()
	if conn == nil {
		return false
	}
	return conn.Send(wire.NewPing()) == nil
}

// WaitReady polls until IsConnected or the timeout elapses.
func (c *Client) WaitReady(timeout time.Duration) error {
	start := c.clock.Now()
	for c.clock.Now().Sub(start) < timeout {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-c.clock.After(readyPollInterval):
		case <-c.done:
			return ErrClosed
		}
	}
	return handler.NewError(wire.CodeTimeout, "connection not ready")
}

// Status is a point-in-time snapshot of the client.
type Status struct {
	State           State
	Running         bool
	LastPongElapsed time.Duration
	HasConnection   bool
	Protocol        string
}

func (c *Client) Status() Status {
	conn := c.currentConn()
	status := Status{
		State:           c.State(),
		Running:         c.running.Load(),
		LastPongElapsed: c.sincePong(),
		HasConnection:   conn != nil,
	}
	if conn != nil {
		status.Protocol = conn.Protocol()
	}
	return status
}

// Close shuts the engine down, closes the transport and unblocks every
// pending SendWait. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.running.Store(false)
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.closeErr = conn.Close()
		}

		c.waiters.clear()
		c.setState(Event{State: Disconnected})
		c.observer.stop()
	})
	return c.closeErr
}

func (c *Client) currentConn() connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) installConnection(conn connection.Connection) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.lastPong.Store(c.clock.Now().UnixNano())
}

// dropConnection removes conn if it is still current and closes it.
func (c *Client) dropConnection(conn connection.Connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) sincePong() time.Duration {
	return c.clock.Now().Sub(time.Unix(0, c.lastPong.Load()))
}

func (c *Client) setState(e Event) {
	c.state.Store(int32(e.State))
	switch e.State {
	case Authenticated:
		c.metrics.connected.Set(1)
	case Disconnected:
		c.metrics.connected.Set(0)
	}
	c.observer.sendEvent(e)
}

// handleConnectionLoss reacts to a dead link: it either kicks off a
// reconnect or settles into Disconnected. Lost connections that were already
// replaced are ignored.
func (c *Client) handleConnectionLoss(lost connection.Connection) {
	if !c.running.Load() {
		return
	}
	if c.currentConn() != lost {
		return
	}
	if c.config.DisableAutoReconnect {
		c.dropConnection(lost)
		c.setState(Event{State: Disconnected})
		return
	}
	go func() {
		if err := c.Reconnect(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("gave up reconnecting")
		}
	}()
}

// receiveLoop reads conn until it fails and routes every inbound message.
func (c *Client) receiveLoop(conn connection.Connection) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if c.running.Load() && c.currentConn() == conn {
				c.log.Debug().Err(err).Msg("receive loop terminated")
				c.handleConnectionLoss(conn)
			}
			return
		}
		c.metrics.messagesReceived.Inc()
		c.handleInbound(conn, msg)
	}
}

func (c *Client) handleInbound(conn connection.Connection, msg *wire.Message) {
	switch msg.Command {
	case wire.CommandPong:
		c.lastPong.Store(c.clock.Now().UnixNano())
	case wire.CommandPing:
		if err := conn.Send(wire.NewPong()); err != nil {
			c.log.Debug().Err(err).Msg("failed to answer server ping")
		}
	case wire.CommandServerResponse:
		resp, err := wire.UnmarshalResponse(msg.Data)
		if err != nil {
			c.log.Error().Err(err).Msg("dropping malformed server response")
			return
		}
		if msg.ClientID != "" {
			c.waiters.settle(msg.ClientID, resp)
		}
		c.listener.OnResponse(resp)
	case wire.CommandPushMessage:
		c.listener.OnMessage(msg.Data)
	case wire.CommandPushCustom:
		c.listener.OnCustomMessage(msg.Data)
	case wire.CommandPushNotice:
		c.listener.OnNoticeMessage(msg.Data)
	case wire.CommandPushData:
		c.listener.OnData(msg.Data)
	case wire.CommandServerAck:
		c.listener.OnAck(msg.Data)
	case wire.CommandKickOnline:
		c.log.Warn().Msg("kicked by the server, closing")
		_ = c.Close()
	case wire.CommandClose:
		c.log.Info().Msg("server requested close")
		_ = c.Close()
	case wire.CommandLogout:
		c.log.Debug().Msg("logout acknowledged by server")
	case wire.CommandSetBackground, wire.CommandSetLanguage:
		c.log.Debug().Str("command", msg.Command.String()).Msg("system command received")
	default:
		c.log.Debug().Str("command", msg.Command.String()).Msg("unsupported command received")
	}
}

// keepaliveLoop pings on a fixed interval and declares the link dead when no
// pong arrived within the pong timeout.
func (c *Client) keepaliveLoop(conn connection.Connection) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.currentConn() != conn {
				return
			}
			if sincePong := c.sincePong(); sincePong > c.config.PongTimeout {
				c.log.Warn().Dur("sincePong", sincePong).Msg("no PONG within timeout, link considered dead")
				c.handleConnectionLoss(conn)
				return
			}
			if err := conn.Send(wire.NewPing()); err != nil {
				c.log.Debug().Err(err).Msg("failed to send PING")
				c.handleConnectionLoss(conn)
				return
			}
		}
	}
}

// sendLoop drains the outgoing queue in batches of up to sendBatchSize
// messages, lingering sendLinger for stragglers to amortize writes.
func (c *Client) sendLoop() {
	for {
		select {
		case <-c.done:
			return
		case first := <-c.sendCh:
			batch := append(make([]*wire.Message, 0, sendBatchSize), first)
			linger := time.NewTimer(sendLinger)
		fill:
			for len(batch) < sendBatchSize {
				select {
				case msg := <-c.sendCh:
					batch = append(batch, msg)
				case <-linger.C:
					break fill
				case <-c.done:
					linger.Stop()
					return
				}
			}
			linger.Stop()
			c.flush(batch)
		}
	}
}

// flush writes one batch. A failed write drops the remainder and declares
// the link lost.
func (c *Client) flush(batch []*wire.Message) {
	conn := c.currentConn()
	if conn == nil {
		c.log.Error().Int("dropped", len(batch)).Msg("no active connection for outgoing messages")
		return
	}
	for i, msg := range batch {
		if err := conn.Send(msg); err != nil {
			c.log.Error().Err(err).Int("dropped", len(batch)-i).Msg("dropping batch after send failure")
			c.handleConnectionLoss(conn)
			return
		}
		c.metrics.messagesSent.Inc()
	}
}

// waiterMap tracks one-shot response channels keyed by correlation id.
type waiterMap struct {
	mu sync.Mutex
	m  map[string]chan *wire.Response
}

func (w *waiterMap) add(id string) chan *wire.Response {
	ch := make(chan *wire.Response, 1)
	w.mu.Lock()
	w.m[id] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiterMap) remove(id string) {
	w.mu.Lock()
	delete(w.m, id)
	w.mu.Unlock()
}

// settle delivers resp to the waiter registered under id, if any, removing
// it so a second response with the same id is ignored.
func (w *waiterMap) settle(id string, resp *wire.Response) bool {
	w.mu.Lock()
	ch, ok := w.m[id]
	if ok {
		delete(w.m, id)
	}
	w.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

func (w *waiterMap) clear() {
	w.mu.Lock()
	w.m = make(map[string]chan *wire.Response)
	w.mu.Unlock()
}

func (w *waiterMap) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
