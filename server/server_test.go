package server

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/connection"
	"github.com/flare152/flare/handler"
	"github.com/flare152/flare/wire"
)

var testLogger = zerolog.Nop()

// fakeConn is an in-memory transport. Tests play the client: they push
// client-to-server messages into inbound and read server traffic from
// outbound.
type fakeConn struct {
	id       string
	inbound  chan *wire.Message
	outbound chan *wire.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:       uuid.New().String(),
		inbound:  make(chan *wire.Message, 64),
		outbound: make(chan *wire.Message, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ID() string         { return f.id }
func (f *fakeConn) RemoteAddr() string { return "10.0.0.9:52001" }
func (f *fakeConn) Protocol() string   { return connection.ProtocolWebsocket }

func (f *fakeConn) State() connection.State {
	if f.isClosed() {
		return connection.Disconnected
	}
	return connection.Connected
}

func (f *fakeConn) Send(msg *wire.Message) error {
	select {
	case f.outbound <- msg:
		return nil
	case <-f.closed:
		return connection.ErrConnectionClosed
	}
}

func (f *fakeConn) Receive() (*wire.Message, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.closed:
		return nil, connection.ErrConnectionClosed
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) IsActive(time.Duration) bool { return !f.isClosed() }
func (f *fakeConn) LastActive() time.Time       { return time.Now() }

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) push(msg *wire.Message) {
	select {
	case f.inbound <- msg:
	case <-f.closed:
	}
}

// countingSessions is a SessionManager that records lifecycle callbacks.
type countingSessions struct {
	mu            sync.Mutex
	connects      int
	disconnects   int
	rejectConnect bool
}

func (c *countingSessions) OnConnect(*handler.Context) (*wire.Response, error) {
	c.mu.Lock()
	c.connects++
	reject := c.rejectConnect
	c.mu.Unlock()
	if reject {
		return nil, handler.NewError(wire.CodeResourceError, "server full")
	}
	return wire.NewResponse(wire.CodeSuccess, "connection established", nil), nil
}

func (c *countingSessions) OnDisconnect(*handler.Context) {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *countingSessions) SetBackground(*handler.Context, bool) (*wire.Response, error) {
	return wire.NewResponse(wire.CodeSuccess, "ok", nil), nil
}

func (c *countingSessions) SetLanguage(*handler.Context, string) (*wire.Response, error) {
	return wire.NewResponse(wire.CodeSuccess, "ok", nil), nil
}

func (c *countingSessions) Close(*handler.Context) (*wire.Response, error) {
	return wire.NewResponse(wire.CodeSuccess, "connection closing", nil), nil
}

func (c *countingSessions) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *countingSessions) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func dispatcherWith(sessions handler.SessionManager) *handler.Dispatcher {
	return handler.NewDispatcher(
		handler.NewAuthHandler(handler.NewDefaultAuthenticator(&testLogger)),
		handler.NewBusinessHandler(handler.NewDefaultMessenger(&testLogger)),
		handler.NewSystemHandler(sessions),
		&testLogger,
	)
}

func newTestServer(t *testing.T, config Config, dispatcher *handler.Dispatcher) *Server {
	t.Helper()
	s, err := New(config, dispatcher, &testLogger)
	require.NoError(t, err)
	return s
}

func loginMessage(userID, token, correlationID string) *wire.Message {
	req := &wire.LoginRequest{
		UserID:   userID,
		Platform: wire.PlatformAndroid,
		ClientID: "device-" + userID,
		Token:    token,
	}
	msg := wire.NewMessage(wire.CommandLogin, req.Marshal())
	msg.ClientID = correlationID
	return msg
}

func awaitCommand(t *testing.T, conn *fakeConn, command wire.Command) *wire.Message {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-conn.outbound:
			if msg.Command == command {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", command)
			return nil
		}
	}
}

func awaitResponse(t *testing.T, conn *fakeConn, correlationID string) *wire.Response {
	t.Helper()
	msg := awaitCommand(t, conn, wire.CommandServerResponse)
	assert.Equal(t, correlationID, msg.ClientID)
	resp, err := wire.UnmarshalResponse(msg.Data)
	require.NoError(t, err)
	return resp
}

func assertNoMessage(t *testing.T, conn *fakeConn, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-conn.outbound:
		t.Fatalf("unexpected message: %s", msg.Command)
	case <-time.After(wait):
	}
}

// connectUser runs a full handshake and waits for the promotion to land in
// the session tables.
func connectUser(t *testing.T, s *Server, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go s.HandleConnection(conn)
	conn.push(loginMessage(userID, "secret", "login-"+userID))
	resp := awaitResponse(t, conn, "login-"+userID)
	require.True(t, resp.IsSuccess())
	require.Eventually(t, func() bool {
		_, ok := s.Connection(conn.ID())
		return ok
	}, time.Second, time.Millisecond)
	return conn
}

func TestServerAuthenticatesLogin(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	conn := newFakeConn()
	go s.HandleConnection(conn)

	conn.push(loginMessage("u1", "secret", "corr-1"))
	resp := awaitResponse(t, conn, "corr-1")
	require.True(t, resp.IsSuccess())

	loginResp, err := wire.UnmarshalLoginResponse(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, "u1", loginResp.UserID)

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{conn.ID()}, s.UserConnections("u1"))

	info, ok := s.Connection(conn.ID())
	require.True(t, ok)
	assert.Equal(t, "u1", info.UserID)
	assert.Equal(t, wire.PlatformAndroid, info.Platform)
	assert.Equal(t, "device-u1", info.ClientID)
	assert.Equal(t, connection.ProtocolWebsocket, info.Protocol)
}

func TestServerRejectsBadLogin(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	conn := newFakeConn()
	go s.HandleConnection(conn)

	conn.push(loginMessage("u1", "", "corr-1"))
	resp := awaitResponse(t, conn, "corr-1")
	assert.Equal(t, wire.CodeUnauthorized, resp.Code)
	assert.Equal(t, "token is required", resp.Message)

	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.ConnectionCount())
}

func TestServerAuthTimeout(t *testing.T) {
	s := newTestServer(t, Config{AuthTimeout: 50 * time.Millisecond}, nil)
	conn := newFakeConn()
	go s.HandleConnection(conn)

	resp := awaitResponse(t, conn, "")
	assert.Equal(t, wire.CodeAuthError, resp.Code)
	assert.Equal(t, "Authentication timeout", resp.Message)

	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.ConnectionCount())
}

func TestServerHandshakeAnswersPing(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	conn := newFakeConn()
	go s.HandleConnection(conn)

	conn.push(wire.NewPing())
	awaitCommand(t, conn, wire.CommandPong)
	assert.Equal(t, 0, s.ConnectionCount())

	// Non-login commands before authentication are ignored.
	early := wire.NewMessage(wire.CommandSendMessage, []byte("too soon"))
	early.ClientID = "m-0"
	conn.push(early)

	conn.push(loginMessage("u1", "secret", "corr-1"))
	resp := awaitResponse(t, conn, "corr-1")
	assert.True(t, resp.IsSuccess())
}

func TestServerDispatchesCommands(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	conn := connectUser(t, s, "u1")

	send := wire.NewMessage(wire.CommandSendMessage, []byte("hi"))
	send.ClientID = "m-1"
	conn.push(send)
	resp := awaitResponse(t, conn, "m-1")
	assert.Equal(t, wire.CodeSuccess, resp.Code)
	assert.Equal(t, "message sent", resp.Message)

	// A failed validation answers with an error response but keeps the
	// connection alive.
	lang := wire.NewMessage(wire.CommandSetLanguage, nil)
	lang.ClientID = "m-2"
	conn.push(lang)
	resp = awaitResponse(t, conn, "m-2")
	assert.Equal(t, wire.CodeInvalidParams, resp.Code)

	conn.push(wire.NewPing())
	pong := awaitCommand(t, conn, wire.CommandPong)
	assert.Equal(t, []byte("pong"), pong.Data)

	assert.Equal(t, 1, s.ConnectionCount())
}

func TestServerDropsConnectionOnHandlerError(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	conn := connectUser(t, s, "u1")

	// Server-push commands have no server-side handler.
	bad := wire.NewMessage(wire.CommandPushMessage, []byte("x"))
	bad.ClientID = "m-9"
	conn.push(bad)

	resp := awaitResponse(t, conn, "m-9")
	assert.Equal(t, wire.CodeInvalidCommand, resp.Code)

	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, time.Millisecond)
}

func TestServerClientClose(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	conn := connectUser(t, s, "u1")

	closeMsg := wire.NewMessage(wire.CommandClose, nil)
	closeMsg.ClientID = "m-5"
	conn.push(closeMsg)

	resp := awaitResponse(t, conn, "m-5")
	assert.Equal(t, wire.CodeSuccess, resp.Code)
	assert.Equal(t, "connection closing", resp.Message)

	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, time.Millisecond)
}

func TestServerFanOutToUser(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	connA := connectUser(t, s, "u1")
	connB := connectUser(t, s, "u1")
	connC := connectUser(t, s, "u2")

	assert.Equal(t, 3, s.ConnectionCount())
	assert.Len(t, s.UserConnections("u1"), 2)

	push := wire.NewMessage(wire.CommandPushMessage, []byte("fan"))
	require.NoError(t, s.SendToUser("u1", push))
	for _, conn := range []*fakeConn{connA, connB} {
		msg := awaitCommand(t, conn, wire.CommandPushMessage)
		assert.Equal(t, []byte("fan"), msg.Data)
	}
	assertNoMessage(t, connC, 50*time.Millisecond)

	// Closing one connection leaves the user's other connection reachable.
	connA.Close()
	require.Eventually(t, func() bool { return s.ConnectionCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{connB.ID()}, s.UserConnections("u1"))

	require.NoError(t, s.SendToUser("u1", push))
	awaitCommand(t, connB, wire.CommandPushMessage)

	err := s.SendToUser("ghost", push)
	var herr *handler.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, wire.CodeConnectionNotFound, herr.Code())
}

func TestServerBroadcast(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	connA := connectUser(t, s, "u1")
	connB := connectUser(t, s, "u2")

	s.Broadcast(wire.NewMessage(wire.CommandPushNotice, []byte("hello all")))
	for _, conn := range []*fakeConn{connA, connB} {
		msg := awaitCommand(t, conn, wire.CommandPushNotice)
		assert.Equal(t, []byte("hello all"), msg.Data)
	}
}

func TestServerSendResponse(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	conn := connectUser(t, s, "u1")

	require.NoError(t, s.SendResponse(conn.ID(), "corr-9", wire.NewResponse(wire.CodeSuccess, "direct", nil)))
	resp := awaitResponse(t, conn, "corr-9")
	assert.Equal(t, "direct", resp.Message)

	err := s.SendResponse("missing", "x", wire.NewResponse(wire.CodeSuccess, "", nil))
	var herr *handler.Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, wire.CodeConnectionNotFound, herr.Code())
}

func TestServerWatchdogEvictsStale(t *testing.T) {
	sessions := &countingSessions{}
	s := newTestServer(t, Config{}, dispatcherWith(sessions))
	conn := connectUser(t, s, "u1")

	s.evictStale(time.Now().Add(2 * time.Minute))

	assert.Equal(t, 0, s.ConnectionCount())
	assert.Empty(t, s.UserConnections("u1"))
	assert.True(t, conn.isClosed())
	assert.Equal(t, 1, sessions.disconnectCount())

	// The read loop noticing the closed transport must not fire a second
	// disconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sessions.disconnectCount())
}

func TestServerHeartbeatPreventsEviction(t *testing.T) {
	s := newTestServer(t, Config{}, nil)
	conn := connectUser(t, s, "u1")

	conn.push(wire.NewPing())
	awaitCommand(t, conn, wire.CommandPong)

	s.evictStale(time.Now())
	assert.Equal(t, 1, s.ConnectionCount())
}

func TestServerOnConnectRejection(t *testing.T) {
	sessions := &countingSessions{rejectConnect: true}
	s := newTestServer(t, Config{}, dispatcherWith(sessions))
	conn := newFakeConn()
	go s.HandleConnection(conn)

	conn.push(loginMessage("u1", "secret", "corr-1"))
	resp := awaitResponse(t, conn, "corr-1")
	require.True(t, resp.IsSuccess())

	rejection := awaitResponse(t, conn, "")
	assert.Equal(t, wire.CodeResourceError, rejection.Code)

	require.Eventually(t, conn.isClosed, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.ConnectionCount())
	assert.Equal(t, 1, sessions.connectCount())
	assert.Equal(t, 0, sessions.disconnectCount())
}

func TestServerLifecycleCallbacks(t *testing.T) {
	sessions := &countingSessions{}
	s := newTestServer(t, Config{}, dispatcherWith(sessions))
	conn := connectUser(t, s, "u1")

	assert.Equal(t, 1, sessions.connectCount())

	conn.Close()
	require.Eventually(t, func() bool { return sessions.disconnectCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.ConnectionCount())
}

func TestSessionTableAgreement(t *testing.T) {
	table := newSessionTable()
	infoA := newConnectionInfo(newFakeConn(), "u1", wire.PlatformAndroid, "d1", "")
	infoB := newConnectionInfo(newFakeConn(), "u1", wire.PlatformIOS, "d2", "")
	table.insert(infoA)
	table.insert(infoB)

	assert.Equal(t, 2, table.count())
	assert.ElementsMatch(t, []string{infoA.ConnID, infoB.ConnID}, table.userConnIDs("u1"))

	removed, ok := table.remove(infoA.ConnID)
	require.True(t, ok)
	assert.Equal(t, infoA.ConnID, removed.ConnID)
	assert.Equal(t, []string{infoB.ConnID}, table.userConnIDs("u1"))

	_, ok = table.remove(infoA.ConnID)
	assert.False(t, ok)

	table.remove(infoB.ConnID)
	assert.Equal(t, 0, table.count())
	assert.Empty(t, table.userConnIDs("u1"))
}

func TestConnectionInfoBusyEntrySkipsSweep(t *testing.T) {
	info := newConnectionInfo(newFakeConn(), "u1", wire.PlatformAndroid, "d1", "")

	info.mu.Lock()
	_, checked := info.staleBefore(time.Now().Add(time.Hour))
	assert.False(t, checked)
	info.mu.Unlock()

	stale, checked := info.staleBefore(time.Now().Add(time.Hour))
	assert.True(t, checked)
	assert.True(t, stale)
}
