// Package server implements the accepting side of the messaging fabric. It
// authenticates freshly accepted transport connections, tracks them by
// connection id and by user, serves each one with a dedicated read loop, and
// evicts connections whose heartbeats go stale.
package server

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/flare152/flare/connection"
	"github.com/flare152/flare/handler"
	"github.com/flare152/flare/metrics"
	"github.com/flare152/flare/wire"
)

// Server is the fabric server engine. All methods are safe for concurrent
// use.
type Server struct {
	config     Config
	dispatcher *handler.Dispatcher
	sessions   sessionTable
	metrics    *serverMetrics
	log        *zerolog.Logger
	ready      atomic.Bool
}

// New builds a server around dispatcher. A nil dispatcher gets the default
// handler groups.
func New(config Config, dispatcher *handler.Dispatcher, log *zerolog.Logger) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if dispatcher == nil {
		dispatcher = handler.NewDefaultDispatcher(log)
	}
	return &Server{
		config:     config.withDefaults(),
		dispatcher: dispatcher,
		sessions:   newSessionTable(),
		metrics:    newServerMetrics(),
		log:        log,
	}, nil
}

// HandleConnection runs the full lifecycle of one accepted transport
// connection: the login handshake, promotion into the session tables and the
// read loop. It blocks until the connection is done and always closes it.
func (s *Server) HandleConnection(conn connection.Connection) {
	s.metrics.acceptedTotal.Inc()
	info, err := s.handshake(conn)
	if err != nil {
		s.log.Debug().Str("remote", conn.RemoteAddr()).Err(err).Msg("handshake failed")
		_ = conn.Close()
		return
	}
	if err := s.promote(info); err != nil {
		s.log.Warn().Str("conn", info.ConnID).Str("user", info.UserID).Err(err).Msg("connection rejected at promotion")
		_ = conn.Close()
		return
	}
	s.log.Debug().
		Str("conn", info.ConnID).
		Str("user", info.UserID).
		Str("protocol", info.Protocol).
		Str("remote", info.RemoteAddr).
		Msg("connection authenticated")
	s.serve(info)
}

// handshake waits for a successful Login, answering pings in the meantime.
// The auth deadline fires a timeout response and closes the connection,
// which unblocks the receive below.
func (s *Server) handshake(conn connection.Connection) (*ConnectionInfo, error) {
	timeout := time.AfterFunc(s.config.AuthTimeout, func() {
		_ = s.respondOn(conn, "", wire.NewResponse(wire.CodeAuthError, "Authentication timeout", nil))
		_ = conn.Close()
	})
	defer timeout.Stop()

	for {
		msg, err := conn.Receive()
		if err != nil {
			return nil, errors.Wrap(err, "connection lost before authentication")
		}
		switch msg.Command {
		case wire.CommandPing:
			if err := conn.Send(wire.NewPong()); err != nil {
				return nil, err
			}
		case wire.CommandPong:
		case wire.CommandLogin:
			return s.finishLogin(conn, msg)
		default:
			s.log.Warn().
				Str("remote", conn.RemoteAddr()).
				Str("command", msg.Command.String()).
				Msg("command before authentication, ignoring")
		}
	}
}

func (s *Server) finishLogin(conn connection.Connection, msg *wire.Message) (*ConnectionInfo, error) {
	hctx, err := handler.NewContextBuilder().
		RemoteAddr(conn.RemoteAddr()).
		Command(wire.CommandLogin).
		Data(msg.Data).
		ConnID(conn.ID()).
		Build()
	if err != nil {
		return nil, err
	}
	resp, authErr := s.dispatcher.Authenticate(hctx)
	if authErr != nil {
		resp = handler.ResponseFromError(authErr)
	}
	if err := s.respondOn(conn, msg.ClientID, resp); err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		s.metrics.authFailuresTotal.Inc()
		return nil, handler.NewError(wire.CodeAuthError, resp.Message)
	}

	req, err := wire.UnmarshalLoginRequest(msg.Data)
	if err != nil {
		return nil, err
	}
	loginResp, err := wire.UnmarshalLoginResponse(resp.Data)
	if err != nil {
		return nil, err
	}
	userID := loginResp.UserID
	if userID == "" {
		userID = req.UserID
	}
	s.metrics.authenticatedTotal.Inc()
	return newConnectionInfo(conn, userID, req.Platform, req.ClientID, loginResp.Language), nil
}

// promote inserts the connection into the session tables and runs the
// OnConnect callback. A callback failure is answered and undoes the insert.
func (s *Server) promote(info *ConnectionInfo) error {
	s.sessions.insert(info)
	s.metrics.activeConnections.Inc()

	hctx, err := s.buildContext(info, wire.CommandLogin, nil, "")
	if err != nil {
		s.unpromote(info)
		return err
	}
	resp, cbErr := s.dispatcher.OnConnect(hctx)
	if cbErr != nil {
		_ = s.respondOn(info.conn, "", handler.ResponseFromError(cbErr))
		s.unpromote(info)
		return cbErr
	}
	if resp != nil && !resp.IsSuccess() {
		_ = s.respondOn(info.conn, "", resp)
		s.unpromote(info)
		return handler.NewError(resp.Code, resp.Message)
	}
	return nil
}

// unpromote reverses a promote before the connection ever served traffic,
// so no OnDisconnect fires.
func (s *Server) unpromote(info *ConnectionInfo) {
	if _, ok := s.sessions.remove(info.ConnID); ok {
		s.metrics.activeConnections.Dec()
	}
}

// serve is the per-connection read loop. Pings refresh the heartbeat and get
// an inline pong; everything else goes through the dispatcher and is
// answered with a ServerResponse correlated on the inbound client id.
func (s *Server) serve(info *ConnectionInfo) {
	defer s.teardown(info)
	for {
		msg, err := info.conn.Receive()
		if err != nil {
			s.log.Debug().Str("conn", info.ConnID).Err(err).Msg("read loop ended")
			return
		}
		info.touch()
		switch msg.Command {
		case wire.CommandPing:
			if err := info.conn.Send(wire.NewMessage(wire.CommandPong, []byte("pong"))); err != nil {
				return
			}
		case wire.CommandPong:
		default:
			if !s.dispatch(info, msg) {
				return
			}
			if msg.Command == wire.CommandClose {
				return
			}
		}
	}
}

// dispatch routes one message and sends the response. It reports whether the
// read loop should continue.
func (s *Server) dispatch(info *ConnectionInfo, msg *wire.Message) bool {
	hctx, err := s.buildContext(info, msg.Command, msg.Data, msg.ClientID)
	if err != nil {
		s.log.Error().Str("conn", info.ConnID).Err(err).Msg("failed to build request context")
		return false
	}
	start := time.Now()
	resp, handlerErr := s.dispatcher.Dispatch(hctx)
	s.metrics.dispatchTimer.Observe(metrics.Latency(start, time.Now()), msg.Command.String())
	if resp != nil {
		if sendErr := s.respondOn(info.conn, msg.ClientID, resp); sendErr != nil {
			return false
		}
	}
	if handlerErr != nil {
		s.log.Debug().
			Str("conn", info.ConnID).
			Str("command", msg.Command.String()).
			Err(handlerErr).
			Msg("handler failed, dropping connection")
		return false
	}
	return true
}

func (s *Server) buildContext(info *ConnectionInfo, cmd wire.Command, data []byte, clientMsgID string) (*handler.Context, error) {
	return handler.NewContextBuilder().
		RemoteAddr(info.RemoteAddr).
		Command(cmd).
		Data(data).
		UserID(info.UserID).
		Platform(info.Platform).
		ClientID(info.ClientID).
		Language(info.language).
		ConnID(info.ConnID).
		ClientMsgID(clientMsgID).
		Build()
}

// teardown closes the transport and, if this connection is still tracked,
// removes it and fires OnDisconnect. The watchdog may have won the removal.
func (s *Server) teardown(info *ConnectionInfo) {
	_ = info.conn.Close()
	if _, ok := s.sessions.remove(info.ConnID); !ok {
		return
	}
	s.metrics.activeConnections.Dec()
	s.fireDisconnect(info)
	s.log.Debug().Str("conn", info.ConnID).Str("user", info.UserID).Msg("connection removed")
}

func (s *Server) fireDisconnect(info *ConnectionInfo) {
	hctx, err := s.buildContext(info, wire.CommandClose, nil, "")
	if err != nil {
		s.log.Error().Str("conn", info.ConnID).Err(err).Msg("failed to build disconnect context")
		return
	}
	s.dispatcher.OnDisconnect(hctx)
}

// SendToUser pushes msg to every connection of userID. Per-connection send
// failures are logged and skipped rather than aborting the fan-out.
func (s *Server) SendToUser(userID string, msg *wire.Message) error {
	infos := s.sessions.user(userID)
	if len(infos) == 0 {
		return handler.Errorf(wire.CodeConnectionNotFound, "no connections for user %s", userID)
	}
	for _, info := range infos {
		s.push(info, msg)
	}
	return nil
}

// Broadcast pushes msg to every tracked connection.
func (s *Server) Broadcast(msg *wire.Message) {
	for _, info := range s.sessions.all() {
		s.push(info, msg)
	}
}

func (s *Server) push(info *ConnectionInfo, msg *wire.Message) {
	if err := info.conn.Send(msg); err != nil {
		s.metrics.pushFailuresTotal.Inc()
		s.log.Warn().Str("conn", info.ConnID).Str("user", info.UserID).Err(err).Msg("push failed")
		return
	}
	s.metrics.deliveredTotal.Inc()
}

// SendResponse sends resp on connID's connection, correlated on clientMsgID.
func (s *Server) SendResponse(connID, clientMsgID string, resp *wire.Response) error {
	info, ok := s.sessions.get(connID)
	if !ok {
		return handler.Errorf(wire.CodeConnectionNotFound, "connection %s not found", connID)
	}
	return s.respondOn(info.conn, clientMsgID, resp)
}

func (s *Server) respondOn(conn connection.Connection, clientMsgID string, resp *wire.Response) error {
	reply := wire.NewMessage(wire.CommandServerResponse, resp.Marshal())
	reply.ClientID = clientMsgID
	return conn.Send(reply)
}

// ConnectionCount returns the number of authenticated connections.
func (s *Server) ConnectionCount() int {
	return s.sessions.count()
}

// UserConnections returns the connection ids tracked for userID.
func (s *Server) UserConnections(userID string) []string {
	return s.sessions.userConnIDs(userID)
}

// Connection returns the tracked info for connID.
func (s *Server) Connection(connID string) (*ConnectionInfo, bool) {
	return s.sessions.get(connID)
}

// evictStale sweeps the session table and drops connections whose heartbeat
// predates the staleness cutoff. Entries busy with a concurrent heartbeat
// update are skipped until the next sweep.
func (s *Server) evictStale(now time.Time) {
	cutoff := now.Add(-s.config.StaleAfter)
	for _, info := range s.sessions.all() {
		stale, checked := info.staleBefore(cutoff)
		if !checked || !stale {
			continue
		}
		if _, ok := s.sessions.remove(info.ConnID); !ok {
			continue
		}
		s.metrics.activeConnections.Dec()
		s.metrics.evictionsTotal.Inc()
		s.log.Warn().
			Str("conn", info.ConnID).
			Str("user", info.UserID).
			Time("lastHeartbeat", info.LastHeartbeat()).
			Msg("evicting stale connection")
		_ = info.conn.Close()
		s.fireDisconnect(info)
	}
}
