package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/flare152/flare/connection"
)

// Run starts the configured listeners and the heartbeat watchdog and blocks
// until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s.config.WebsocketAddr == "" && s.config.QUICAddr == "" {
		return errors.New("no listener addresses configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.config.WebsocketAddr != "" {
		g.Go(func() error { return s.serveWebsocket(gctx) })
	}
	if s.config.QUICAddr != "" {
		g.Go(func() error { return s.serveQUIC(gctx) })
	}
	g.Go(func() error {
		s.watchdog(gctx)
		return nil
	})

	s.ready.Store(true)
	defer s.ready.Store(false)
	return g.Wait()
}

// Ready reports whether the listeners are up. The metrics server uses it for
// the readiness endpoint.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) serveWebsocket(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug().Str("remote", r.RemoteAddr).Err(err).Msg("websocket upgrade failed")
			return
		}
		go s.HandleConnection(connection.NewWebsocketConnection(wsConn, s.log))
	})

	listener, err := net.Listen("tcp", s.config.WebsocketAddr)
	if err != nil {
		return errors.Wrap(err, "websocket listen")
	}
	httpServer := &http.Server{
		Handler:   mux,
		TLSConfig: s.config.TLS,
	}
	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("websocket listener started")
	if s.config.TLS != nil {
		err = httpServer.ServeTLS(listener, "", "")
	} else {
		err = httpServer.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return nil
	}
	s.log.Error().Err(err).Msg("websocket listener failed")
	return err
}

func (s *Server) serveQUIC(ctx context.Context) error {
	listener, err := connection.ListenQUIC(s.config.QUICAddr, s.config.TLS)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("quic listener started")
	for {
		session, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("quic listener failed")
			return errors.Wrap(err, "quic accept")
		}
		go func() {
			conn, err := connection.AcceptQUIC(ctx, session, s.log)
			if err != nil {
				s.log.Debug().Err(err).Msg("quic stream handshake failed")
				return
			}
			s.HandleConnection(conn)
		}()
	}
}

// watchdog sweeps for stale connections on a fixed interval.
func (s *Server) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.config.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evictStale(now)
		}
	}
}
