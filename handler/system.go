package handler

import (
	"github.com/rs/zerolog"

	"github.com/flare152/flare/wire"
)

// SessionManager reacts to the connection-scoped system commands and to the
// connection lifecycle itself.
type SessionManager interface {
	// OnConnect runs right after a connection passes authentication. A
	// non-Success response or an error tears the connection down.
	OnConnect(ctx *Context) (*wire.Response, error)
	// OnDisconnect runs when the connection's read loop terminates.
	OnDisconnect(ctx *Context)
	SetBackground(ctx *Context, background bool) (*wire.Response, error)
	SetLanguage(ctx *Context, language string) (*wire.Response, error)
	// Close acknowledges a client-initiated close. The server closes the
	// connection after sending the response.
	Close(ctx *Context) (*wire.Response, error)
}

// SystemHandler adapts a SessionManager to the Handler interface, decoding
// the command payloads on the way in.
type SystemHandler struct {
	sessions SessionManager
}

func NewSystemHandler(sessions SessionManager) *SystemHandler {
	return &SystemHandler{sessions: sessions}
}

func (h *SystemHandler) Commands() []wire.Command {
	return []wire.Command{
		wire.CommandSetBackground,
		wire.CommandSetLanguage,
		wire.CommandClose,
	}
}

func (h *SystemHandler) Handle(ctx *Context) (*wire.Response, error) {
	switch ctx.Command() {
	case wire.CommandSetBackground:
		background, err := ctx.BoolData()
		if err != nil {
			return nil, err
		}
		return h.sessions.SetBackground(ctx, background)
	case wire.CommandSetLanguage:
		return h.sessions.SetLanguage(ctx, ctx.StringData())
	case wire.CommandClose:
		return h.sessions.Close(ctx)
	default:
		return unsupportedResponse(ctx.Command()), nil
	}
}

func (h *SystemHandler) OnConnect(ctx *Context) (*wire.Response, error) {
	return h.sessions.OnConnect(ctx)
}

func (h *SystemHandler) OnDisconnect(ctx *Context) {
	h.sessions.OnDisconnect(ctx)
}

// DefaultSessionManager records session commands in the context value bag
// and acknowledges them.
type DefaultSessionManager struct {
	log *zerolog.Logger
}

func NewDefaultSessionManager(log *zerolog.Logger) *DefaultSessionManager {
	return &DefaultSessionManager{log: log}
}

func (s *DefaultSessionManager) OnConnect(ctx *Context) (*wire.Response, error) {
	s.log.Debug().
		Str("remoteAddr", ctx.RemoteAddr()).
		Str("connID", ctx.ConnID()).
		Msg("connection established")
	return wire.NewResponse(wire.CodeSuccess, "connection established", nil), nil
}

func (s *DefaultSessionManager) OnDisconnect(ctx *Context) {
	s.log.Debug().
		Str("remoteAddr", ctx.RemoteAddr()).
		Str("connID", ctx.ConnID()).
		Msg("connection closed")
}

func (s *DefaultSessionManager) SetBackground(ctx *Context, background bool) (*wire.Response, error) {
	if background {
		ctx.SetValue("background", "true")
	} else {
		ctx.SetValue("background", "false")
	}
	message := "background mode disabled"
	if background {
		message = "background mode enabled"
	}
	return wire.NewResponse(wire.CodeSuccess, message, nil), nil
}

func (s *DefaultSessionManager) SetLanguage(ctx *Context, language string) (*wire.Response, error) {
	if language == "" {
		return wire.NewResponse(wire.CodeInvalidParams, "language cannot be empty", nil), nil
	}
	ctx.SetValue("language", language)
	return wire.NewResponse(wire.CodeSuccess, "language set to "+language, nil), nil
}

func (s *DefaultSessionManager) Close(ctx *Context) (*wire.Response, error) {
	s.log.Debug().
		Str("remoteAddr", ctx.RemoteAddr()).
		Str("userID", ctx.UserID()).
		Msg("close requested")
	return wire.NewResponse(wire.CodeSuccess, "connection closing", nil), nil
}
