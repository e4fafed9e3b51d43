package handler

import (
	"github.com/rs/zerolog"

	"github.com/flare152/flare/wire"
)

// Messenger handles the client-to-server messaging commands. Deployments
// supply an implementation backed by their message store; the default only
// validates payloads and acknowledges.
type Messenger interface {
	SendMessage(ctx *Context) (*wire.Response, error)
	PullMessage(ctx *Context) (*wire.Response, error)
	Request(ctx *Context) (*wire.Response, error)
	Ack(ctx *Context) (*wire.Response, error)
}

// BusinessHandler adapts a Messenger to the Handler interface.
type BusinessHandler struct {
	messenger Messenger
}

func NewBusinessHandler(messenger Messenger) *BusinessHandler {
	return &BusinessHandler{messenger: messenger}
}

func (h *BusinessHandler) Commands() []wire.Command {
	return []wire.Command{
		wire.CommandSendMessage,
		wire.CommandPullMessage,
		wire.CommandRequest,
		wire.CommandAck,
	}
}

func (h *BusinessHandler) Handle(ctx *Context) (*wire.Response, error) {
	switch ctx.Command() {
	case wire.CommandSendMessage:
		return h.messenger.SendMessage(ctx)
	case wire.CommandPullMessage:
		return h.messenger.PullMessage(ctx)
	case wire.CommandRequest:
		return h.messenger.Request(ctx)
	case wire.CommandAck:
		return h.messenger.Ack(ctx)
	default:
		return unsupportedResponse(ctx.Command()), nil
	}
}

// DefaultMessenger acknowledges messaging commands without persisting
// anything.
type DefaultMessenger struct {
	log *zerolog.Logger
}

func NewDefaultMessenger(log *zerolog.Logger) *DefaultMessenger {
	return &DefaultMessenger{log: log}
}

func (m *DefaultMessenger) SendMessage(ctx *Context) (*wire.Response, error) {
	if ctx.StringData() == "" {
		return wire.NewResponse(wire.CodeInvalidParams, "message cannot be empty", nil), nil
	}
	m.log.Debug().
		Str("remoteAddr", ctx.RemoteAddr()).
		Int("bytes", len(ctx.Data())).
		Msg("message accepted")
	return wire.NewResponse(wire.CodeSuccess, "message sent", nil), nil
}

func (m *DefaultMessenger) PullMessage(ctx *Context) (*wire.Response, error) {
	m.log.Debug().Str("remoteAddr", ctx.RemoteAddr()).Msg("pull requested")
	return wire.NewResponse(wire.CodeSuccess, "messages pulled", nil), nil
}

func (m *DefaultMessenger) Request(ctx *Context) (*wire.Response, error) {
	m.log.Debug().Str("remoteAddr", ctx.RemoteAddr()).Msg("request handled")
	return wire.NewResponse(wire.CodeSuccess, "request handled", nil), nil
}

func (m *DefaultMessenger) Ack(ctx *Context) (*wire.Response, error) {
	msgID := ctx.StringData()
	if msgID == "" {
		return wire.NewResponse(wire.CodeInvalidParams, "message id cannot be empty", nil), nil
	}
	m.log.Debug().
		Str("remoteAddr", ctx.RemoteAddr()).
		Str("msgID", msgID).
		Msg("message acked")
	return wire.NewResponse(wire.CodeSuccess, "ack recorded", nil), nil
}
