package handler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/flare152/flare/wire"
)

// Handler processes the commands of one handler group.
type Handler interface {
	// Commands returns the commands this group accepts.
	Commands() []wire.Command
	// Handle processes ctx and returns the response sent back to the peer.
	Handle(ctx *Context) (*wire.Response, error)
}

// Dispatcher routes inbound commands across the three server-side handler
// groups. Ping and Pong are answered inline without touching any group.
type Dispatcher struct {
	auth     *AuthHandler
	business *BusinessHandler
	system   *SystemHandler
	routes   map[wire.Command]Handler
	log      *zerolog.Logger
}

// NewDispatcher wires the three groups in routing order: auth, then
// business, then system. The command sets are disjoint in practice; if a
// command appears in more than one group, the earlier group wins.
func NewDispatcher(auth *AuthHandler, business *BusinessHandler, system *SystemHandler, log *zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		auth:     auth,
		business: business,
		system:   system,
		routes:   make(map[wire.Command]Handler),
		log:      log,
	}
	for _, group := range []Handler{auth, business, system} {
		for _, cmd := range group.Commands() {
			if _, taken := d.routes[cmd]; !taken {
				d.routes[cmd] = group
			}
		}
	}
	return d
}

// NewDefaultDispatcher builds a dispatcher out of the default group
// implementations.
func NewDefaultDispatcher(log *zerolog.Logger) *Dispatcher {
	return NewDispatcher(
		NewAuthHandler(NewDefaultAuthenticator(log)),
		NewBusinessHandler(NewDefaultMessenger(log)),
		NewSystemHandler(NewDefaultSessionManager(log)),
		log,
	)
}

// Dispatch routes ctx to the group that accepts its command. The returned
// response is always non-nil; when a handler fails, the response carries the
// mapped result code and the error is returned alongside so the caller can
// decide whether the connection survives.
func (d *Dispatcher) Dispatch(ctx *Context) (*wire.Response, error) {
	cmd := ctx.Command()
	switch cmd {
	case wire.CommandUnknown:
		err := NewError(wire.CodeInvalidCommand, "missing command")
		return ResponseFromError(err), err
	case wire.CommandPing:
		return wire.NewResponse(wire.CodeSuccess, "PONG", nil), nil
	case wire.CommandPong:
		return wire.NewResponse(wire.CodeSuccess, "PING received", nil), nil
	}

	group, ok := d.routes[cmd]
	if !ok {
		err := Errorf(wire.CodeInvalidCommand, "no handler for command %s", cmd)
		return ResponseFromError(err), err
	}

	d.log.Trace().Str("command", cmd.String()).Msg("dispatching command")
	resp, err := group.Handle(ctx)
	if err != nil {
		d.log.Debug().Err(err).Str("command", cmd.String()).Msg("handler failed")
		return ResponseFromError(err), err
	}
	return resp, nil
}

// Authenticate runs the login path of the auth group. The server calls this
// during the connection handshake before any command is dispatched.
func (d *Dispatcher) Authenticate(ctx *Context) (*wire.Response, error) {
	return d.auth.Login(ctx)
}

// OnConnect notifies the system group that a connection passed
// authentication.
func (d *Dispatcher) OnConnect(ctx *Context) (*wire.Response, error) {
	return d.system.OnConnect(ctx)
}

// OnDisconnect notifies the system group that a connection went away.
func (d *Dispatcher) OnDisconnect(ctx *Context) {
	d.system.OnDisconnect(ctx)
}

// Commands returns every command the dispatcher answers, including the
// inline Ping and Pong.
func (d *Dispatcher) Commands() []wire.Command {
	commands := make([]wire.Command, 0, len(d.routes)+2)
	for _, group := range []Handler{d.auth, d.business, d.system} {
		commands = append(commands, group.Commands()...)
	}
	return append(commands, wire.CommandPing, wire.CommandPong)
}

func unsupportedResponse(cmd wire.Command) *wire.Response {
	return wire.NewResponse(wire.CodeInvalidCommand, fmt.Sprintf("unsupported command: %s", cmd), nil)
}
