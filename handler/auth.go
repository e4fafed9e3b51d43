package handler

import (
	"github.com/rs/zerolog"

	"github.com/flare152/flare/wire"
)

// Authenticator validates logins and observes logouts.
type Authenticator interface {
	// Login decides whether req may authenticate. A Success response admits
	// the connection; its data should carry an encoded LoginResponse.
	Login(ctx *Context, req *wire.LoginRequest) (*wire.Response, error)
	// Logout handles an authenticated client signing off.
	Logout(ctx *Context) (*wire.Response, error)
}

// AuthHandler adapts an Authenticator to the Handler interface.
type AuthHandler struct {
	auth Authenticator
}

func NewAuthHandler(auth Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

func (h *AuthHandler) Commands() []wire.Command {
	return []wire.Command{wire.CommandLogin, wire.CommandLogout}
}

// Login decodes the login payload and hands it to the authenticator. The
// server also calls this directly during the auth handshake.
func (h *AuthHandler) Login(ctx *Context) (*wire.Response, error) {
	req := new(wire.LoginRequest)
	if err := ctx.BindData(req); err != nil {
		return nil, err
	}
	return h.auth.Login(ctx, req)
}

func (h *AuthHandler) Handle(ctx *Context) (*wire.Response, error) {
	switch ctx.Command() {
	case wire.CommandLogin:
		return h.Login(ctx)
	case wire.CommandLogout:
		return h.auth.Logout(ctx)
	default:
		return unsupportedResponse(ctx.Command()), nil
	}
}

// DefaultAuthenticator admits any login that carries a token. It stands in
// until a deployment provides its own credential check.
type DefaultAuthenticator struct {
	log *zerolog.Logger
}

func NewDefaultAuthenticator(log *zerolog.Logger) *DefaultAuthenticator {
	return &DefaultAuthenticator{log: log}
}

func (a *DefaultAuthenticator) Login(ctx *Context, req *wire.LoginRequest) (*wire.Response, error) {
	if req.Token == "" {
		return wire.NewResponse(wire.CodeUnauthorized, "token is required", nil), nil
	}
	a.log.Debug().
		Str("remoteAddr", ctx.RemoteAddr()).
		Str("userID", req.UserID).
		Str("platform", req.Platform.String()).
		Msg("login accepted")
	reply := wire.LoginResponse{UserID: req.UserID}
	return wire.NewResponse(wire.CodeSuccess, "login successful", reply.Marshal()), nil
}

func (a *DefaultAuthenticator) Logout(ctx *Context) (*wire.Response, error) {
	a.log.Debug().
		Str("remoteAddr", ctx.RemoteAddr()).
		Str("userID", ctx.UserID()).
		Msg("logout")
	return wire.NewResponse(wire.CodeSuccess, "logout successful", nil), nil
}
