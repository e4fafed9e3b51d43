package handler

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/wire"
)

var testLogger = zerolog.Nop()

func TestDispatchPingPong(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.Dispatch(newTestContext(t, wire.CommandPing, nil))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSuccess, resp.Code)
	assert.Equal(t, "PONG", resp.Message)

	resp, err = d.Dispatch(newTestContext(t, wire.CommandPong, nil))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSuccess, resp.Code)
	assert.Equal(t, "PING received", resp.Message)
}

func TestDispatchMissingCommand(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.Dispatch(newTestContext(t, wire.CommandUnknown, nil))
	require.Error(t, err)
	assert.Equal(t, wire.CodeInvalidCommand, resp.Code)
}

func TestDispatchUnroutedCommand(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	// Server push commands have no server-side handler group.
	resp, err := d.Dispatch(newTestContext(t, wire.CommandPushMessage, nil))
	require.Error(t, err)
	assert.Equal(t, wire.CodeInvalidCommand, resp.Code)
}

func TestDispatchLogin(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	noToken := &wire.LoginRequest{UserID: "user-1", Platform: wire.PlatformIOS}
	resp, err := d.Dispatch(newTestContext(t, wire.CommandLogin, noToken.Marshal()))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeUnauthorized, resp.Code)

	req := &wire.LoginRequest{UserID: "user-1", Platform: wire.PlatformIOS, Token: "secret"}
	resp, err = d.Dispatch(newTestContext(t, wire.CommandLogin, req.Marshal()))
	require.NoError(t, err)
	require.Equal(t, wire.CodeSuccess, resp.Code)

	reply, err := wire.UnmarshalLoginResponse(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, "user-1", reply.UserID)
}

func TestDispatchLoginMalformedPayload(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.Dispatch(newTestContext(t, wire.CommandLogin, []byte{0x0a, 0xff}))
	require.Error(t, err)
	assert.Equal(t, wire.CodeDecodeError, resp.Code)

	var derr *wire.DecodeError
	assert.ErrorAs(t, err, &derr)
}

func TestDispatchLogout(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.Dispatch(newTestContext(t, wire.CommandLogout, nil))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSuccess, resp.Code)
}

func TestDispatchSetLanguage(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.Dispatch(newTestContext(t, wire.CommandSetLanguage, nil))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeInvalidParams, resp.Code)

	ctx := newTestContext(t, wire.CommandSetLanguage, []byte("en-US"))
	resp, err = d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSuccess, resp.Code)

	language, ok := ctx.Value("language")
	require.True(t, ok)
	assert.Equal(t, "en-US", language)
}

func TestDispatchSetBackground(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.Dispatch(newTestContext(t, wire.CommandSetBackground, []byte{1}))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSuccess, resp.Code)
	assert.Equal(t, "background mode enabled", resp.Message)

	// Empty payload fails in the bool decoder and maps to invalid params.
	resp, err = d.Dispatch(newTestContext(t, wire.CommandSetBackground, nil))
	require.Error(t, err)
	assert.Equal(t, wire.CodeInvalidParams, resp.Code)
}

func TestDispatchSendMessage(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.Dispatch(newTestContext(t, wire.CommandSendMessage, nil))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeInvalidParams, resp.Code)

	resp, err = d.Dispatch(newTestContext(t, wire.CommandSendMessage, []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSuccess, resp.Code)
}

func TestDispatchAck(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.Dispatch(newTestContext(t, wire.CommandAck, nil))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeInvalidParams, resp.Code)

	resp, err = d.Dispatch(newTestContext(t, wire.CommandAck, []byte("msg-7")))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSuccess, resp.Code)
}

type rejectingAuthenticator struct {
	err error
}

func (a rejectingAuthenticator) Login(ctx *Context, req *wire.LoginRequest) (*wire.Response, error) {
	return nil, a.err
}

func (a rejectingAuthenticator) Logout(ctx *Context) (*wire.Response, error) {
	return nil, a.err
}

func TestDispatchMapsHandlerErrors(t *testing.T) {
	req := &wire.LoginRequest{UserID: "user-1", Token: "secret"}

	for _, test := range []struct {
		name     string
		err      error
		wantCode wire.ResultCode
	}{
		{
			name:     "taxonomy error keeps its code",
			err:      NewError(wire.CodeBusinessError, "not allowed"),
			wantCode: wire.CodeBusinessError,
		},
		{
			name:     "wrapped taxonomy error keeps its code",
			err:      errors.Wrap(NewError(wire.CodeAuthError, "bad credentials"), "login"),
			wantCode: wire.CodeAuthError,
		},
		{
			name:     "unknown error maps to internal",
			err:      errors.New("database offline"),
			wantCode: wire.CodeInternalError,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := NewDispatcher(
				NewAuthHandler(rejectingAuthenticator{err: test.err}),
				NewBusinessHandler(NewDefaultMessenger(&testLogger)),
				NewSystemHandler(NewDefaultSessionManager(&testLogger)),
				&testLogger,
			)
			resp, err := d.Dispatch(newTestContext(t, wire.CommandLogin, req.Marshal()))
			require.Error(t, err)
			assert.Equal(t, test.wantCode, resp.Code)
		})
	}
}

func TestDispatcherAuthenticate(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	req := &wire.LoginRequest{UserID: "user-1", Token: "secret"}
	resp, err := d.Authenticate(newTestContext(t, wire.CommandLogin, req.Marshal()))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSuccess, resp.Code)
}

func TestDispatcherOnConnect(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	resp, err := d.OnConnect(newTestContext(t, wire.CommandUnknown, nil))
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
}

func TestDispatcherCommands(t *testing.T) {
	d := NewDefaultDispatcher(&testLogger)

	commands := d.Commands()
	for _, cmd := range []wire.Command{
		wire.CommandLogin,
		wire.CommandLogout,
		wire.CommandSendMessage,
		wire.CommandPullMessage,
		wire.CommandRequest,
		wire.CommandAck,
		wire.CommandSetBackground,
		wire.CommandSetLanguage,
		wire.CommandClose,
		wire.CommandPing,
		wire.CommandPong,
	} {
		assert.Contains(t, commands, cmd)
	}
}

func TestResponseFromError(t *testing.T) {
	resp := ResponseFromError(NewError(wire.CodeTimeout, "deadline exceeded"))
	assert.Equal(t, wire.CodeTimeout, resp.Code)
	assert.Equal(t, "deadline exceeded", resp.Message)

	resp = ResponseFromError(errors.New("boom"))
	assert.Equal(t, wire.CodeInternalError, resp.Code)
}
