package handler

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/wire"
)

func TestContextBuilderRequiresRemoteAddr(t *testing.T) {
	_, err := NewContextBuilder().Command(wire.CommandPing).Build()
	require.Error(t, err)

	ctx, err := NewContextBuilder().RemoteAddr("127.0.0.1:52110").Build()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:52110", ctx.RemoteAddr())
}

func TestContextAccessors(t *testing.T) {
	ctx, err := NewContextBuilder().
		RemoteAddr("127.0.0.1:52110").
		Command(wire.CommandSendMessage).
		Data([]byte("hello")).
		UserID("user-1").
		Platform(wire.PlatformAndroid).
		ClientID("client-1").
		Language("en-US").
		ConnID("conn-1").
		ClientMsgID("msg-1").
		Build()
	require.NoError(t, err)

	assert.Equal(t, wire.CommandSendMessage, ctx.Command())
	assert.Equal(t, []byte("hello"), ctx.Data())
	assert.Equal(t, "user-1", ctx.UserID())
	assert.Equal(t, wire.PlatformAndroid, ctx.Platform())
	assert.Equal(t, "client-1", ctx.ClientID())
	assert.Equal(t, "en-US", ctx.Language())
	assert.Equal(t, "conn-1", ctx.ConnID())
	assert.Equal(t, "msg-1", ctx.ClientMsgID())
	assert.Equal(t, "hello", ctx.StringData())
}

func TestContextBoolData(t *testing.T) {
	for _, test := range []struct {
		data []byte
		want bool
	}{
		{[]byte{0}, false},
		{[]byte{1}, true},
		{[]byte{42}, true},
	} {
		ctx := newTestContext(t, wire.CommandSetBackground, test.data)
		got, err := ctx.BoolData()
		require.NoError(t, err)
		assert.Equal(t, test.want, got)
	}

	ctx := newTestContext(t, wire.CommandSetBackground, nil)
	_, err := ctx.BoolData()
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, wire.CodeInvalidParams, herr.Code())
}

func TestContextInt64Data(t *testing.T) {
	payload := make([]byte, 8)
	value := int64(-42)
	binary.LittleEndian.PutUint64(payload, uint64(value))
	ctx := newTestContext(t, wire.CommandRequest, payload)

	got, err := ctx.Int64Data()
	require.NoError(t, err)
	assert.Equal(t, int64(-42), got)

	short := newTestContext(t, wire.CommandRequest, []byte{1, 2, 3})
	_, err = short.Int64Data()
	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, wire.CodeInvalidParams, herr.Code())
}

func TestContextFloat64Data(t *testing.T) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, math.Float64bits(3.5))
	ctx := newTestContext(t, wire.CommandRequest, payload)

	got, err := ctx.Float64Data()
	require.NoError(t, err)
	assert.Equal(t, 3.5, got)

	short := newTestContext(t, wire.CommandRequest, []byte{1})
	_, err = short.Float64Data()
	require.Error(t, err)
}

func TestContextBindData(t *testing.T) {
	req := &wire.LoginRequest{
		UserID:   "user-1",
		Platform: wire.PlatformWeb,
		ClientID: "client-1",
		Token:    "secret",
	}
	ctx := newTestContext(t, wire.CommandLogin, req.Marshal())

	decoded := new(wire.LoginRequest)
	require.NoError(t, ctx.BindData(decoded))
	assert.Equal(t, req, decoded)

	bad := newTestContext(t, wire.CommandLogin, []byte{0x0a, 0xff})
	var derr *wire.DecodeError
	require.ErrorAs(t, bad.BindData(new(wire.LoginRequest)), &derr)
}

func TestContextValuesSharedAcrossClones(t *testing.T) {
	ctx := newTestContext(t, wire.CommandSetLanguage, nil)
	clone := ctx.Clone()

	ctx.SetValue("language", "en-US")
	got, ok := clone.Value("language")
	require.True(t, ok)
	assert.Equal(t, "en-US", got)

	clone.DeleteValue("language")
	_, ok = ctx.Value("language")
	assert.False(t, ok)
}

func TestContextDestroy(t *testing.T) {
	ctx, err := NewContextBuilder().
		RemoteAddr("127.0.0.1:52110").
		Command(wire.CommandClose).
		Data([]byte("bye")).
		UserID("user-1").
		Build()
	require.NoError(t, err)
	ctx.SetValue("k", "v")

	ctx.Destroy()

	assert.Equal(t, wire.CommandUnknown, ctx.Command())
	assert.Empty(t, ctx.Data())
	assert.Empty(t, ctx.UserID())
	_, ok := ctx.Value("k")
	assert.False(t, ok)
}

func newTestContext(t *testing.T, cmd wire.Command, data []byte) *Context {
	t.Helper()
	ctx, err := NewContextBuilder().
		RemoteAddr("127.0.0.1:52110").
		Command(cmd).
		Data(data).
		Build()
	require.NoError(t, err)
	return ctx
}
