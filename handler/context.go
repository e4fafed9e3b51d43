// Package handler routes inbound commands to their handler groups and
// carries the per-message request context they operate on. The server engine
// builds a Context for every decoded message and hands it to a Dispatcher;
// the dispatcher picks the group (auth, business or system) whose command set
// contains the message's command and converts handler failures into Response
// values with a mapped result code.
package handler

import (
	"encoding"
	"encoding/binary"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/flare152/flare/wire"
)

// Context bundles everything a handler may need about one inbound message:
// where it came from, who sent it, the command and its payload, and a
// mutable key/value bag shared across clones of the same logical context.
type Context struct {
	remoteAddr  string
	command     wire.Command
	data        []byte
	userID      string
	platform    wire.Platform
	clientID    string
	language    string
	connID      string
	clientMsgID string

	values *ValueBag
}

// ValueBag is a mutex-guarded string map. It is shared by pointer, so every
// context built for the same connection observes the same entries.
type ValueBag struct {
	mu sync.Mutex
	m  map[string]string
}

func NewValueBag() *ValueBag {
	return &ValueBag{m: make(map[string]string)}
}

func (b *ValueBag) set(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = value
}

func (b *ValueBag) get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[key]
	return v, ok
}

func (b *ValueBag) delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
}

func (b *ValueBag) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m = make(map[string]string)
}

func (c *Context) RemoteAddr() string { return c.remoteAddr }

// Command returns the message command, or CommandUnknown when the context
// was built without one.
func (c *Context) Command() wire.Command { return c.command }

func (c *Context) Data() []byte { return c.data }

func (c *Context) UserID() string { return c.userID }

func (c *Context) Platform() wire.Platform { return c.platform }

func (c *Context) ClientID() string { return c.clientID }

func (c *Context) Language() string { return c.language }

func (c *Context) ConnID() string { return c.connID }

// ClientMsgID is the correlation token echoed back in server responses.
func (c *Context) ClientMsgID() string { return c.clientMsgID }

// StringData interprets the payload as UTF-8 text.
func (c *Context) StringData() string { return string(c.data) }

// BoolData interprets the first payload byte as a boolean. An empty payload
// fails with an invalid params code.
func (c *Context) BoolData() (bool, error) {
	if len(c.data) == 0 {
		return false, NewError(wire.CodeInvalidParams, "payload is empty")
	}
	return c.data[0] != 0, nil
}

// Int64Data interprets the payload as a little-endian 64-bit integer.
func (c *Context) Int64Data() (int64, error) {
	if len(c.data) < 8 {
		return 0, NewError(wire.CodeInvalidParams, "payload is too short")
	}
	return int64(binary.LittleEndian.Uint64(c.data)), nil
}

// Float64Data interprets the payload as a little-endian IEEE 754 double.
func (c *Context) Float64Data() (float64, error) {
	if len(c.data) < 8 {
		return 0, NewError(wire.CodeInvalidParams, "payload is too short")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(c.data)), nil
}

// BindData decodes the payload into v, typically one of the wire schema
// types.
func (c *Context) BindData(v encoding.BinaryUnmarshaler) error {
	return v.UnmarshalBinary(c.data)
}

// SetValue stores a key/value pair visible to every clone of this context.
func (c *Context) SetValue(key, value string) {
	c.values.set(key, value)
}

// Value looks up a key stored with SetValue.
func (c *Context) Value(key string) (string, bool) {
	return c.values.get(key)
}

// DeleteValue removes a key stored with SetValue.
func (c *Context) DeleteValue(key string) {
	c.values.delete(key)
}

// Clone returns a copy that shares the value bag with the receiver.
func (c *Context) Clone() *Context {
	clone := *c
	return &clone
}

// Destroy clears the payload, the identity fields and the shared value bag.
// The context must not be used afterwards.
func (c *Context) Destroy() {
	c.values.clear()
	c.command = wire.CommandUnknown
	c.data = nil
	c.userID = ""
	c.platform = wire.PlatformUnknown
	c.clientID = ""
	c.language = ""
	c.connID = ""
	c.clientMsgID = ""
}

// ContextBuilder assembles a Context. Only the remote address is mandatory.
type ContextBuilder struct {
	ctx Context
}

func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{}
}

func (b *ContextBuilder) RemoteAddr(addr string) *ContextBuilder {
	b.ctx.remoteAddr = addr
	return b
}

func (b *ContextBuilder) Command(cmd wire.Command) *ContextBuilder {
	b.ctx.command = cmd
	return b
}

func (b *ContextBuilder) Data(data []byte) *ContextBuilder {
	b.ctx.data = data
	return b
}

func (b *ContextBuilder) UserID(userID string) *ContextBuilder {
	b.ctx.userID = userID
	return b
}

func (b *ContextBuilder) Platform(platform wire.Platform) *ContextBuilder {
	b.ctx.platform = platform
	return b
}

func (b *ContextBuilder) ClientID(clientID string) *ContextBuilder {
	b.ctx.clientID = clientID
	return b
}

func (b *ContextBuilder) Language(language string) *ContextBuilder {
	b.ctx.language = language
	return b
}

func (b *ContextBuilder) ConnID(connID string) *ContextBuilder {
	b.ctx.connID = connID
	return b
}

func (b *ContextBuilder) ClientMsgID(id string) *ContextBuilder {
	b.ctx.clientMsgID = id
	return b
}

// Values shares an existing value bag, typically the one owned by the
// connection so per-connection state survives across messages.
func (b *ContextBuilder) Values(values *ValueBag) *ContextBuilder {
	b.ctx.values = values
	return b
}

// Build validates the builder and returns the context.
func (b *ContextBuilder) Build() (*Context, error) {
	if b.ctx.remoteAddr == "" {
		return nil, errors.New("remote address is required")
	}
	ctx := b.ctx
	if ctx.values == nil {
		ctx.values = NewValueBag()
	}
	return &ctx, nil
}
