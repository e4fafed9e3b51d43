// Package wire implements the external message schema shared by flare
// clients and servers: a Message envelope carrying a command and payload,
// the Response envelope for replies, and the login records exchanged during
// the authentication handshake. Values are encoded in protobuf wire format.
package wire

// Command identifies the operation a Message carries. The numeric ranges are
// part of the protocol: 1-9 system, 10-29 client to server, 30-49 server to
// client.
type Command int32

const (
	CommandUnknown       Command = 0
	CommandPing          Command = 1
	CommandPong          Command = 2
	CommandLogin         Command = 3
	CommandLogout        Command = 4
	CommandSetBackground Command = 5
	CommandSetLanguage   Command = 6
	CommandKickOnline    Command = 7
	CommandClose         Command = 8

	CommandSendMessage Command = 10
	CommandPullMessage Command = 11
	CommandRequest     Command = 12
	CommandAck         Command = 13

	CommandPushMessage    Command = 30
	CommandPushCustom     Command = 31
	CommandPushNotice     Command = 32
	CommandPushData       Command = 33
	CommandServerAck      Command = 34
	CommandServerResponse Command = 35
)

var commandNames = map[Command]string{
	CommandUnknown:        "Unknown",
	CommandPing:           "Ping",
	CommandPong:           "Pong",
	CommandLogin:          "Login",
	CommandLogout:         "Logout",
	CommandSetBackground:  "SetBackground",
	CommandSetLanguage:    "SetLanguage",
	CommandKickOnline:     "KickOnline",
	CommandClose:          "Close",
	CommandSendMessage:    "SendMessage",
	CommandPullMessage:    "PullMessage",
	CommandRequest:        "Request",
	CommandAck:            "Ack",
	CommandPushMessage:    "PushMessage",
	CommandPushCustom:     "PushCustom",
	CommandPushNotice:     "PushNotice",
	CommandPushData:       "PushData",
	CommandServerAck:      "ServerAck",
	CommandServerResponse: "ServerResponse",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "Unknown"
}

// IsSystem reports whether c falls in the system range (1-9).
func (c Command) IsSystem() bool {
	return c > CommandUnknown && c <= 9
}

// IsClientCommand reports whether c falls in the client-to-server range
// (10-29).
func (c Command) IsClientCommand() bool {
	return c >= 10 && c <= 29
}

// IsServerPush reports whether c falls in the server-to-client range (30-49).
func (c Command) IsServerPush() bool {
	return c >= 30 && c <= 49
}

// Platform identifies the device family a client logs in from.
type Platform int32

const (
	PlatformUnknown Platform = 0
	PlatformIOS     Platform = 1
	PlatformAndroid Platform = 2
	PlatformWindows Platform = 3
	PlatformOSX     Platform = 4
	PlatformWeb     Platform = 5
	PlatformMiniWeb Platform = 6
	PlatformLinux   Platform = 7
	PlatformAPad    Platform = 8
	PlatformIPad    Platform = 9
)

var platformNames = map[Platform]string{
	PlatformUnknown: "Unknown",
	PlatformIOS:     "Ios",
	PlatformAndroid: "Android",
	PlatformWindows: "Windows",
	PlatformOSX:     "Osx",
	PlatformWeb:     "Web",
	PlatformMiniWeb: "MiniWeb",
	PlatformLinux:   "Linux",
	PlatformAPad:    "Apad",
	PlatformIPad:    "Ipad",
}

func (p Platform) String() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	return "Unknown"
}

// ResultCode is the stable status carried by every Response.
type ResultCode int32

const (
	CodeSuccess            ResultCode = 0
	CodeUnknown            ResultCode = 1
	CodeConnectionClosed   ResultCode = 2
	CodeConnectionNotFound ResultCode = 3
	CodeDecodeError        ResultCode = 4
	CodeEncodeError        ResultCode = 5
	CodeWebsocketError     ResultCode = 6
	CodeInvalidMessageType ResultCode = 7
	CodeBusinessError      ResultCode = 8
	CodeProtocolError      ResultCode = 9
	CodeAuthError          ResultCode = 10
	CodeNotFoundHandler    ResultCode = 11
	CodePushToClientError  ResultCode = 12
	CodeSendMessageError   ResultCode = 13
	CodeInvalidParams      ResultCode = 14
	CodeInvalidCommand     ResultCode = 15
	CodeUnauthorized       ResultCode = 16
	CodeInternalError      ResultCode = 17
	CodeInvalidState       ResultCode = 18
	CodeTimeout            ResultCode = 19
	CodeResourceError      ResultCode = 20
	CodeConnectionError    ResultCode = 21
	CodeArgsError          ResultCode = 22
)

var codeNames = map[ResultCode]string{
	CodeSuccess:            "Success",
	CodeUnknown:            "UnknownCode",
	CodeConnectionClosed:   "ConnectionClosed",
	CodeConnectionNotFound: "ConnectionNotFound",
	CodeDecodeError:        "DecodeError",
	CodeEncodeError:        "EncodeError",
	CodeWebsocketError:     "WebsocketError",
	CodeInvalidMessageType: "InvalidMessageType",
	CodeBusinessError:      "BusinessError",
	CodeProtocolError:      "ProtocolError",
	CodeAuthError:          "AuthError",
	CodeNotFoundHandler:    "NotFoundHandler",
	CodePushToClientError:  "PushToClientError",
	CodeSendMessageError:   "SendMessageError",
	CodeInvalidParams:      "InvalidParams",
	CodeInvalidCommand:     "InvalidCommand",
	CodeUnauthorized:       "Unauthorized",
	CodeInternalError:      "InternalError",
	CodeInvalidState:       "InvalidState",
	CodeTimeout:            "Timeout",
	CodeResourceError:      "ResourceError",
	CodeConnectionError:    "ConnectionError",
	CodeArgsError:          "ArgsError",
}

func (c ResultCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UnknownCode"
}

// Message is the envelope for every frame on a fabric connection. ClientID
// doubles as the per-request correlation token for send-wait round trips.
type Message struct {
	Command  Command
	Data     []byte
	ClientID string
}

// NewMessage returns a Message for the given command and payload.
func NewMessage(command Command, data []byte) *Message {
	return &Message{Command: command, Data: data}
}

// NewPing returns a heartbeat probe message.
func NewPing() *Message {
	return &Message{Command: CommandPing, Data: []byte("ping")}
}

// NewPong returns the reply to a heartbeat probe.
func NewPong() *Message {
	return &Message{Command: CommandPong, Data: []byte("pong")}
}

// Response is the reply envelope the server wraps into a ServerResponse
// message for every client-initiated command.
type Response struct {
	Code    ResultCode
	Message string
	Data    []byte
}

// NewResponse returns a Response with the given code and human-readable text.
func NewResponse(code ResultCode, message string, data []byte) *Response {
	return &Response{Code: code, Message: message, Data: data}
}

// OK returns a success Response carrying data.
func OK(data []byte) *Response {
	return &Response{Code: CodeSuccess, Message: "success", Data: data}
}

// IsSuccess reports whether the response carries CodeSuccess.
func (r *Response) IsSuccess() bool {
	return r.Code == CodeSuccess
}

// LoginRequest is the payload of a Login message.
type LoginRequest struct {
	UserID   string
	Platform Platform
	ClientID string
	Token    string
}

// LoginResponse is the payload inside the success Response to a Login.
type LoginResponse struct {
	UserID   string
	Language string
}
