package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers are fixed by the external schema and must not change.
const (
	messageFieldCommand  = 1
	messageFieldData     = 2
	messageFieldClientID = 3

	responseFieldCode    = 1
	responseFieldMessage = 2
	responseFieldData    = 3

	loginReqFieldUserID   = 1
	loginReqFieldPlatform = 2
	loginReqFieldClientID = 3
	loginReqFieldToken    = 4

	loginRespFieldUserID   = 1
	loginRespFieldLanguage = 2
)

// DecodeError reports bytes that do not parse as the expected record.
type DecodeError struct {
	Record string
	cause  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Record, e.cause)
}

func (e *DecodeError) Unwrap() error { return e.cause }

// Code maps the failure onto the protocol result code table.
func (e *DecodeError) Code() ResultCode { return CodeDecodeError }

func newDecodeError(record string, n int) *DecodeError {
	return &DecodeError{Record: record, cause: protowire.ParseError(n)}
}

// Marshal encodes the message in protobuf wire format. Zero-valued fields
// are omitted.
func (m *Message) Marshal() []byte {
	b := make([]byte, 0, 16+len(m.Data)+len(m.ClientID))
	if m.Command != CommandUnknown {
		b = protowire.AppendTag(b, messageFieldCommand, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Command))
	}
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, messageFieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	if m.ClientID != "" {
		b = protowire.AppendTag(b, messageFieldClientID, protowire.BytesType)
		b = protowire.AppendString(b, m.ClientID)
	}
	return b
}

// UnmarshalMessage decodes a Message, skipping unknown fields.
func UnmarshalMessage(b []byte) (*Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, newDecodeError("Message", n)
		}
		b = b[n:]
		switch {
		case num == messageFieldCommand && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, newDecodeError("Message", n)
			}
			m.Command = Command(int32(v))
			b = b[n:]
		case num == messageFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, newDecodeError("Message", n)
			}
			m.Data = append([]byte(nil), v...)
			b = b[n:]
		case num == messageFieldClientID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, newDecodeError("Message", n)
			}
			m.ClientID = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, newDecodeError("Message", n)
			}
			b = b[n:]
		}
	}
	return &m, nil
}

// Marshal encodes the response in protobuf wire format.
func (r *Response) Marshal() []byte {
	b := make([]byte, 0, 16+len(r.Message)+len(r.Data))
	if r.Code != CodeSuccess {
		b = protowire.AppendTag(b, responseFieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Code))
	}
	if r.Message != "" {
		b = protowire.AppendTag(b, responseFieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, responseFieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	return b
}

// UnmarshalResponse decodes a Response, skipping unknown fields.
func UnmarshalResponse(b []byte) (*Response, error) {
	var r Response
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, newDecodeError("Response", n)
		}
		b = b[n:]
		switch {
		case num == responseFieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, newDecodeError("Response", n)
			}
			r.Code = ResultCode(int32(v))
			b = b[n:]
		case num == responseFieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, newDecodeError("Response", n)
			}
			r.Message = v
			b = b[n:]
		case num == responseFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, newDecodeError("Response", n)
			}
			r.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, newDecodeError("Response", n)
			}
			b = b[n:]
		}
	}
	return &r, nil
}

// Marshal encodes the login request in protobuf wire format.
func (l *LoginRequest) Marshal() []byte {
	b := make([]byte, 0, 24+len(l.UserID)+len(l.ClientID)+len(l.Token))
	if l.UserID != "" {
		b = protowire.AppendTag(b, loginReqFieldUserID, protowire.BytesType)
		b = protowire.AppendString(b, l.UserID)
	}
	if l.Platform != PlatformUnknown {
		b = protowire.AppendTag(b, loginReqFieldPlatform, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(l.Platform))
	}
	if l.ClientID != "" {
		b = protowire.AppendTag(b, loginReqFieldClientID, protowire.BytesType)
		b = protowire.AppendString(b, l.ClientID)
	}
	if l.Token != "" {
		b = protowire.AppendTag(b, loginReqFieldToken, protowire.BytesType)
		b = protowire.AppendString(b, l.Token)
	}
	return b
}

// UnmarshalLoginRequest decodes a LoginRequest, skipping unknown fields.
func UnmarshalLoginRequest(b []byte) (*LoginRequest, error) {
	var l LoginRequest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, newDecodeError("LoginRequest", n)
		}
		b = b[n:]
		switch {
		case num == loginReqFieldUserID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, newDecodeError("LoginRequest", n)
			}
			l.UserID = v
			b = b[n:]
		case num == loginReqFieldPlatform && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, newDecodeError("LoginRequest", n)
			}
			l.Platform = Platform(int32(v))
			b = b[n:]
		case num == loginReqFieldClientID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, newDecodeError("LoginRequest", n)
			}
			l.ClientID = v
			b = b[n:]
		case num == loginReqFieldToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, newDecodeError("LoginRequest", n)
			}
			l.Token = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, newDecodeError("LoginRequest", n)
			}
			b = b[n:]
		}
	}
	return &l, nil
}

// Marshal encodes the login response in protobuf wire format.
func (l *LoginResponse) Marshal() []byte {
	b := make([]byte, 0, 8+len(l.UserID)+len(l.Language))
	if l.UserID != "" {
		b = protowire.AppendTag(b, loginRespFieldUserID, protowire.BytesType)
		b = protowire.AppendString(b, l.UserID)
	}
	if l.Language != "" {
		b = protowire.AppendTag(b, loginRespFieldLanguage, protowire.BytesType)
		b = protowire.AppendString(b, l.Language)
	}
	return b
}

// UnmarshalLoginResponse decodes a LoginResponse, skipping unknown fields.
func UnmarshalLoginResponse(b []byte) (*LoginResponse, error) {
	var l LoginResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, newDecodeError("LoginResponse", n)
		}
		b = b[n:]
		switch {
		case num == loginRespFieldUserID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, newDecodeError("LoginResponse", n)
			}
			l.UserID = v
			b = b[n:]
		case num == loginRespFieldLanguage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, newDecodeError("LoginResponse", n)
			}
			l.Language = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, newDecodeError("LoginResponse", n)
			}
			b = b[n:]
		}
	}
	return &l, nil
}

// The schema types double as encoding.BinaryMarshaler/BinaryUnmarshaler so
// callers can decode payloads without naming the concrete type.

func (m *Message) MarshalBinary() ([]byte, error) { return m.Marshal(), nil }

func (m *Message) UnmarshalBinary(b []byte) error {
	decoded, err := UnmarshalMessage(b)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

func (r *Response) MarshalBinary() ([]byte, error) { return r.Marshal(), nil }

func (r *Response) UnmarshalBinary(b []byte) error {
	decoded, err := UnmarshalResponse(b)
	if err != nil {
		return err
	}
	*r = *decoded
	return nil
}

func (l *LoginRequest) MarshalBinary() ([]byte, error) { return l.Marshal(), nil }

func (l *LoginRequest) UnmarshalBinary(b []byte) error {
	decoded, err := UnmarshalLoginRequest(b)
	if err != nil {
		return err
	}
	*l = *decoded
	return nil
}

func (l *LoginResponse) MarshalBinary() ([]byte, error) { return l.Marshal(), nil }

func (l *LoginResponse) UnmarshalBinary(b []byte) error {
	decoded, err := UnmarshalLoginResponse(b)
	if err != nil {
		return err
	}
	*l = *decoded
	return nil
}
