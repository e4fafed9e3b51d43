package handler

import "github.com/flare152/flare/wire"

// MessageListener receives server-initiated traffic on an authenticated
// client. The client engine invokes exactly one callback per inbound push,
// chosen by the message command.
type MessageListener interface {
	// OnMessage receives PushMessage payloads.
	OnMessage(data []byte)
	// OnCustomMessage receives PushCustom payloads.
	OnCustomMessage(data []byte)
	// OnNoticeMessage receives PushNotice payloads.
	OnNoticeMessage(data []byte)
	// OnData receives PushData payloads.
	OnData(data []byte)
	// OnAck receives ServerAck payloads.
	OnAck(data []byte)
	// OnResponse receives ServerResponse replies that no send-wait call
	// claimed.
	OnResponse(resp *wire.Response)
}

// NopListener discards everything. Embed it to implement only the callbacks
// of interest.
type NopListener struct{}

func (NopListener) OnMessage(data []byte)          {}
func (NopListener) OnCustomMessage(data []byte)    {}
func (NopListener) OnNoticeMessage(data []byte)    {}
func (NopListener) OnData(data []byte)             {}
func (NopListener) OnAck(data []byte)              {}
func (NopListener) OnResponse(resp *wire.Response) {}

var _ MessageListener = NopListener{}
