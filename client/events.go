package client

import (
	"fmt"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of the client engine.
type State int32

const (
	// Disconnected means no transport connection exists.
	Disconnected State = iota
	// Connecting means a transport connection is being established.
	Connecting
	// Connected means the transport is up but not yet authenticated.
	Connected
	// Authenticating means the login exchange is in flight.
	Authenticating
	// Authenticated means the client is fully ready.
	Authenticated
	// Reconnecting means the link was lost and is being re-established.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case Reconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Event is a client state transition delivered to registered sinks.
type Event struct {
	State State
	// Attempt is the reconnect attempt number when State is Reconnecting.
	Attempt int
	// Protocol is the transport label once a connection exists.
	Protocol string
}

// EventSink observes client state transitions.
type EventSink interface {
	OnClientEvent(event Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event Event)

func (f EventSinkFunc) OnClientEvent(event Event) {
	f(event)
}

const observerChannelBufferSize = 16

// Observer fans state transitions out to registered sinks without blocking
// the engine loops that produce them.
type Observer struct {
	log         *zerolog.Logger
	eventChan   chan Event
	addSinkChan chan EventSink
	quit        chan struct{}
}

func NewObserver(log *zerolog.Logger) *Observer {
	o := &Observer{
		log:         log,
		eventChan:   make(chan Event, observerChannelBufferSize),
		addSinkChan: make(chan EventSink, observerChannelBufferSize),
		quit:        make(chan struct{}),
	}
	go o.dispatchEvents()
	return o
}

// RegisterSink adds a sink to the fan-out. Sinks receive events emitted
// after registration.
func (o *Observer) RegisterSink(sink EventSink) {
	select {
	case o.addSinkChan <- sink:
	case <-o.quit:
	}
}

func (o *Observer) sendEvent(e Event) {
	select {
	case o.eventChan <- e:
	case <-o.quit:
	default:
		o.log.Warn().Str("state", e.State.String()).Msg("dropping client event, sink is too slow")
	}
}

func (o *Observer) stop() {
	close(o.quit)
}

func (o *Observer) dispatchEvents() {
	var sinks []EventSink
	for {
		select {
		case <-o.quit:
			return
		case sink := <-o.addSinkChan:
			sinks = append(sinks, sink)
		case event := <-o.eventChan:
			o.log.Trace().Str("state", event.State.String()).Msg("client state changed")
			for _, sink := range sinks {
				sink.OnClientEvent(event)
			}
		}
	}
}
