package channel

import (
	"context"
	"time"

	"github.com/tradewire/tradewire/keyvalue"
)

// Adapter is the send capability every channel provides.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Send delivers m to the given transport specific destination id.
	// A nil return is the delivery acknowledgment. A non nil error should
	// be a *TransportError so the failure classifies precisely, any other
	// error is reported as KindInternal.
	Send(ctx context.Context, destinationID string, m Message) error
}

// Receiver is the optional inbound capability of a bidirectional channel.
// It is discovered by type assertion when the inbound pump starts.
type Receiver interface {
	// Receive returns the channel's single inbound stream. Every call
	// returns the same channel. The channel is closed exactly once when
	// the adapter shuts down and is never reopened.
	Receive() <-chan RawMessage
}

// NamedReceiver pairs a receiving adapter with its registry name.
type NamedReceiver struct {
	Channel  string
	Receiver Receiver
}

// Diagnostic is the logging interface the messaging core reports through.
type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Error(msg string, err error, ctx ...keyvalue.T)

	AlertRouted(group string, destinations int)
	DeliverySucceeded(d Destination, latency time.Duration)
	DeliveryFailed(d Destination, kind ErrorKind, err error)

	InboundStarted(chName string)
	InboundStopped(chName string)
	MessageReceived(chName string)
	MessageDropped(chName string)

	CommandDispatched(name string, status OutcomeStatus)
	HandlerReplaced(name string)
	HandlerPanic(name string, recovered interface{})
	ReplyFailed(rc ReplyContext, err error)
}
