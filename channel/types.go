package channel

import (
	"fmt"
	"strings"
	"time"
)

// Destination pairs a channel name with a transport specific destination id:
// a chat id, a phone number, a topic, an endpoint name.
type Destination struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// ParseDestination parses the compact "channel:id" form.
// Only the first colon separates, ids may contain further colons.
func ParseDestination(s string) (Destination, error) {
	i := strings.Index(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Destination{}, fmt.Errorf("invalid destination %q: expected form channel:id", s)
	}
	return Destination{Channel: s[:i], ID: s[i+1:]}, nil
}

func (d Destination) String() string {
	return d.Channel + ":" + d.ID
}

// Alert is an outbound notification produced by the host engine.
type Alert struct {
	// Group names the destination group the alert fans out to.
	Group string
	// Body is the human readable alert text.
	Body string
	// Metadata carries engine supplied key/value context.
	// The "severity" key, when present, sets Level.
	Metadata map[string]string
	Level    Level
	Time     time.Time
}

// Message is the outbound payload handed to an adapter.
type Message struct {
	Text string
	// Level tunes presentation, Pushover priority or Discord embed color for example.
	Level Level
	// Correlation is set on replies to an inbound message. Transports that
	// support threading may use it to quote the prompting message.
	Correlation string
	// Meta carries the alert metadata when the message originates from an alert.
	Meta map[string]string
}

// DeliveryResult reports the outcome of one send attempt to one destination.
type DeliveryResult struct {
	Destination Destination
	OK          bool
	Kind        ErrorKind
	Latency     time.Duration
	Err         error
}

// RawMessage is a normalized inbound message from a receiving adapter.
type RawMessage struct {
	// Channel is the registry name of the receiving channel.
	// Adapters may leave it empty, the inbound pump stamps it.
	Channel string
	// Destination is where a reply should be sent, a chat id, topic or phone number.
	Destination string
	// Sender identifies the author in transport terms. Informational only.
	Sender string
	Text   string
	// Correlation is the transport message id, passed through to replies untouched.
	Correlation string
	Time        time.Time
}

// Reply derives the context needed to answer this message.
func (m RawMessage) Reply() ReplyContext {
	return ReplyContext{
		Channel:     m.Channel,
		Destination: m.Destination,
		Correlation: m.Correlation,
	}
}

// ReplyContext addresses a reply to an inbound message without any
// transport specific knowledge.
type ReplyContext struct {
	Channel     string
	Destination string
	Correlation string
}

// Command is a parsed operator command.
type Command struct {
	// Name is the command name, lowercased, without the prefix.
	Name string
	// Params holds the key=value pairs following the name.
	Params map[string]string
	// Reply addresses responses back to the sender.
	Reply ReplyContext
	// Raw is the full original message text.
	Raw  string
	Time time.Time
}

// OutcomeStatus describes how a dispatch concluded.
type OutcomeStatus int

const (
	Handled OutcomeStatus = iota
	Unknown
	Malformed
	Failed
	maxOutcomeStatus
)

var outcomeStrings = [maxOutcomeStatus]string{
	"handled",
	"unknown",
	"malformed",
	"failed",
}

func (s OutcomeStatus) String() string {
	if s < 0 || s >= maxOutcomeStatus {
		return "unknown status"
	}
	return outcomeStrings[s]
}

func (s OutcomeStatus) MarshalText() ([]byte, error) {
	if s < 0 || s >= maxOutcomeStatus {
		return nil, fmt.Errorf("unknown outcome status %d", int(s))
	}
	return []byte(outcomeStrings[s]), nil
}

// Outcome is the result of dispatching one command.
type Outcome struct {
	Status OutcomeStatus
	// Reply is the text sent back to the sender, empty if none was sent.
	Reply string
	// Err holds the handler failure, nil unless Status is Failed.
	Err error
}
