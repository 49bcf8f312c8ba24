package mqtt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
)

// messageBuffer is how many inbound messages may queue before the
// subscription callbacks start dropping.
const messageBuffer = 64

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Error(msg string, err error)
	Subscribed(broker, topic string)
}

type broker struct {
	c      Config
	client Client
}

type Service struct {
	diag Diagnostic

	mu      sync.Mutex
	brokers map[string]*broker
	opened  bool

	messages chan channel.RawMessage
}

func NewService(confs []Config, d Diagnostic) (*Service, error) {
	s := &Service{
		diag:     d,
		brokers:  make(map[string]*broker),
		messages: make(chan channel.RawMessage, messageBuffer),
	}

	if len(confs) == 1 {
		confs[0].Default = true
	}
	for _, c := range confs {
		if !c.Enabled {
			continue
		}
		newClient := c.NewClientF
		if newClient == nil {
			newClient = DefaultNewClient
		}
		client, err := newClient(c)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create client for mqtt broker %q", c.Name)
		}
		b := &broker{c: c, client: client}
		s.brokers[c.Name] = b
		// The default broker is stashed under the empty string so that
		// bare topic destinations resolve.
		if c.Default && c.Name != "" {
			s.brokers[""] = b
		}
	}

	return s, nil
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.opened = true

	for name, b := range s.brokers {
		if name == "" && b.c.Name != "" {
			// Alias of a named default broker.
			continue
		}
		if err := b.client.Connect(); err != nil {
			return errors.Wrapf(err, "failed to connect to mqtt broker %q", b.c.URL)
		}
		if b.c.CommandTopic != "" {
			if err := b.client.Subscribe(b.c.CommandTopic, b.c.CommandQoS, s.inboundHandler(b.c)); err != nil {
				return errors.Wrapf(err, "failed to subscribe to %q", b.c.CommandTopic)
			}
			s.diag.Subscribed(b.c.Name, b.c.CommandTopic)
		}
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false

	seen := make(map[*broker]bool)
	for _, b := range s.brokers {
		if seen[b] {
			continue
		}
		seen[b] = true
		b.client.Disconnect()
	}
	close(s.messages)
	return nil
}

func (s *Service) inboundHandler(c Config) MessageHandler {
	reply := c.commandReplyTopic()
	if c.Name != "" {
		reply = c.Name + ":" + reply
	}
	return func(topic string, payload []byte) {
		msg := channel.RawMessage{
			Destination: reply,
			Text:        string(payload),
			Time:        time.Now().UTC(),
		}
		if !s.enqueue(msg) {
			s.diag.Error("dropped inbound mqtt message", errors.Errorf("topic %q", topic))
		}
	}
}

// enqueue hands one inbound message to the receive stream. It reports
// false once the service is closed or the buffer is full. The lock
// serializes enqueue against Close so a late subscription callback never
// sends on the closed stream.
func (s *Service) enqueue(msg channel.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return false
	}
	select {
	case s.messages <- msg:
		return true
	default:
		return false
	}
}

// receiving reports whether any broker subscribes to a command topic.
func (s *Service) receiving() bool {
	for _, b := range s.brokers {
		if b.c.CommandTopic != "" {
			return true
		}
	}
	return false
}

// Adapter returns the channel adapter. Destination ids take the form
// [broker:]topic; the broker defaults to the default broker and the topic
// to its default topic.
func (s *Service) Adapter() channel.Adapter {
	if s.receiving() {
		return &duplexAdapter{sendAdapter{s: s}}
	}
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	return a.s.Publish(ctx, destinationID, m)
}

type duplexAdapter struct {
	sendAdapter
}

func (a *duplexAdapter) Receive() <-chan channel.RawMessage {
	return a.s.messages
}

// Publish sends one message to the topic named by the destination id.
func (s *Service) Publish(ctx context.Context, destinationID string, m channel.Message) error {
	b, topic, err := s.resolve(destinationID)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid mqtt destination")
	}

	if err := b.client.Publish(topic, b.c.DefaultQoS, b.c.Retained, []byte(m.Text)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return publishError(err)
	}
	return nil
}

func publishError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not authorized") || strings.Contains(msg, "bad user name or password") {
		return channel.WrapTransportError(channel.KindAuthRejected, err, "mqtt publish rejected")
	}
	return channel.WrapTransportError(channel.KindUnreachable, err, "mqtt publish failed")
}

func (s *Service) resolve(destinationID string) (*broker, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.brokers) == 0 {
		return nil, "", errors.New("no mqtt broker configured")
	}

	name, topic := "", destinationID
	if i := strings.Index(destinationID, ":"); i >= 0 {
		if _, ok := s.brokers[destinationID[:i]]; ok {
			name, topic = destinationID[:i], destinationID[i+1:]
		}
	}
	b, ok := s.brokers[name]
	if !ok {
		return nil, "", errors.Errorf("unknown mqtt broker %q", name)
	}
	if topic == "" {
		topic = b.c.DefaultTopic
	}
	if topic == "" {
		return nil, "", errors.New("no topic provided")
	}
	return b, topic, nil
}
