package mqtttest

import (
	"errors"
	"sync"

	"github.com/tradewire/tradewire/services/mqtt"
)

// ClientCreator provides a NewClient method for creating new MockClients.
// All configs and clients created are recorded.
type ClientCreator struct {
	mu      sync.Mutex
	Clients []*MockClient
	Configs []mqtt.Config
}

func (s *ClientCreator) NewClient(c mqtt.Config) (mqtt.Client, error) {
	cli := NewMockClient()
	s.mu.Lock()
	s.Clients = append(s.Clients, cli)
	s.Configs = append(s.Configs, c)
	s.mu.Unlock()
	return cli, nil
}

type MockClient struct {
	mu        sync.Mutex
	connected bool

	publishData   []PublishData
	subscriptions map[string]mqtt.MessageHandler
}

func NewMockClient() *MockClient {
	return &MockClient{
		subscriptions: make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockClient) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *MockClient) Publish(topic string, qos mqtt.QoSLevel, retained bool, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("Publish() called before Connect()")
	}
	m.publishData = append(m.publishData, PublishData{
		Topic:    topic,
		QoS:      qos,
		Retained: retained,
		Message:  message,
	})
	return nil
}

func (m *MockClient) Subscribe(topic string, qos mqtt.QoSLevel, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("Subscribe() called before Connect()")
	}
	m.subscriptions[topic] = handler
	return nil
}

// Deliver invokes the handler subscribed to topic, simulating an inbound
// message from the broker.
func (m *MockClient) Deliver(topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.subscriptions[topic]
	m.mu.Unlock()
	if !ok {
		return errors.New("no subscription for topic " + topic)
	}
	handler(topic, payload)
	return nil
}

func (m *MockClient) PublishData() []PublishData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishData
}

func (m *MockClient) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.subscriptions))
	for t := range m.subscriptions {
		topics = append(topics, t)
	}
	return topics
}

type PublishData struct {
	Topic    string
	QoS      mqtt.QoSLevel
	Retained bool
	Message  []byte
}
