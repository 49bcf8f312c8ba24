package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/tlsconfig"
)

// MessageHandler receives inbound messages from a subscription.
type MessageHandler func(topic string, payload []byte)

// Client describes an immutable MQTT client, designed to accommodate the
// incongruencies between real clients and mock clients.
type Client interface {
	Connect() error
	Disconnect()
	Publish(topic string, qos QoSLevel, retained bool, message []byte) error
	Subscribe(topic string, qos QoSLevel, handler MessageHandler) error
}

// ClientCreator creates a disconnected client from a broker config.
type ClientCreator func(c Config) (Client, error)

// DefaultNewClient produces a paho backed client.
var DefaultNewClient ClientCreator = newPahoClient

// DefaultQuiesceTimeout is the duration the client will wait for outstanding
// messages to be published before forcing a disconnection.
const DefaultQuiesceTimeout = 250 * time.Millisecond

// connectTimeout bounds how long Connect blocks on an unresponsive broker.
const connectTimeout = 30 * time.Second

type pahoClient struct {
	opts   *pahomqtt.ClientOptions
	client pahomqtt.Client
}

func newPahoClient(c Config) (Client, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.URL)
	opts.SetClientID(c.ClientID)
	opts.SetUsername(c.Username)
	opts.SetPassword(c.Password)

	// A clean session keeps the broker from retaining session state for
	// this client between connections.
	opts.SetCleanSession(true)

	if c.SSLCA != "" || c.SSLCert != "" || c.SSLKey != "" || c.InsecureSkipVerify {
		tlsCfg, err := tlsconfig.Create(c.SSLCA, c.SSLCert, c.SSLKey, c.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	return &pahoClient{opts: opts}, nil
}

func (p *pahoClient) Connect() error {
	p.client = pahomqtt.NewClient(p.opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("timed out connecting to MQTT broker")
	}
	return token.Error()
}

func (p *pahoClient) Disconnect() {
	if p.client != nil {
		p.client.Disconnect(uint(DefaultQuiesceTimeout / time.Millisecond))
	}
}

func (p *pahoClient) Publish(topic string, qos QoSLevel, retained bool, message []byte) error {
	token := p.client.Publish(topic, byte(qos), retained, message)
	token.Wait()
	return token.Error()
}

func (p *pahoClient) Subscribe(topic string, qos QoSLevel, handler MessageHandler) error {
	token := p.client.Subscribe(topic, byte(qos), func(_ pahomqtt.Client, m pahomqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	token.Wait()
	return token.Error()
}
