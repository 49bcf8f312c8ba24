package mqtt

import (
	"net/url"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/listmap"
)

// QoSLevel is the MQTT quality of service for published messages.
type QoSLevel int

const (
	// AtMostOnce means the message is delivered at most once, with no
	// acknowledgement from the broker.
	AtMostOnce QoSLevel = iota
	// AtLeastOnce means the message is acknowledged and retried, so it may
	// arrive more than once.
	AtLeastOnce
	// ExactlyOnce uses the four step handshake to deliver exactly once.
	ExactlyOnce
)

func (q QoSLevel) MarshalText() ([]byte, error) {
	switch q {
	case AtMostOnce:
		return []byte("at-most-once"), nil
	case AtLeastOnce:
		return []byte("at-least-once"), nil
	case ExactlyOnce:
		return []byte("exactly-once"), nil
	default:
		return nil, errors.Errorf("unknown QoSLevel %d", q)
	}
}

func (q *QoSLevel) UnmarshalText(text []byte) error {
	switch s := string(text); s {
	case "at-most-once":
		*q = AtMostOnce
	case "at-least-once":
		*q = AtLeastOnce
	case "exactly-once":
		*q = ExactlyOnce
	default:
		return errors.Errorf("unknown QoSLevel %q", s)
	}
	return nil
}

// Config holds one MQTT broker connection.
type Config struct {
	// Whether this broker is enabled
	Enabled bool `toml:"enabled"`
	// Name of the broker, used as the destination id prefix when multiple
	// brokers are configured
	Name string `toml:"name"`
	// Whether this is the default broker
	Default bool `toml:"default"`
	// URL of the broker, e.g. tcp://localhost:1883 or ssl://host:8883
	URL string `toml:"url"`

	ClientID string `toml:"client-id"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// Topic published to when the destination id names no topic
	DefaultTopic string `toml:"default-topic"`
	// QoS for published messages
	DefaultQoS QoSLevel `toml:"default-qos"`
	// Whether published messages are retained by the broker
	Retained bool `toml:"retained"`

	// Topic subscribed to for inbound commands. Empty disables receiving.
	CommandTopic string `toml:"command-topic"`
	// QoS of the command subscription
	CommandQoS QoSLevel `toml:"command-qos"`
	// Topic command replies are published to. Defaults to the command
	// topic with a "/reply" suffix.
	ReplyTopic string `toml:"reply-topic"`

	// Path to CA file
	SSLCA string `toml:"ssl-ca"`
	// Path to host cert file
	SSLCert string `toml:"ssl-cert"`
	// Path to cert key file
	SSLKey string `toml:"ssl-key"`
	// Use SSL but skip chain & host verification
	InsecureSkipVerify bool `toml:"insecure-skip-verify"`

	// NewClientF overrides the client constructor, used for testing.
	NewClientF ClientCreator `toml:"-" json:"-"`
}

func NewConfig() Config {
	return Config{}
}

func NewDefaultConfig() Config {
	c := NewConfig()
	c.Default = true
	return c
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("must specify url for mqtt broker")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.Wrapf(err, "invalid url %q", c.URL)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss":
	default:
		return errors.Errorf("invalid url scheme %q, must be tcp, ssl, tls, ws or wss", u.Scheme)
	}
	return nil
}

// commandReplyTopic returns the topic replies are published to.
func (c Config) commandReplyTopic() string {
	if c.ReplyTopic != "" {
		return c.ReplyTopic
	}
	if c.CommandTopic == "" {
		return ""
	}
	return c.CommandTopic + "/reply"
}

type Configs []Config

func (cs *Configs) UnmarshalTOML(data interface{}) error {
	return listmap.DoUnmarshalTOML(cs, data)
}

func (cs Configs) Validate() error {
	l := len(cs)
	hasDefault := l == 1
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
		if l > 1 && c.Name == "" {
			return errors.New("name must not be empty")
		}
		hasDefault = hasDefault || c.Default
	}
	if l > 0 && !hasDefault {
		return errors.New("at least one mqtt broker must be set as default")
	}
	return nil
}

// Enabled reports whether any of the configs are enabled.
func (cs Configs) Enabled() bool {
	for _, c := range cs {
		if c.Enabled {
			return true
		}
	}
	return false
}
