package kafka

import (
	"time"

	"github.com/pkg/errors"
	kafka "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/tradewire/tradewire/tlsconfig"
	"github.com/tradewire/tradewire/toml"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultBatchSize     = 100
	DefaultBatchTimeout  = 1 * time.Second
	DefaultID            = "default"
	DefaultConsumerGroup = "tradewire"
)

type Config struct {
	Enabled bool `toml:"enabled"`
	// ID is a unique identifier for this Kafka cluster, used as the
	// destination id prefix when multiple clusters are configured
	ID string `toml:"id"`
	// Brokers is a list of host:port addresses of Kafka brokers.
	Brokers []string `toml:"brokers"`
	// Timeout on network operations with the brokers.
	// If 0 a default of 10s will be used.
	Timeout toml.Duration `toml:"timeout"`
	// BatchSize is the number of messages that are batched before being sent to Kafka
	// If 0 a default of 100 will be used.
	BatchSize int `toml:"batch-size"`
	// BatchTimeout is the maximum amount of time to wait before flushing an incomplete batch.
	// If 0 a default of 1s will be used.
	BatchTimeout toml.Duration `toml:"batch-timeout"`
	// UseSSL enable ssl communication
	// Must be true for the other ssl options to take effect.
	UseSSL bool `toml:"use-ssl"`
	// Path to CA file
	SSLCA string `toml:"ssl-ca"`
	// Path to host cert file
	SSLCert string `toml:"ssl-cert"`
	// Path to cert key file
	SSLKey string `toml:"ssl-key"`
	// Use SSL but skip chain & host verification
	InsecureSkipVerify bool `toml:"insecure-skip-verify"`
	// SASL credentials. Empty username disables SASL.
	SASLUsername string `toml:"sasl-username"`
	SASLPassword string `toml:"sasl-password"`
	// SASLMechanism is one of plain, scram-sha-256 or scram-sha-512.
	// If empty plain is used.
	SASLMechanism string `toml:"sasl-mechanism"`

	// Topic consumed for inbound commands. Empty disables receiving.
	CommandTopic string `toml:"command-topic"`
	// Topic command replies are produced to. Defaults to the command
	// topic with a ".reply" suffix.
	ReplyTopic string `toml:"reply-topic"`
	// Consumer group id of the command consumer.
	ConsumerGroup string `toml:"consumer-group"`
}

func NewConfig() Config {
	return Config{
		ID:            DefaultID,
		ConsumerGroup: DefaultConsumerGroup,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ID == "" {
		return errors.New("id must not be empty")
	}
	if len(c.Brokers) == 0 {
		return errors.New("no brokers specified, must provide at least one broker URL")
	}
	if c.CommandTopic != "" && c.ConsumerGroup == "" {
		return errors.New("consumer-group must not be empty when command-topic is set")
	}
	switch c.SASLMechanism {
	case "", "plain", "scram-sha-256", "scram-sha-512":
	default:
		return errors.Errorf("unknown sasl-mechanism %q, must be one of plain, scram-sha-256 or scram-sha-512", c.SASLMechanism)
	}
	return nil
}

func (c *Config) ApplyConditionalDefaults() {
	if c.Timeout == 0 {
		c.Timeout = toml.Duration(DefaultTimeout)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = toml.Duration(DefaultBatchTimeout)
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = DefaultConsumerGroup
	}
}

func (c Config) dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{
		Timeout:   time.Duration(c.Timeout),
		DualStack: true,
	}
	if c.UseSSL {
		tlsCfg, err := tlsconfig.Create(c.SSLCA, c.SSLCert, c.SSLKey, c.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		d.TLS = tlsCfg
	}
	if c.SASLUsername != "" {
		m, err := c.saslMechanism()
		if err != nil {
			return nil, err
		}
		d.SASLMechanism = m
	}
	return d, nil
}

func (c Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "", "plain":
		return plain.Mechanism{
			Username: c.SASLUsername,
			Password: c.SASLPassword,
		}, nil
	case "scram-sha-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "scram-sha-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, errors.Errorf("unknown sasl-mechanism %q", c.SASLMechanism)
	}
}

// WriterConfig returns the kafka writer configuration for the given topic.
func (c Config) WriterConfig(topic string) (kafka.WriterConfig, error) {
	if topic == "" {
		return kafka.WriterConfig{}, errors.New("topic must not be empty")
	}
	dialer, err := c.dialer()
	if err != nil {
		return kafka.WriterConfig{}, err
	}
	return kafka.WriterConfig{
		Brokers:      c.Brokers,
		Topic:        topic,
		Dialer:       dialer,
		BatchSize:    c.BatchSize,
		BatchTimeout: time.Duration(c.BatchTimeout),
		ReadTimeout:  time.Duration(c.Timeout),
		WriteTimeout: time.Duration(c.Timeout),
	}, nil
}

// ReaderConfig returns the kafka reader configuration for the command topic.
func (c Config) ReaderConfig() (kafka.ReaderConfig, error) {
	if c.CommandTopic == "" {
		return kafka.ReaderConfig{}, errors.New("command topic must not be empty")
	}
	dialer, err := c.dialer()
	if err != nil {
		return kafka.ReaderConfig{}, err
	}
	return kafka.ReaderConfig{
		Brokers: c.Brokers,
		GroupID: c.ConsumerGroup,
		Topic:   c.CommandTopic,
		Dialer:  dialer,
	}, nil
}

// commandReplyTopic returns the topic replies are produced to.
func (c Config) commandReplyTopic() string {
	if c.ReplyTopic != "" {
		return c.ReplyTopic
	}
	if c.CommandTopic == "" {
		return ""
	}
	return c.CommandTopic + ".reply"
}

type Configs []Config

func (cs Configs) Validate() error {
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
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
