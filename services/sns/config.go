package sns

import (
	"github.com/pkg/errors"
)

type Config struct {
	// Whether SNS integration is enabled
	Enabled bool `toml:"enabled"`
	// AWS region of the topics
	Region string `toml:"region"`
	// Static credentials. When empty the default AWS credential chain is used.
	AccessKey string `toml:"access-key"`
	SecretKey string `toml:"secret-key"`
	// Default topic ARN to publish to
	TopicARN string `toml:"topic-arn"`
	// Optional subject used for email subscribers
	Subject string `toml:"subject"`
	// Endpoint overrides the SNS API endpoint, used for testing
	Endpoint string `toml:"endpoint"`
}

func NewConfig() Config {
	return Config{}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Region == "" {
		return errors.New("must specify region")
	}
	if c.AccessKey != "" && c.SecretKey == "" {
		return errors.New("must specify secret-key when access-key is given")
	}
	return nil
}
