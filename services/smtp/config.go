package smtp

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/toml"
)

const DefaultIdleTimeout = toml.Duration(30 * time.Second)

type Config struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// NoVerify skips TLS certificate verification.
	NoVerify bool `toml:"no-verify"`
	// From is the sender address.
	From string `toml:"from"`
	// To holds the default recipients, used when a destination id is empty.
	To []string `toml:"to"`
	// Subject line of sent mail.
	Subject string `toml:"subject"`
	// IdleTimeout closes the SMTP connection after this much inactivity.
	IdleTimeout toml.Duration `toml:"idle-timeout"`
}

func NewConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        25,
		Subject:     "tradewire alert",
		IdleTimeout: DefaultIdleTimeout,
	}
}

func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port <= 0 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle timeout must be positive")
	}
	// Address validation is a bare presence check for '@'. Full RFC 5322
	// validation rejects more real addresses than it catches typos.
	if c.From != "" && !strings.ContainsRune(c.From, '@') {
		return errors.Errorf("invalid from email address: %q", c.From)
	}
	for _, t := range c.To {
		if !strings.ContainsRune(t, '@') {
			return errors.Errorf("invalid to email address: %q", t)
		}
	}
	return nil
}
