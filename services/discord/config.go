package discord

import (
	"net/url"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/listmap"
)

// Config holds one Discord webhook destination.
type Config struct {
	// Whether Discord integration is enabled
	Enabled bool `toml:"enabled"`
	// Whether this is the default discord config.
	Default bool `toml:"default"`
	// Workspace name used as the destination id when multiple configs are given
	Workspace string `toml:"workspace"`
	// Discord channel webhook URL
	URL string `toml:"url"`
	// Whether the message time is included in the embed
	Timestamp bool `toml:"timestamp"`
	// Username of webhook
	Username string `toml:"username"`
	// Avatar URL
	AvatarURL string `toml:"avatar-url"`
	// Embed title
	EmbedTitle string `toml:"embed-title"`

	// Path to CA file
	SSLCA string `toml:"ssl-ca"`
	// Path to host cert file
	SSLCert string `toml:"ssl-cert"`
	// Path to cert key file
	SSLKey string `toml:"ssl-key"`
	// Use SSL but skip chain & host verification
	InsecureSkipVerify bool `toml:"insecure-skip-verify"`
}

func NewDefaultConfig() Config {
	c := Config{}
	c.Default = true
	return c
}

func NewConfig() Config {
	return Config{}
}

func (c Config) Validate() error {
	if c.Enabled && c.URL == "" {
		return errors.New("must specify the Discord channel webhook URL")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.Wrapf(err, "invalid url %q", c.URL)
	}
	if c.AvatarURL != "" {
		if _, err := url.Parse(c.AvatarURL); err != nil {
			return errors.Wrapf(err, "invalid url %q", c.AvatarURL)
		}
	}
	return nil
}

type Configs []Config

func (cs *Configs) UnmarshalTOML(data interface{}) error {
	return listmap.DoUnmarshalTOML(cs, data)
}

func (cs Configs) Validate() error {
	l := len(cs)
	// A single config is the default config.
	hasDefault := l == 1
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
		if l > 1 && c.Workspace == "" {
			return errors.New("workspace must not be empty")
		}
		hasDefault = hasDefault || c.Default
	}
	if l > 0 && !hasDefault {
		return errors.New("at least one Discord config must be set as default")
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
