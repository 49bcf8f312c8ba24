package pushover

import (
	"net/url"

	"github.com/pkg/errors"
)

// DefaultPushoverURL is the message endpoint of the Pushover REST API.
const DefaultPushoverURL = "https://api.pushover.net/1/messages.json"

// Config holds the [pushover] section of the daemon configuration.
type Config struct {
	// Whether the Pushover channel is enabled.
	Enabled bool `toml:"enabled"`
	// Application API token.
	Token string `toml:"token"`
	// Default user/group key notified when an alert carries no explicit key.
	UserKey string `toml:"user-key"`
	// API endpoint, overridable for testing.
	URL string `toml:"url"`
	// Optional device name to address a single device.
	Device string `toml:"device"`
	// Optional title prepended to every message.
	Title string `toml:"title"`
}

func NewConfig() Config {
	return Config{
		URL: DefaultPushoverURL,
	}
}

// Validate checks that an enabled config is complete enough to deliver.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Token == "":
		return errors.New("must specify token")
	case c.UserKey == "":
		return errors.New("must specify user key")
	case c.URL == "":
		return errors.New("must specify url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.Wrapf(err, "invalid URL %q", c.URL)
	}
	return nil
}
