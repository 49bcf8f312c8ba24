package heartbeat

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorhill/cronexpr"
	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/toml"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultMessage  = "tradewired is alive"
)

type Config struct {
	// Enabled indicates whether the service should be enabled.
	Enabled bool `toml:"enabled"`
	// Group is the routing group the liveness alert is published to.
	Group string `toml:"group"`
	// Schedule is a cron expression. It takes precedence over Interval.
	Schedule string `toml:"schedule"`
	// Interval between beats when no schedule is set.
	Interval toml.Duration `toml:"interval"`
	// Message is the text of the liveness alert.
	Message string `toml:"message"`

	// Clock allows tests to control time.
	Clock clock.Clock `toml:"-" json:"-"`
}

func NewConfig() Config {
	return Config{
		Interval: toml.Duration(DefaultInterval),
		Message:  DefaultMessage,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Group == "" {
		return errors.New("must specify group")
	}
	if c.Schedule != "" {
		if _, err := cronexpr.Parse(c.Schedule); err != nil {
			return errors.Wrapf(err, "invalid schedule %q", c.Schedule)
		}
	} else if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}
