package exec

import (
	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/command"
)

type Config struct {
	// Enabled indicates whether the service should be enabled.
	Enabled bool `toml:"enabled"`
	// Prog is the program run for each alert.
	Prog string `toml:"prog"`
	// Args are prepended before any per-alert arguments.
	Args []string `toml:"args"`
	// Env entries of the form KEY=VALUE set for the program.
	// When empty the program inherits the daemon environment.
	Env []string `toml:"env"`

	// Commander allows tests to swap out process creation.
	Commander command.Commander `toml:"-" json:"-"`
}

func NewConfig() Config {
	return Config{}
}

func (c Config) Validate() error {
	if c.Enabled && c.Prog == "" {
		return errors.New("must specify prog")
	}
	return nil
}
