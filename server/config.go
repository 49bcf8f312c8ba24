package server

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/services/diagnostic"
	"github.com/tradewire/tradewire/services/discord"
	"github.com/tradewire/tradewire/services/exec"
	"github.com/tradewire/tradewire/services/heartbeat"
	"github.com/tradewire/tradewire/services/httpd"
	"github.com/tradewire/tradewire/services/httppost"
	"github.com/tradewire/tradewire/services/kafka"
	"github.com/tradewire/tradewire/services/mqtt"
	"github.com/tradewire/tradewire/services/pushover"
	"github.com/tradewire/tradewire/services/sms"
	"github.com/tradewire/tradewire/services/smtp"
	"github.com/tradewire/tradewire/services/sns"
	"github.com/tradewire/tradewire/services/storage"
	"github.com/tradewire/tradewire/services/telegram"
	"github.com/tradewire/tradewire/services/whatsapp"
	"github.com/tradewire/tradewire/toml"
	"github.com/pkg/errors"
)

// Config represents the configuration format for the tradewired binary.
type Config struct {
	HTTP    httpd.Config      `toml:"http"`
	Storage storage.Config    `toml:"storage"`
	Logging diagnostic.Config `toml:"logging"`

	Routing RoutingConfig `toml:"routing"`
	Command CommandConfig `toml:"command"`

	// Notification channels
	Telegram telegram.Config  `toml:"telegram"`
	Discord  discord.Configs  `toml:"discord"`
	WhatsApp whatsapp.Config  `toml:"whatsapp"`
	SMS      sms.Config       `toml:"sms"`
	SNS      sns.Config       `toml:"sns"`
	Pushover pushover.Config  `toml:"pushover"`
	SMTP     smtp.Config      `toml:"smtp"`
	MQTT     mqtt.Configs     `toml:"mqtt"`
	Kafka    kafka.Configs    `toml:"kafka"`
	Exec     exec.Config      `toml:"exec"`
	HTTPPost httppost.Configs `toml:"httppost"`

	Heartbeat heartbeat.Config `toml:"heartbeat"`

	Hostname string `toml:"hostname"`
	DataDir  string `toml:"data-dir"`
}

// RoutingConfig configures the routing groups and the alert fan-out.
type RoutingConfig struct {
	// DefaultTimeout bounds each destination send of a routed alert.
	DefaultTimeout toml.Duration `toml:"default-timeout"`
	// GroupsFile names a YAML file with additional group definitions.
	GroupsFile string `toml:"groups-file"`
	// Groups defined inline in the main config file.
	Groups []GroupConfig `toml:"group"`
}

// GroupConfig is one named routing group.
type GroupConfig struct {
	Name string `toml:"name"`
	// Destinations in "channel:id" form, e.g. "telegram:123456789".
	Destinations []string `toml:"destinations"`
}

func NewRoutingConfig() RoutingConfig {
	return RoutingConfig{
		DefaultTimeout: toml.Duration(channel.DefaultRouteTimeout),
	}
}

func (c RoutingConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return errors.New("routing default-timeout must be positive")
	}
	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g.Name == "" {
			return errors.New("routing group with empty name")
		}
		if seen[g.Name] {
			return errors.Errorf("duplicate routing group %q", g.Name)
		}
		seen[g.Name] = true
		for _, d := range g.Destinations {
			if _, err := channel.ParseDestination(d); err != nil {
				return errors.Wrapf(err, "routing group %q", g.Name)
			}
		}
	}
	return nil
}

// CommandConfig configures the inbound command pipeline.
type CommandConfig struct {
	// Prefix marks an inbound message as a command.
	Prefix string `toml:"prefix"`
	// HandlerTimeout bounds each command handler invocation.
	HandlerTimeout toml.Duration `toml:"handler-timeout"`
	// UnrecognizedEvents keeps non command inbound messages instead of
	// dropping them, handing them to any registered message listener.
	UnrecognizedEvents bool `toml:"unrecognized-events"`
}

func NewCommandConfig() CommandConfig {
	return CommandConfig{
		Prefix:         channel.DefaultPrefix,
		HandlerTimeout: toml.Duration(channel.DefaultHandlerTimeout),
	}
}

func (c CommandConfig) Validate() error {
	if c.Prefix == "" {
		return errors.New("command prefix must not be empty")
	}
	if strings.ContainsAny(c.Prefix, " \t") {
		return errors.Errorf("command prefix %q must not contain whitespace", c.Prefix)
	}
	if c.HandlerTimeout <= 0 {
		return errors.New("command handler-timeout must be positive")
	}
	return nil
}

// NewConfig returns an instance of Config with reasonable defaults.
func NewConfig() *Config {
	c := &Config{
		Hostname: "localhost",
	}

	c.HTTP = httpd.NewConfig()
	c.Storage = storage.NewConfig()
	c.Logging = diagnostic.NewConfig()
	c.Routing = NewRoutingConfig()
	c.Command = NewCommandConfig()

	c.Telegram = telegram.NewConfig()
	c.WhatsApp = whatsapp.NewConfig()
	c.SMS = sms.NewConfig()
	c.SNS = sns.NewConfig()
	c.Pushover = pushover.NewConfig()
	c.SMTP = smtp.NewConfig()
	c.Exec = exec.NewConfig()

	c.Heartbeat = heartbeat.NewConfig()

	return c
}

// NewDemoConfig returns the config that runs when no config is specified.
func NewDemoConfig() (*Config, error) {
	c := NewConfig()

	var homeDir string
	// By default, store data files in current users home directory
	u, err := user.Current()
	if err == nil {
		homeDir = u.HomeDir
	} else if os.Getenv("HOME") != "" {
		homeDir = os.Getenv("HOME")
	} else {
		return nil, fmt.Errorf("failed to determine current user for storage")
	}

	c.Storage.BoltDBPath = filepath.Join(homeDir, ".tradewire", c.Storage.BoltDBPath)
	c.DataDir = filepath.Join(homeDir, ".tradewire", c.DataDir)

	return c, nil
}

// Validate returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("must configure valid hostname")
	}
	if c.DataDir == "" {
		return fmt.Errorf("must configure valid data dir")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Routing.Validate(); err != nil {
		return err
	}
	if err := c.Command.Validate(); err != nil {
		return err
	}

	if err := c.Telegram.Validate(); err != nil {
		return err
	}
	if err := c.Discord.Validate(); err != nil {
		return err
	}
	if err := c.WhatsApp.Validate(); err != nil {
		return err
	}
	if err := c.SMS.Validate(); err != nil {
		return err
	}
	if err := c.SNS.Validate(); err != nil {
		return err
	}
	if err := c.Pushover.Validate(); err != nil {
		return err
	}
	if err := c.SMTP.Validate(); err != nil {
		return err
	}
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if err := c.Exec.Validate(); err != nil {
		return err
	}
	if err := c.HTTPPost.Validate(); err != nil {
		return err
	}
	return c.Heartbeat.Validate()
}

func (c *Config) ApplyEnvOverrides() error {
	return c.applyEnvOverrides("TRADEWIRE", "", reflect.ValueOf(c))
}

func (c *Config) applyEnvOverrides(prefix string, fieldDesc string, spec reflect.Value) error {
	// If we have a pointer, dereference it
	s := spec
	if spec.Kind() == reflect.Ptr {
		s = spec.Elem()
	}

	var value string

	if s.Kind() != reflect.Struct {
		value = os.Getenv(prefix)
		// Skip any fields we don't have a value to set
		if value == "" {
			return nil
		}

		if fieldDesc != "" {
			fieldDesc = " to " + fieldDesc
		}
	}

	switch s.Kind() {
	case reflect.String:
		s.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:

		var intValue int64

		// Handle toml.Duration
		if s.Type().Name() == "Duration" {
			dur, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("failed to apply %v%v using type %v and value '%v'", prefix, fieldDesc, s.Type().String(), value)
			}
			intValue = dur.Nanoseconds()
		} else {
			var err error
			intValue, err = strconv.ParseInt(value, 0, s.Type().Bits())
			if err != nil {
				return fmt.Errorf("failed to apply %v%v using type %v and value '%v'", prefix, fieldDesc, s.Type().String(), value)
			}
		}

		s.SetInt(intValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("failed to apply %v%v using type %v and value '%v'", prefix, fieldDesc, s.Type().String(), value)

		}
		s.SetBool(boolValue)
	case reflect.Float32, reflect.Float64:
		floatValue, err := strconv.ParseFloat(value, s.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to apply %v%v using type %v and value '%v'", prefix, fieldDesc, s.Type().String(), value)

		}
		s.SetFloat(floatValue)
	case reflect.Struct:
		if err := c.applyEnvOverridesToStruct(prefix, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnvOverridesToStruct(prefix string, s reflect.Value) error {
	typeOfSpec := s.Type()
	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		// Get the toml tag to determine what env var name to use
		configName := typeOfSpec.Field(i).Tag.Get("toml")
		// Replace hyphens with underscores to avoid issues with shells
		configName = strings.Replace(configName, "-", "_", -1)
		fieldName := typeOfSpec.Field(i).Name

		// Skip any fields that we cannot set
		if f.CanSet() || f.Kind() == reflect.Slice {

			// Use the upper-case prefix and toml name for the env var
			key := strings.ToUpper(configName)
			if prefix != "" {
				key = strings.ToUpper(fmt.Sprintf("%s_%s", prefix, configName))
			}

			// If the type is s slice, apply to each using the index as a suffix
			// e.g. MQTT_0
			if f.Kind() == reflect.Slice || f.Kind() == reflect.Array {
				for i := 0; i < f.Len(); i++ {
					if err := c.applyEnvOverrides(fmt.Sprintf("%s_%d", key, i), fieldName, f.Index(i)); err != nil {
						return err
					}
				}
			} else if err := c.applyEnvOverrides(key, fieldName, f); err != nil {
				return err
			}
		}
	}
	return nil
}
