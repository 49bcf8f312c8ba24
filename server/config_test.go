package server_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tradewire/tradewire/server"
)

func TestConfig_Parse(t *testing.T) {
	var c server.Config
	if _, err := toml.Decode(`
hostname = "trade-01"
data-dir = "/var/lib/tradewire"

[http]
  bind-address = "127.0.0.1:9180"
  auth-enabled = true
  shared-secret = "super secret"

[logging]
  file = "/var/log/tradewire/tradewired.log"
  level = "DEBUG"

[routing]
  default-timeout = "5s"

  [[routing.group]]
    name = "ops"
    destinations = ["telegram:123456789", "sms:+15550001111"]

  [[routing.group]]
    name = "risk"
    destinations = ["smtp:desk@example.com"]

[command]
  prefix = "!"
  handler-timeout = "1m"
  unrecognized-events = true

[telegram]
  enabled = true
  token = "123456:bot-token"
  chat-id = "123456789"
  poll-enabled = true

[sms]
  enabled = true
  account-sid = "AC0123456789"
  auth-token = "twilio-token"
  from = "+15550009999"

[[mqtt]]
  enabled = true
  name = "edge"
  default = true
  url = "tcp://localhost:1883"
  default-topic = "tradewire/alerts"

[[kafka]]
  enabled = true
  id = "main"
  brokers = ["localhost:9092"]
`, &c); err != nil {
		t.Fatal(err)
	}

	if got, exp := c.Hostname, "trade-01"; got != exp {
		t.Errorf("unexpected hostname: got %s exp %s", got, exp)
	}
	if got, exp := c.DataDir, "/var/lib/tradewire"; got != exp {
		t.Errorf("unexpected data-dir: got %s exp %s", got, exp)
	}
	if got, exp := c.HTTP.BindAddress, "127.0.0.1:9180"; got != exp {
		t.Errorf("unexpected http bind-address: got %s exp %s", got, exp)
	}
	if !c.HTTP.AuthEnabled {
		t.Error("expected http auth to be enabled")
	}
	if got, exp := c.Logging.Level, "DEBUG"; got != exp {
		t.Errorf("unexpected logging level: got %s exp %s", got, exp)
	}
	if got, exp := time.Duration(c.Routing.DefaultTimeout), 5*time.Second; got != exp {
		t.Errorf("unexpected routing default-timeout: got %v exp %v", got, exp)
	}
	if got, exp := len(c.Routing.Groups), 2; got != exp {
		t.Fatalf("unexpected routing group count: got %d exp %d", got, exp)
	}
	if got, exp := c.Routing.Groups[0].Name, "ops"; got != exp {
		t.Errorf("unexpected group name: got %s exp %s", got, exp)
	}
	if got, exp := len(c.Routing.Groups[0].Destinations), 2; got != exp {
		t.Errorf("unexpected destination count: got %d exp %d", got, exp)
	}
	if got, exp := c.Command.Prefix, "!"; got != exp {
		t.Errorf("unexpected command prefix: got %s exp %s", got, exp)
	}
	if got, exp := time.Duration(c.Command.HandlerTimeout), time.Minute; got != exp {
		t.Errorf("unexpected handler-timeout: got %v exp %v", got, exp)
	}
	if !c.Command.UnrecognizedEvents {
		t.Error("expected unrecognized-events to be enabled")
	}
	if !c.Telegram.Enabled || !c.Telegram.PollEnabled {
		t.Error("expected telegram sending and polling to be enabled")
	}
	if got, exp := c.SMS.From, "+15550009999"; got != exp {
		t.Errorf("unexpected sms from: got %s exp %s", got, exp)
	}
	if got, exp := len(c.MQTT), 1; got != exp {
		t.Fatalf("unexpected mqtt broker count: got %d exp %d", got, exp)
	}
	if got, exp := c.MQTT[0].Name, "edge"; got != exp {
		t.Errorf("unexpected mqtt broker name: got %s exp %s", got, exp)
	}
	if got, exp := len(c.Kafka), 1; got != exp {
		t.Fatalf("unexpected kafka cluster count: got %d exp %d", got, exp)
	}
	if got, exp := c.Kafka[0].ID, "main"; got != exp {
		t.Errorf("unexpected kafka cluster id: got %s exp %s", got, exp)
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := server.NewConfig()
	if got, exp := time.Duration(c.Routing.DefaultTimeout), 10*time.Second; got != exp {
		t.Errorf("unexpected default routing timeout: got %v exp %v", got, exp)
	}
	if got, exp := c.Command.Prefix, "/"; got != exp {
		t.Errorf("unexpected default command prefix: got %s exp %s", got, exp)
	}
	if got, exp := time.Duration(c.Command.HandlerTimeout), 30*time.Second; got != exp {
		t.Errorf("unexpected default handler timeout: got %v exp %v", got, exp)
	}
	if got, exp := c.Hostname, "localhost"; got != exp {
		t.Errorf("unexpected default hostname: got %s exp %s", got, exp)
	}

	// A fresh config has no data dir and must not validate as-is.
	err := c.Validate()
	if err == nil {
		t.Fatal("expected validation error for missing data dir")
	}
	if got := err.Error(); !strings.Contains(got, "data dir") {
		t.Errorf("unexpected validation error: got %q", got)
	}
}

func TestConfig_ApplyEnvOverrides(t *testing.T) {
	t.Setenv("TRADEWIRE_HOSTNAME", "env-host")
	t.Setenv("TRADEWIRE_HTTP_BIND_ADDRESS", "127.0.0.1:9999")
	t.Setenv("TRADEWIRE_ROUTING_DEFAULT_TIMEOUT", "15s")
	t.Setenv("TRADEWIRE_TELEGRAM_ENABLED", "true")

	c := server.NewConfig()
	if err := c.ApplyEnvOverrides(); err != nil {
		t.Fatal(err)
	}

	if got, exp := c.Hostname, "env-host"; got != exp {
		t.Errorf("unexpected hostname: got %s exp %s", got, exp)
	}
	if got, exp := c.HTTP.BindAddress, "127.0.0.1:9999"; got != exp {
		t.Errorf("unexpected http bind-address: got %s exp %s", got, exp)
	}
	if got, exp := time.Duration(c.Routing.DefaultTimeout), 15*time.Second; got != exp {
		t.Errorf("unexpected routing default-timeout: got %v exp %v", got, exp)
	}
	if !c.Telegram.Enabled {
		t.Error("expected telegram to be enabled")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *server.Config {
		c := server.NewConfig()
		dir := t.TempDir()
		c.DataDir = filepath.Join(dir, "data")
		c.Storage.BoltDBPath = filepath.Join(dir, "tradewire.db")
		return c
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	t.Run("bad destination", func(t *testing.T) {
		c := valid()
		c.Routing.Groups = []server.GroupConfig{
			{Name: "ops", Destinations: []string{"telegram"}},
		}
		if err := c.Validate(); err == nil {
			t.Error("expected validation error for destination without id")
		}
	})
	t.Run("duplicate group", func(t *testing.T) {
		c := valid()
		c.Routing.Groups = []server.GroupConfig{
			{Name: "ops", Destinations: []string{"telegram:1"}},
			{Name: "ops", Destinations: []string{"sms:+15550001111"}},
		}
		if err := c.Validate(); err == nil {
			t.Error("expected validation error for duplicate group name")
		}
	})
	t.Run("empty prefix", func(t *testing.T) {
		c := valid()
		c.Command.Prefix = ""
		if err := c.Validate(); err == nil {
			t.Error("expected validation error for empty command prefix")
		}
	})
	t.Run("prefix with whitespace", func(t *testing.T) {
		c := valid()
		c.Command.Prefix = "! "
		if err := c.Validate(); err == nil {
			t.Error("expected validation error for command prefix with whitespace")
		}
	})
	t.Run("negative timeout", func(t *testing.T) {
		c := valid()
		c.Routing.DefaultTimeout = -1
		if err := c.Validate(); err == nil {
			t.Error("expected validation error for negative routing timeout")
		}
	})
	t.Run("enabled transport missing credentials", func(t *testing.T) {
		c := valid()
		c.Telegram.Enabled = true
		if err := c.Validate(); err == nil {
			t.Error("expected validation error for telegram without token")
		}
	})
}
