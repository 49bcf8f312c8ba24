package httpd

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/tradewire/tradewire/toml"
)

const (
	// DefaultBindAddress is the address the HTTP API listens on.
	DefaultBindAddress = ":9180"

	// DefaultShutdownTimeout is how long Close waits for in flight
	// requests before tearing their connections down.
	DefaultShutdownTimeout = toml.Duration(time.Second * 10)
)

type Config struct {
	BindAddress      string        `toml:"bind-address"`
	AuthEnabled      bool          `toml:"auth-enabled"`
	SharedSecret     string        `toml:"shared-secret"`
	LogEnabled       bool          `toml:"log-enabled"`
	PprofEnabled     bool          `toml:"pprof-enabled"`
	HttpsEnabled     bool          `toml:"https-enabled"`
	HttpsCertificate string        `toml:"https-certificate"`
	HttpsPrivateKey  string        `toml:"https-private-key"`
	GZIP             bool          `toml:"gzip"`
	ShutdownTimeout  toml.Duration `toml:"shutdown-timeout"`
}

func NewConfig() Config {
	return Config{
		BindAddress:      DefaultBindAddress,
		LogEnabled:       true,
		GZIP:             true,
		HttpsCertificate: "/etc/ssl/tradewire.pem",
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}

func (c Config) Validate() error {
	if c.BindAddress == "" {
		return errors.New("httpd must have a bind-address")
	}
	if _, err := c.Port(); err != nil {
		return err
	}
	if c.AuthEnabled && c.SharedSecret == "" {
		return errors.New("httpd must have a shared-secret when auth-enabled is true")
	}
	if c.HttpsEnabled && c.HttpsCertificate == "" {
		return errors.New("httpd must have an https-certificate when https-enabled is true")
	}
	return nil
}

// Port returns the port the API binds to.
func (c Config) Port() (int, error) {
	_, portStr, err := net.SplitHostPort(c.BindAddress)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid bind-address %s", c.BindAddress)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid bind-address port %s", portStr)
	}
	return port, nil
}
