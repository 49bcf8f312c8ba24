package sms

import (
	"net/url"

	"github.com/pkg/errors"
)

const DefaultURL = "https://api.twilio.com/2010-04-01"

type Config struct {
	// Whether SMS integration is enabled
	Enabled bool `toml:"enabled"`
	// Twilio REST API base URL
	URL string `toml:"url"`
	// Twilio account SID
	AccountSID string `toml:"account-sid"`
	// Twilio auth token
	AuthToken string `toml:"auth-token"`
	// Sending phone number in E.164 format
	From string `toml:"from"`
	// Default recipient phone number in E.164 format
	To string `toml:"to"`
	// Accept inbound SMS through a Twilio webhook
	ReceiveEnabled bool `toml:"receive-enabled"`
	// Externally visible URL of the inbound webhook, exactly as configured
	// in the Twilio console. Request signatures are validated against it.
	WebhookURL string `toml:"webhook-url"`
}

func NewConfig() Config {
	return Config{
		URL: DefaultURL,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AccountSID == "" {
		return errors.New("must specify account-sid")
	}
	if c.AuthToken == "" {
		return errors.New("must specify auth-token")
	}
	if c.From == "" {
		return errors.New("must specify from")
	}
	if c.URL == "" {
		return errors.New("must specify url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.Wrapf(err, "invalid url %q", c.URL)
	}
	if c.ReceiveEnabled {
		if c.WebhookURL == "" {
			return errors.New("must specify webhook-url when receive-enabled is true")
		}
		if _, err := url.Parse(c.WebhookURL); err != nil {
			return errors.Wrapf(err, "invalid webhook-url %q", c.WebhookURL)
		}
	}
	return nil
}
