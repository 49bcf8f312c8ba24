package whatsapp

import (
	"net/url"

	"github.com/pkg/errors"
)

const DefaultURL = "https://graph.facebook.com/v15.0"

type Config struct {
	// Whether WhatsApp integration is enabled
	Enabled bool `toml:"enabled"`
	// Graph API base URL
	URL string `toml:"url"`
	// Access token of the WhatsApp business app
	Token string `toml:"token"`
	// Phone number id that sends the messages
	PhoneNumberID string `toml:"phone-number-id"`
	// Default recipient phone number in E.164 format
	To string `toml:"to"`
	// Accept inbound messages through the Cloud API webhook
	ReceiveEnabled bool `toml:"receive-enabled"`
	// Token echoed back during Meta's webhook verification handshake
	WebhookVerifyToken string `toml:"webhook-verify-token"`
	// App secret used to validate the X-Hub-Signature-256 header on
	// webhook deliveries. Signature validation is skipped when empty.
	AppSecret string `toml:"app-secret"`
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
	if c.Token == "" {
		return errors.New("must specify token")
	}
	if c.PhoneNumberID == "" {
		return errors.New("must specify phone-number-id")
	}
	if c.URL == "" {
		return errors.New("must specify url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.Wrapf(err, "invalid url %q", c.URL)
	}
	if c.ReceiveEnabled && c.WebhookVerifyToken == "" {
		return errors.New("must specify webhook-verify-token when receive-enabled is true")
	}
	return nil
}
