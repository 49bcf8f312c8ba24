package telegram

import (
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/toml"
)

const DefaultTelegramURL = "https://api.telegram.org/bot"

const (
	// DefaultPollTimeout is the long poll window passed to getUpdates.
	DefaultPollTimeout = toml.Duration(30 * time.Second)
	// DefaultPollLimit is the maximum number of updates fetched per poll.
	DefaultPollLimit = 100
)

type Config struct {
	// Whether Telegram integration is enabled.
	Enabled bool `toml:"enabled"`
	// The Telegram Bot URL, should not need to be changed.
	URL string `toml:"url"`
	// The Telegram Bot Token, can be obtained From @BotFather.
	Token string `toml:"token"`
	// The default chat, used when a destination id is empty.
	ChatID string `toml:"chat-id"`
	// Send Markdown or HTML, if you want Telegram apps to show bold, italic,
	// fixed-width text or inline URLs in your bot's message.
	ParseMode string `toml:"parse-mode"`
	// Disables link previews for links in this message.
	DisableWebPagePreview bool `toml:"disable-web-page-preview"`
	// Sends the message silently. iOS users will not receive a notification,
	// Android users will receive a notification with no sound.
	DisableNotification bool `toml:"disable-notification"`
	// MessagePrefix is prepended to every outbound message.
	MessagePrefix string `toml:"message-prefix"`
	// PollEnabled turns on the getUpdates long poll loop, making the
	// channel bidirectional.
	PollEnabled bool `toml:"poll-enabled"`
	// PollTimeout is the long poll window.
	PollTimeout toml.Duration `toml:"poll-timeout"`
	// PollLimit caps the updates fetched per poll.
	PollLimit int `toml:"poll-limit"`
}

func NewConfig() Config {
	return Config{
		URL:         DefaultTelegramURL,
		PollTimeout: DefaultPollTimeout,
		PollLimit:   DefaultPollLimit,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Token == "" {
		return errors.New("must specify telegram token")
	}
	if c.URL == "" {
		return errors.New("must specify telegram url")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.Wrapf(err, "invalid telegram url %q", c.URL)
	}
	if c.ParseMode != "" && c.ParseMode != "Markdown" && c.ParseMode != "HTML" {
		return errors.Errorf("parse-mode %s is not valid, please use 'Markdown' or 'HTML'", c.ParseMode)
	}
	if c.PollEnabled && c.PollTimeout <= 0 {
		return errors.New("poll-timeout must be positive")
	}
	if c.PollEnabled && c.PollLimit <= 0 {
		return errors.New("poll-limit must be positive")
	}
	return nil
}
