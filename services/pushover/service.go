package pushover

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/channel"
	khttp "github.com/tradewire/tradewire/http"
	"github.com/tradewire/tradewire/keyvalue"
)

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic
	Error(msg string, err error)
}

type Service struct {
	configValue atomic.Value
	diag        Diagnostic
	client      *http.Client
}

func NewService(c Config, d Diagnostic) *Service {
	s := &Service{
		diag: d,
		client: &http.Client{
			Transport: khttp.NewDefaultTransport(),
		},
	}
	s.configValue.Store(c)
	return s
}

func (s *Service) Open() error {
	return nil
}

func (s *Service) Close() error {
	return nil
}

func (s *Service) config() Config {
	return s.configValue.Load().(Config)
}

// Adapter returns the send only channel adapter. The destination id is a
// user or group key.
func (s *Service) Adapter() channel.Adapter {
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	return a.s.Send(ctx, destinationID, m)
}

// Send delivers one push notification.
func (s *Service) Send(ctx context.Context, userKey string, m channel.Message) error {
	u, post, err := s.preparePost(userKey, m)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid pushover message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(post.Encode()))
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid pushover request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return channel.WrapTransportError(channel.KindUnreachable, err, "pushover api unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
				fmt.Sprintf("messages returned code %d", resp.StatusCode))
		}
		var res struct {
			Errors []string `json:"errors"`
		}
		if err := json.Unmarshal(body, &res); err != nil || len(res.Errors) == 0 {
			return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
				fmt.Sprintf("failed to understand Pushover response. code: %d content: %s", resp.StatusCode, string(body)))
		}
		return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
			fmt.Sprintf("messages error: %s", strings.Join(res.Errors, ", ")))
	}
	return nil
}

// priority returns the pushover priority as defined by the Pushover API
// documentation https://pushover.net/api
func priority(level channel.Level) int {
	switch level {
	case channel.OK:
		// send as -2 to generate no notification/alert
		return -2
	case channel.Info:
		// -1 to always send as a quiet notification
		return -1
	case channel.Warning:
		// 0 to display as high-priority and bypass the user's quiet hours
		return 0
	case channel.Critical:
		// 1 to also require confirmation from the user
		return 1
	}
	return 0
}

func (s *Service) preparePost(userKey string, m channel.Message) (string, url.Values, error) {
	c := s.config()

	if !c.Enabled {
		return "", nil, errors.New("service is not enabled")
	}
	if userKey == "" {
		userKey = c.UserKey
	}
	if userKey == "" {
		return "", nil, errors.New("no user key provided")
	}

	v := url.Values{}
	v.Set("token", c.Token)
	v.Set("user", userKey)
	v.Set("message", m.Text)
	v.Set("priority", strconv.Itoa(priority(m.Level)))
	if c.Device != "" {
		v.Set("device", c.Device)
	}
	if c.Title != "" {
		v.Set("title", c.Title)
	}

	return c.URL, v, nil
}
