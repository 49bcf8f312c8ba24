package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/channel"
	khttp "github.com/tradewire/tradewire/http"
	"github.com/tradewire/tradewire/keyvalue"
)

// messageBuffer is how many inbound messages may queue before the poll
// loop blocks on the consumer.
const messageBuffer = 64

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Error(msg string, err error)
	PollingStarted(offset int64)
	PollingStopped()
}

// OffsetStore persists the getUpdates offset so restarts never replay
// commands that were already dispatched.
type OffsetStore interface {
	Offset() (o int64, ok bool, err error)
	SetOffset(o int64) error
}

type Service struct {
	configValue atomic.Value
	diag        Diagnostic
	store       OffsetStore
	client      *http.Client

	messages chan channel.RawMessage

	mu         sync.Mutex
	opened     bool
	wg         sync.WaitGroup
	pollCancel context.CancelFunc
}

// NewService creates the Telegram service. store may be nil, in which case
// the update offset only lives in memory.
func NewService(c Config, store OffsetStore, d Diagnostic) *Service {
	s := &Service{
		diag:  d,
		store: store,
		client: &http.Client{
			Transport: khttp.NewDefaultTransport(),
		},
		messages: make(chan channel.RawMessage, messageBuffer),
	}
	s.configValue.Store(c)
	return s
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.opened = true

	c := s.config()
	if !c.Enabled || !c.PollEnabled {
		return nil
	}

	offset := int64(0)
	if s.store != nil {
		o, ok, err := s.store.Offset()
		if err != nil {
			return errors.Wrap(err, "failed to load telegram update offset")
		}
		if ok {
			offset = o
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	s.wg.Add(1)
	go s.pollUpdates(ctx, offset)
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	if s.pollCancel != nil {
		s.pollCancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Service) config() Config {
	return s.configValue.Load().(Config)
}

// Adapter returns the channel adapter. The adapter receives as well when
// polling is enabled.
func (s *Service) Adapter() channel.Adapter {
	if c := s.config(); c.Enabled && c.PollEnabled {
		return &duplexAdapter{sendAdapter{s: s}}
	}
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	return a.s.Send(ctx, destinationID, m)
}

type duplexAdapter struct {
	sendAdapter
}

func (a *duplexAdapter) Receive() <-chan channel.RawMessage {
	return a.s.messages
}

// Send posts one message to the Telegram Bot API.
func (s *Service) Send(ctx context.Context, chatID string, m channel.Message) error {
	u, post, err := s.preparePost(chatID, m)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid telegram message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, post)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return channel.WrapTransportError(channel.KindUnreachable, err, "telegram api unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s.sendError(resp)
	}
	return nil
}

func (s *Service) sendError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
			fmt.Sprintf("sendMessage returned code %d", resp.StatusCode))
	}
	type response struct {
		Ok          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	res := &response{}
	if err := json.Unmarshal(body, res); err != nil {
		return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
			fmt.Sprintf("failed to understand Telegram response (err: %s). code: %d content: %s", err.Error(), resp.StatusCode, string(body)))
	}
	msg := fmt.Sprintf("sendMessage error (%d) description: %s", res.ErrorCode, res.Description)
	if res.Parameters.RetryAfter > 0 {
		msg = fmt.Sprintf("%s retry after: %ds", msg, res.Parameters.RetryAfter)
	}
	return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode), msg)
}

func (s *Service) preparePost(chatID string, m channel.Message) (string, io.Reader, error) {
	c := s.config()

	if !c.Enabled {
		return "", nil, errors.New("service is not enabled")
	}
	if chatID == "" {
		chatID = c.ChatID
	}
	if chatID == "" {
		return "", nil, errors.New("no chat id provided")
	}
	if c.ParseMode != "" && c.ParseMode != "Markdown" && c.ParseMode != "HTML" {
		return "", nil, errors.Errorf("parseMode %s is not valid, please use 'Markdown' or 'HTML'", c.ParseMode)
	}

	text := m.Text
	if c.MessagePrefix != "" {
		text = c.MessagePrefix + text
	}

	postData := make(map[string]interface{})
	postData["chat_id"] = chatID
	postData["text"] = text
	if c.ParseMode != "" {
		postData["parse_mode"] = c.ParseMode
	}
	if c.DisableWebPagePreview {
		postData["disable_web_page_preview"] = true
	}
	if c.DisableNotification {
		postData["disable_notification"] = true
	}
	if m.Correlation != "" {
		if id, err := strconv.ParseInt(m.Correlation, 10, 64); err == nil {
			postData["reply_to_message_id"] = id
		}
	}

	var post bytes.Buffer
	if err := json.NewEncoder(&post).Encode(postData); err != nil {
		return "", nil, err
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return "", nil, errors.Wrap(err, "invalid URL")
	}
	u.Path = path.Join(u.Path+c.Token, "sendMessage")
	return u.String(), &post, nil
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date int64  `json:"date"`
		Text string `json:"text"`
	} `json:"message"`
}

func (s *Service) pollUpdates(ctx context.Context, offset int64) {
	defer s.wg.Done()
	defer close(s.messages)

	s.diag.PollingStarted(offset)
	defer s.diag.PollingStopped()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := s.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.diag.Error("failed to poll telegram updates", err)
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			msg := channel.RawMessage{
				Destination: strconv.FormatInt(u.Message.Chat.ID, 10),
				Text:        u.Message.Text,
				Correlation: strconv.FormatInt(u.Message.MessageID, 10),
				Time:        time.Unix(u.Message.Date, 0).UTC(),
			}
			if u.Message.From != nil {
				if msg.Sender = u.Message.From.Username; msg.Sender == "" {
					msg.Sender = strconv.FormatInt(u.Message.From.ID, 10)
				}
			}
			select {
			case s.messages <- msg:
			case <-ctx.Done():
				return
			}
		}

		if len(updates) > 0 && s.store != nil {
			if err := s.store.SetOffset(offset); err != nil {
				s.diag.Error("failed to persist telegram update offset", err)
			}
		}
	}
}

func (s *Service) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	c := s.config()

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	u.Path = path.Join(u.Path+c.Token, "getUpdates")
	q := u.Query()
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("limit", strconv.Itoa(c.PollLimit))
	q.Set("timeout", strconv.Itoa(int(time.Duration(c.PollTimeout)/time.Second)))
	u.RawQuery = q.Encode()

	// The request outlives the long poll window by a grace period.
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.PollTimeout)+10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.Errorf("getUpdates returned code %d: %s", resp.StatusCode, string(body))
	}

	var res struct {
		Ok     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errors.Wrap(err, "failed to decode getUpdates response")
	}
	if !res.Ok {
		return nil, errors.New("getUpdates response not ok")
	}
	return res.Result, nil
}
