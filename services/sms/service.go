package sms

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/channel"
	khttp "github.com/tradewire/tradewire/http"
	"github.com/tradewire/tradewire/keyvalue"
	"github.com/tradewire/tradewire/services/httpd"
)

// messageBuffer is how many inbound messages may queue before the webhook
// starts refusing deliveries. Twilio retries on server errors.
const messageBuffer = 64

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Error(msg string, err error)
}

type Service struct {
	configValue atomic.Value
	diag        Diagnostic
	client      *http.Client

	HTTPDService interface {
		AddRoutes([]httpd.Route) error
		DelRoutes([]httpd.Route)
	}

	messages chan channel.RawMessage
	routes   []httpd.Route

	mu     sync.Mutex
	opened bool
}

func NewService(c Config, d Diagnostic) *Service {
	s := &Service{
		diag: d,
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
	if !c.Enabled || !c.ReceiveEnabled {
		return nil
	}
	if s.HTTPDService == nil {
		return errors.New("no httpd service found")
	}

	s.routes = []httpd.Route{
		{
			// The Twilio console sends form encoded callbacks with its own
			// signature scheme, so the route skips bearer auth.
			Method:      "POST",
			Pattern:     "/sms",
			HandlerFunc: s.handleWebhook,
			NoJSON:      true,
			NoAuth:      true,
		},
	}
	if err := s.HTTPDService.AddRoutes(s.routes); err != nil {
		return errors.Wrap(err, "failed to add webhook routes")
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	if len(s.routes) > 0 {
		s.HTTPDService.DelRoutes(s.routes)
		s.routes = nil
	}
	close(s.messages)
	return nil
}

func (s *Service) config() Config {
	return s.configValue.Load().(Config)
}

// Adapter returns the channel adapter. The adapter receives as well when
// the inbound webhook is enabled. The destination id is the recipient
// phone number.
func (s *Service) Adapter() channel.Adapter {
	if c := s.config(); c.Enabled && c.ReceiveEnabled {
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

// handleWebhook accepts inbound SMS posted by the Twilio webhook. Replies
// go out through the normal send path, so the TwiML response stays empty.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	c := s.config()

	if err := r.ParseForm(); err != nil {
		httpd.HttpError(w, "failed to parse form: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	if !validSignature(c.AuthToken, c.WebhookURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		s.diag.Error("rejected sms webhook request", errors.New("invalid signature"))
		httpd.HttpError(w, "invalid signature", true, http.StatusForbidden)
		return
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" || body == "" {
		httpd.HttpError(w, "missing From or Body", true, http.StatusBadRequest)
		return
	}

	msg := channel.RawMessage{
		Destination: from,
		Sender:      from,
		Text:        body,
		Correlation: r.PostForm.Get("MessageSid"),
		Time:        time.Now().UTC(),
	}
	if !s.enqueue(msg) {
		httpd.HttpError(w, "message buffer full", true, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(emptyTwiML))
}

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response></Response>`

// enqueue hands one inbound message to the receive stream. It reports
// false once the service is closed or the buffer is full.
func (s *Service) enqueue(msg channel.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return false
	}
	select {
	case s.messages <- msg:
		return true
	default:
		return false
	}
}

// validSignature checks the X-Twilio-Signature header. Twilio signs the
// webhook URL with every POST parameter appended in lexical key order.
func validSignature(authToken, webhookURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(webhookURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(form.Get(k)))
	}
	exp := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(exp), []byte(signature))
}

// Send delivers one SMS through the Twilio Messages endpoint.
func (s *Service) Send(ctx context.Context, to string, m channel.Message) error {
	c := s.config()

	u, form, err := prepareForm(c, to, m)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid sms message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid sms request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.AccountSID, c.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return channel.WrapTransportError(channel.KindUnreachable, err, "sms gateway unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return sendError(resp)
	}
	return nil
}

func sendError(resp *http.Response) error {
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
			fmt.Sprintf("messages returned code %d", resp.StatusCode))
	}
	var res struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &res); err != nil || res.Message == "" {
		return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
			fmt.Sprintf("failed to understand Twilio response. code: %d content: %s", resp.StatusCode, string(body)))
	}
	return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
		fmt.Sprintf("messages error (%d): %s", res.Code, res.Message))
}

func prepareForm(c Config, to string, m channel.Message) (string, url.Values, error) {
	if !c.Enabled {
		return "", nil, errors.New("service is not enabled")
	}
	if to == "" {
		to = c.To
	}
	if to == "" {
		return "", nil, errors.New("no recipient phone number provided")
	}

	form := url.Values{}
	form.Set("From", c.From)
	form.Set("To", to)
	form.Set("Body", m.Text)

	u, err := url.Parse(c.URL)
	if err != nil {
		return "", nil, errors.Wrap(err, "invalid URL")
	}
	u.Path = path.Join(u.Path, "Accounts", c.AccountSID, "Messages.json")
	return u.String(), form, nil
}
