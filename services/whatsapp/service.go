package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"path"
	"strconv"
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
// starts refusing deliveries. Meta retries on server errors.
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

	// Meta verifies the endpoint with a GET handshake before it delivers
	// events, so both methods register on the same pattern.
	s.routes = []httpd.Route{
		{
			Method:      "GET",
			Pattern:     "/whatsapp",
			HandlerFunc: s.handleVerify,
			NoJSON:      true,
			NoAuth:      true,
		},
		{
			Method:      "POST",
			Pattern:     "/whatsapp",
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

// handleVerify answers Meta's webhook verification handshake by echoing
// the challenge once the verify token matches.
func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	c := s.config()

	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != c.WebhookVerifyToken {
		s.diag.Error("rejected whatsapp webhook verification", errors.New("verify token mismatch"))
		httpd.HttpError(w, "verify token mismatch", true, http.StatusForbidden)
		return
	}
	w.Write([]byte(q.Get("hub.challenge")))
}

// handleWebhook accepts Cloud API event notifications and feeds the text
// messages they carry into the receive stream.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	c := s.config()

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		httpd.HttpError(w, "failed to read body: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	if c.AppSecret != "" && !validSignature(c.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		s.diag.Error("rejected whatsapp webhook request", errors.New("invalid signature"))
		httpd.HttpError(w, "invalid signature", true, http.StatusForbidden)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		httpd.HttpError(w, "failed to decode envelope: "+err.Error(), true, http.StatusBadRequest)
		return
	}

	for _, msg := range env.textMessages() {
		if !s.enqueue(msg) {
			httpd.HttpError(w, "message buffer full", true, http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// envelope is the Graph API webhook notification payload.
type envelope struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// textMessages flattens the envelope into inbound messages. Status updates
// and non text message types fall out here.
func (e envelope) textMessages() []channel.RawMessage {
	var msgs []channel.RawMessage
	for _, entry := range e.Entry {
		for _, ch := range entry.Changes {
			if ch.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(ch.Value.Contacts))
			for _, contact := range ch.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, m := range ch.Value.Messages {
				if m.Type != "text" || m.Text.Body == "" {
					continue
				}
				msg := channel.RawMessage{
					Destination: m.From,
					Sender:      m.From,
					Text:        m.Text.Body,
					Correlation: m.ID,
					Time:        time.Now().UTC(),
				}
				if name := names[m.From]; name != "" {
					msg.Sender = name
				}
				if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					msg.Time = time.Unix(ts, 0).UTC()
				}
				msgs = append(msgs, msg)
			}
		}
	}
	return msgs
}

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

// validSignature checks the X-Hub-Signature-256 header. Meta signs the raw
// request body with the app secret.
func validSignature(appSecret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	exp := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(exp), []byte(strings.TrimPrefix(header, prefix)))
}

// Send posts one text message through the WhatsApp Cloud API.
func (s *Service) Send(ctx context.Context, to string, m channel.Message) error {
	c := s.config()

	u, post, err := preparePost(c, to, m)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid whatsapp message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, post)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid whatsapp request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return channel.WrapTransportError(channel.KindUnreachable, err, "whatsapp api unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
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
	// Graph API error envelope.
	var res struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &res); err != nil || res.Error.Message == "" {
		return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
			fmt.Sprintf("failed to understand WhatsApp response. code: %d content: %s", resp.StatusCode, string(body)))
	}
	return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode),
		fmt.Sprintf("messages error (%d) %s: %s", res.Error.Code, res.Error.Type, res.Error.Message))
}

func preparePost(c Config, to string, m channel.Message) (string, io.Reader, error) {
	if !c.Enabled {
		return "", nil, errors.New("service is not enabled")
	}
	if to == "" {
		to = c.To
	}
	if to == "" {
		return "", nil, errors.New("no recipient phone number provided")
	}

	postData := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text": map[string]interface{}{
			"body": m.Text,
		},
	}

	var post bytes.Buffer
	if err := json.NewEncoder(&post).Encode(postData); err != nil {
		return "", nil, err
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return "", nil, errors.Wrap(err, "invalid URL")
	}
	u.Path = path.Join(u.Path, c.PhoneNumberID, "messages")
	return u.String(), &post, nil
}
