package httppost

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/bufpool"
	"github.com/tradewire/tradewire/channel"
	khttp "github.com/tradewire/tradewire/http"
	"github.com/tradewire/tradewire/keyvalue"
)

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Error(msg string, err error)
}

// AlertData is the body posted to an endpoint when no template is
// configured.
type AlertData struct {
	Text        string            `json:"text"`
	Level       string            `json:"level"`
	Correlation string            `json:"correlation,omitempty"`
	Time        time.Time         `json:"time"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Endpoint is a preconfigured HTTP target for alert data.
type Endpoint struct {
	mu            sync.RWMutex
	url           string
	headers       map[string]string
	auth          BasicAuth
	alertTemplate *template.Template
}

func NewEndpoint(url string, headers map[string]string, auth BasicAuth, alertTemplate *template.Template) *Endpoint {
	return &Endpoint{
		url:           url,
		headers:       headers,
		auth:          auth,
		alertTemplate: alertTemplate,
	}
}

func (e *Endpoint) AlertTemplate() *template.Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.alertTemplate
}

func (e *Endpoint) NewHTTPRequest(ctx context.Context, body io.Reader) (*http.Request, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, "POST", e.url, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create POST request")
	}

	if e.auth.valid() {
		req.SetBasicAuth(e.auth.Username, e.auth.Password)
	}

	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type Service struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	bp        *bufpool.Pool
	client    *http.Client
	diag      Diagnostic
}

func NewService(cs Configs, d Diagnostic) (*Service, error) {
	endpoints, err := cs.index()
	if err != nil {
		return nil, err
	}
	return &Service{
		endpoints: endpoints,
		bp:        bufpool.New(),
		client: &http.Client{
			Transport: khttp.NewDefaultTransport(),
		},
		diag: d,
	}, nil
}

func (s *Service) Open() error {
	return nil
}

func (s *Service) Close() error {
	return nil
}

func (s *Service) Endpoint(name string) (*Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.endpoints[name]
	return e, ok
}

// Adapter returns the channel adapter. Destination ids name configured
// endpoints.
func (s *Service) Adapter() channel.Adapter {
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	return a.s.Send(ctx, destinationID, m)
}

// Send posts the alert data to the named endpoint.
func (s *Service) Send(ctx context.Context, destinationID string, m channel.Message) error {
	e, ok := s.Endpoint(destinationID)
	if !ok {
		return channel.NewTransportError(channel.KindMalformed, "unknown httppost endpoint %q", destinationID)
	}

	ad := AlertData{
		Text:        m.Text,
		Level:       m.Level.String(),
		Correlation: m.Correlation,
		Time:        time.Now().UTC(),
		Meta:        m.Meta,
	}

	body := s.bp.Get()
	defer s.bp.Put(body)
	contentType := "application/json"
	if tmpl := e.AlertTemplate(); tmpl != nil {
		if err := tmpl.Execute(body, ad); err != nil {
			return channel.WrapTransportError(channel.KindMalformed, err, "failed to execute alert template")
		}
		contentType = "text/plain; charset=utf-8"
	} else {
		if err := json.NewEncoder(body).Encode(ad); err != nil {
			return channel.WrapTransportError(channel.KindMalformed, err, "failed to marshal alert data json")
		}
	}

	req, err := e.NewHTTPRequest(ctx, body)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid httppost request")
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return channel.WrapTransportError(channel.KindUnreachable, err, "failed to POST alert data")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return channel.NewTransportError(channel.HTTPErrorKind(resp.StatusCode), "endpoint %q returned %d: %s", destinationID, resp.StatusCode, msg)
	}
	return nil
}
