package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
	"github.com/tradewire/tradewire/services/httpd/httpdtest"
)

type testDiagnostic struct{}

func (d *testDiagnostic) WithContext(ctx ...keyvalue.T) Diagnostic { return d }
func (d *testDiagnostic) Error(msg string, err error)              {}

type request struct {
	Path string
	Auth string
	Body struct {
		MessagingProduct string `json:"messaging_product"`
		To               string `json:"to"`
		Type             string `json:"type"`
		Text             struct {
			Body string `json:"body"`
		} `json:"text"`
	}
}

func newServer() (*httptest.Server, func() []request) {
	var mu sync.Mutex
	var requests []request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := request{Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		json.NewDecoder(r.Body).Decode(&req.Body)
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	return ts, func() []request {
		mu.Lock()
		defer mu.Unlock()
		return requests
	}
}

func TestService_Send(t *testing.T) {
	ts, requests := newServer()
	defer ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	c.PhoneNumberID = "10001"
	s := NewService(c, &testDiagnostic{})

	err := s.Send(context.Background(), "+15551230000", channel.Message{
		Text: "position closed: EURUSD +1.2%",
	})
	if err != nil {
		t.Fatal(err)
	}

	reqs := requests()
	if got, exp := len(reqs), 1; got != exp {
		t.Fatalf("unexpected request count: got %d exp %d", got, exp)
	}
	if got, exp := reqs[0].Path, "/10001/messages"; got != exp {
		t.Errorf("unexpected path: got %s exp %s", got, exp)
	}
	if got, exp := reqs[0].Auth, "Bearer TOKEN"; got != exp {
		t.Errorf("unexpected authorization: got %s exp %s", got, exp)
	}
	if got, exp := reqs[0].Body.MessagingProduct, "whatsapp"; got != exp {
		t.Errorf("unexpected messaging_product: got %s exp %s", got, exp)
	}
	if got, exp := reqs[0].Body.To, "+15551230000"; got != exp {
		t.Errorf("unexpected to: got %s exp %s", got, exp)
	}
	if got, exp := reqs[0].Body.Text.Body, "position closed: EURUSD +1.2%"; got != exp {
		t.Errorf("unexpected body: got %s exp %s", got, exp)
	}
}

func TestService_SendDefaultRecipient(t *testing.T) {
	ts, requests := newServer()
	defer ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	c.PhoneNumberID = "10001"
	c.To = "+15559990000"
	s := NewService(c, &testDiagnostic{})

	if err := s.Send(context.Background(), "", channel.Message{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	reqs := requests()
	if got, exp := reqs[0].Body.To, "+15559990000"; got != exp {
		t.Errorf("unexpected to: got %s exp %s", got, exp)
	}
}

func TestService_SendNoRecipient(t *testing.T) {
	c := NewConfig()
	c.Enabled = true
	c.Token = "TOKEN"
	c.PhoneNumberID = "10001"
	s := NewService(c, &testDiagnostic{})

	err := s.Send(context.Background(), "", channel.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error for missing recipient")
	}
	if got, exp := channel.ErrorKindOf(err), channel.KindMalformed; got != exp {
		t.Errorf("unexpected error kind: got %v exp %v", got, exp)
	}
}

func TestService_SendAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = srv.URL
	c.Token = "BAD"
	c.PhoneNumberID = "10001"
	s := NewService(c, &testDiagnostic{})

	err := s.Send(context.Background(), "+15551230000", channel.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got, exp := channel.ErrorKindOf(err), channel.KindAuthRejected; got != exp {
		t.Errorf("unexpected error kind: got %v exp %v", got, exp)
	}
}

func hubSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newWebhookService(t *testing.T) (*Service, *httpdtest.Server) {
	t.Helper()
	srv := httpdtest.NewServer()
	t.Cleanup(func() { srv.Close() })

	c := NewConfig()
	c.Enabled = true
	c.Token = "TOKEN"
	c.PhoneNumberID = "10001"
	c.ReceiveEnabled = true
	c.WebhookVerifyToken = "verify-me"
	c.AppSecret = "app-secret"
	s := NewService(c, &testDiagnostic{})
	s.HTTPDService = srv
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, srv
}

func postWebhook(t *testing.T, srv *httpdtest.Server, body, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", srv.Server.URL+"/tradewire/v1/whatsapp", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestService_WebhookVerify(t *testing.T) {
	_, srv := newWebhookService(t)

	u := srv.Server.URL + "/tradewire/v1/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444"
	resp, err := http.Get(u)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if got, exp := resp.StatusCode, http.StatusOK; got != exp {
		t.Fatalf("unexpected status: got %d exp %d", got, exp)
	}
	if got, exp := string(body), "1158201444"; got != exp {
		t.Errorf("unexpected challenge echo: got %s exp %s", got, exp)
	}

	u = srv.Server.URL + "/tradewire/v1/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1"
	resp, err = http.Get(u)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got, exp := resp.StatusCode, http.StatusForbidden; got != exp {
		t.Fatalf("unexpected status for bad token: got %d exp %d", got, exp)
	}
}

const textEnvelope = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "W1",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"contacts": [{"profile": {"name": "dave"}, "wa_id": "15551230000"}],
				"messages": [{
					"from": "15551230000",
					"id": "wamid.A1",
					"timestamp": "1712345678",
					"type": "text",
					"text": {"body": "/status"}
				}]
			}
		}]
	}]
}`

func TestService_Webhook(t *testing.T) {
	s, srv := newWebhookService(t)

	recv, ok := s.Adapter().(channel.Receiver)
	if !ok {
		t.Fatal("expected a receiving adapter when the webhook is enabled")
	}

	resp := postWebhook(t, srv, textEnvelope, hubSign("app-secret", []byte(textEnvelope)))
	if got, exp := resp.StatusCode, http.StatusOK; got != exp {
		t.Fatalf("unexpected status: got %d exp %d", got, exp)
	}

	select {
	case msg := <-recv.Receive():
		if got, exp := msg.Sender, "dave"; got != exp {
			t.Errorf("unexpected sender: got %s exp %s", got, exp)
		}
		if got, exp := msg.Destination, "15551230000"; got != exp {
			t.Errorf("unexpected destination: got %s exp %s", got, exp)
		}
		if got, exp := msg.Text, "/status"; got != exp {
			t.Errorf("unexpected text: got %s exp %s", got, exp)
		}
		if got, exp := msg.Correlation, "wamid.A1"; got != exp {
			t.Errorf("unexpected correlation: got %s exp %s", got, exp)
		}
		if got, exp := msg.Time, time.Unix(1712345678, 0).UTC(); !got.Equal(exp) {
			t.Errorf("unexpected time: got %v exp %v", got, exp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the inbound message")
	}
}

func TestService_WebhookInvalidSignature(t *testing.T) {
	s, srv := newWebhookService(t)
	recv := s.Adapter().(channel.Receiver)

	resp := postWebhook(t, srv, textEnvelope, "sha256=0000")
	if got, exp := resp.StatusCode, http.StatusForbidden; got != exp {
		t.Fatalf("unexpected status: got %d exp %d", got, exp)
	}
	resp = postWebhook(t, srv, textEnvelope, "")
	if got, exp := resp.StatusCode, http.StatusForbidden; got != exp {
		t.Fatalf("unexpected status without signature: got %d exp %d", got, exp)
	}

	select {
	case msg := <-recv.Receive():
		t.Fatalf("unexpected message enqueued: %v", msg)
	default:
	}
}

func TestService_WebhookStatusOnly(t *testing.T) {
	s, srv := newWebhookService(t)
	recv := s.Adapter().(channel.Receiver)

	// Delivery status notifications carry no messages array.
	env := `{"entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.A1","status":"delivered"}]}}]}]}`
	resp := postWebhook(t, srv, env, hubSign("app-secret", []byte(env)))
	if got, exp := resp.StatusCode, http.StatusOK; got != exp {
		t.Fatalf("unexpected status: got %d exp %d", got, exp)
	}

	select {
	case msg := <-recv.Receive():
		t.Fatalf("unexpected message enqueued: %v", msg)
	default:
	}
}

func TestService_WebhookClose(t *testing.T) {
	s, srv := newWebhookService(t)
	recv := s.Adapter().(channel.Receiver)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	resp := postWebhook(t, srv, textEnvelope, hubSign("app-secret", []byte(textEnvelope)))
	if got, exp := resp.StatusCode, http.StatusNotFound; got != exp {
		t.Fatalf("unexpected status after close: got %d exp %d", got, exp)
	}

	select {
	case _, ok := <-recv.Receive():
		if ok {
			t.Fatal("expected a closed receive stream")
		}
	case <-time.After(time.Second):
		t.Fatal("receive stream not closed")
	}
}

func TestConfig_Validate(t *testing.T) {
	c := NewConfig()
	c.Enabled = true
	c.Token = "TOKEN"
	c.PhoneNumberID = "10001"
	if err := c.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	c.ReceiveEnabled = true
	if err := c.Validate(); err == nil {
		t.Error("expected error for receive-enabled without webhook-verify-token")
	}
	c.WebhookVerifyToken = "verify-me"
	if err := c.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}
