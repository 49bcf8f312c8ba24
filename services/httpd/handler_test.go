package httpd_test

import (
	"context"
	"expvar"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/channel/channeltest"
	"github.com/tradewire/tradewire/client"
	"github.com/tradewire/tradewire/services/httpd"
	"github.com/tradewire/tradewire/services/httpd/httpdtest"
)

type fixture struct {
	server   *httpdtest.Server
	telegram *channeltest.ReceivingAdapter
	sms      *channeltest.Adapter
}

// newFixture builds a handler backed by a real registry, router, dispatcher
// and pump, with a receiving telegram adapter and a send only sms adapter.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := channel.NewRegistry()
	telegram := channeltest.NewReceivingAdapter(4)
	sms := channeltest.NewAdapter()
	if err := reg.Register("telegram", telegram); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("sms", sms); err != nil {
		t.Fatal(err)
	}

	groups := channel.NewGroupSet(map[string][]channel.Destination{
		"ops":  {{Channel: "telegram", ID: "123"}, {Channel: "sms", ID: "+15550100"}},
		"desk": {{Channel: "telegram", ID: "900"}},
	})
	health := channel.NewHealth()
	diag := channeltest.NewDiagnostic()
	router := channel.NewRouter(reg, groups, diag, channel.RouterConfig{Health: health})

	disp := channel.NewDispatcher(reg, diag, channel.DispatcherConfig{})
	disp.RegisterHandler("ping", channel.HandlerFunc(func(ctx context.Context, cmd channel.Command) (string, error) {
		return "pong", nil
	}))
	pump := channel.NewPump(reg, channel.NewParser("/"), disp, diag, channel.PumpConfig{})

	srv := httpdtest.NewServer()
	srv.Handler.Router = router
	srv.Handler.Injector = pump
	srv.Handler.Registry = reg
	srv.Handler.Groups = groups
	srv.Handler.Health = health
	srv.Handler.Commander = disp
	srv.Handler.CommandPrefix = "/"
	t.Cleanup(func() { srv.Close() })

	return &fixture{
		server:   srv,
		telegram: telegram,
		sms:      sms,
	}
}

func (f *fixture) client(t *testing.T) *client.Client {
	t.Helper()
	cl, err := client.New(client.Config{URL: f.server.Server.URL})
	if err != nil {
		t.Fatal(err)
	}
	return cl
}

func TestHandler_Ping(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.Server.URL + "/tradewire/v1/ping")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d exp %d", resp.StatusCode, http.StatusNoContent)
	}
	if resp.Header.Get("Request-Id") == "" {
		t.Fatal("expected a Request-Id header")
	}

	if _, _, err := f.client(t).Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestHandler_PublishAlert(t *testing.T) {
	f := newFixture(t)
	cl := f.client(t)

	result, err := cl.PublishAlert(client.Alert{
		Group: "ops",
		Body:  "margin call imminent",
		Metadata: map[string]string{
			"severity": "CRITICAL",
			"symbol":   "EURUSD",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Group != "ops" {
		t.Fatalf("unexpected group: got %q", result.Group)
	}
	if result.Level != "CRITICAL" {
		t.Fatalf("unexpected level: got %q", result.Level)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Results))
	}
	wantDests := []string{"telegram:123", "sms:+15550100"}
	for i, res := range result.Results {
		if res.Destination != wantDests[i] {
			t.Fatalf("result %d: got destination %q exp %q", i, res.Destination, wantDests[i])
		}
		if !res.OK {
			t.Fatalf("result %d: delivery failed: %s", i, res.Error)
		}
	}

	send, ok := f.sms.LastSend()
	if !ok {
		t.Fatal("sms adapter saw no delivery")
	}
	if send.Message.Text != "margin call imminent" {
		t.Fatalf("unexpected message text: got %q", send.Message.Text)
	}
}

func TestHandler_PublishAlert_UnknownGroup(t *testing.T) {
	f := newFixture(t)

	_, err := f.client(t).PublishAlert(client.Alert{Group: "bogus", Body: "x"})
	if err == nil {
		t.Fatal("expected an error for an unknown group")
	}
	if !strings.Contains(err.Error(), "unknown group") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandler_PublishAlert_DeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.sms.Err = channel.NewTransportError(channel.KindUnreachable, "gateway down")

	result, err := f.client(t).PublishAlert(client.Alert{Group: "ops", Body: "fill report"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Results[0].OK {
		t.Fatalf("telegram delivery should have succeeded: %s", result.Results[0].Error)
	}
	sms := result.Results[1]
	if sms.OK {
		t.Fatal("sms delivery should have failed")
	}
	if sms.Kind != "unreachable" {
		t.Fatalf("unexpected error kind: got %q", sms.Kind)
	}
	if !strings.Contains(sms.Error, "gateway down") {
		t.Fatalf("unexpected error: %q", sms.Error)
	}
}

func TestHandler_Channels(t *testing.T) {
	f := newFixture(t)
	cl := f.client(t)

	channels, err := cl.ListChannels()
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(channels))
	}
	// Sorted by name.
	if channels[0].Name != "sms" || channels[1].Name != "telegram" {
		t.Fatalf("unexpected channel names: %q %q", channels[0].Name, channels[1].Name)
	}
	if channels[0].Receiving {
		t.Fatal("sms should not be receiving")
	}
	if !channels[1].Receiving {
		t.Fatal("telegram should be receiving")
	}
	for _, ch := range channels {
		if ch.Health != nil {
			t.Fatalf("channel %q should have no health before deliveries", ch.Name)
		}
	}

	// A delivery populates health.
	if _, err := cl.PublishAlert(client.Alert{Group: "desk", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	channels, err = cl.ListChannels()
	if err != nil {
		t.Fatal(err)
	}
	if channels[0].Health != nil {
		t.Fatal("sms saw no delivery, health should still be nil")
	}
	if channels[1].Health == nil {
		t.Fatal("telegram should have health after a delivery")
	}
	if !channels[1].Health.Up {
		t.Fatal("telegram should be up")
	}
}

func TestHandler_Groups(t *testing.T) {
	f := newFixture(t)
	cl := f.client(t)

	groups, err := cl.ListGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Name != "desk" || groups[1].Name != "ops" {
		t.Fatalf("unexpected group order: %q %q", groups[0].Name, groups[1].Name)
	}

	g, err := cl.Group("ops")
	if err != nil {
		t.Fatal(err)
	}
	wantDests := []string{"telegram:123", "sms:+15550100"}
	if len(g.Destinations) != len(wantDests) {
		t.Fatalf("expected %d destinations, got %d", len(wantDests), len(g.Destinations))
	}
	for i, d := range g.Destinations {
		if d != wantDests[i] {
			t.Fatalf("destination %d: got %q exp %q", i, d, wantDests[i])
		}
	}

	if _, err := cl.Group("bogus"); err == nil {
		t.Fatal("expected an error for an unknown group")
	} else if !strings.Contains(err.Error(), "unknown group") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandler_Commands(t *testing.T) {
	f := newFixture(t)

	cmds, err := f.client(t).ListCommands()
	if err != nil {
		t.Fatal(err)
	}
	if cmds.Prefix != "/" {
		t.Fatalf("unexpected prefix: got %q", cmds.Prefix)
	}
	if len(cmds.Commands) != 1 || cmds.Commands[0] != "ping" {
		t.Fatalf("unexpected commands: %v", cmds.Commands)
	}
}

func TestHandler_InjectMessage(t *testing.T) {
	f := newFixture(t)
	cl := f.client(t)

	res, err := cl.InjectMessage(client.Message{
		Channel:     "telegram",
		Destination: "123",
		Sender:      "ops-lead",
		Text:        "/ping",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Command {
		t.Fatal("expected the message to be recognized as a command")
	}
	if res.Status != "handled" {
		t.Fatalf("unexpected status: got %q", res.Status)
	}
	if res.Reply != "pong" {
		t.Fatalf("unexpected reply: got %q", res.Reply)
	}
	send, ok := f.telegram.LastSend()
	if !ok {
		t.Fatal("reply was not delivered to the telegram adapter")
	}
	if send.Destination != "123" || send.Message.Text != "pong" {
		t.Fatalf("unexpected reply delivery: %+v", send)
	}
}

func TestHandler_InjectMessage_NotCommand(t *testing.T) {
	f := newFixture(t)

	res, err := f.client(t).InjectMessage(client.Message{
		Channel: "telegram",
		Text:    "what is the position on EURUSD?",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Command {
		t.Fatal("plain chatter should not be treated as a command")
	}
}

func TestHandler_InjectMessage_UnknownCommand(t *testing.T) {
	f := newFixture(t)

	res, err := f.client(t).InjectMessage(client.Message{
		Channel:     "telegram",
		Destination: "123",
		Text:        "/blargh",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Command || res.Status != "unknown" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Reply, "unknown command") {
		t.Fatalf("unexpected reply: %q", res.Reply)
	}
}

func TestHandler_InjectMessage_UnknownChannel(t *testing.T) {
	f := newFixture(t)

	_, err := f.client(t).InjectMessage(client.Message{Channel: "irc", Text: "/ping"})
	if err == nil {
		t.Fatal("expected an error for an unknown channel")
	}
	if !strings.Contains(err.Error(), "unknown channel") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandler_Auth(t *testing.T) {
	const secret = "ops-shared-secret"
	statMap := &expvar.Map{}
	statMap.Init()
	h := httpd.NewHandler(true, false, false, true, statMap, httpdtest.Diagnostic{}, secret)
	srv := httptest.NewServer(h)
	defer srv.Close()

	get := func(t *testing.T, token string) int {
		t.Helper()
		req, err := http.NewRequest("GET", srv.URL+"/tradewire/v1/ping", nil)
		if err != nil {
			t.Fatal(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	sign := func(t *testing.T, claims jwt.MapClaims, secret string) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return token
	}

	if code := get(t, ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d exp %d", code, http.StatusUnauthorized)
	}
	if code := get(t, "garbage"); code != http.StatusUnauthorized {
		t.Fatalf("garbage token: got %d exp %d", code, http.StatusUnauthorized)
	}

	valid := sign(t, jwt.MapClaims{
		"username": "ops",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}, secret)
	if code := get(t, valid); code != http.StatusNoContent {
		t.Fatalf("valid token: got %d exp %d", code, http.StatusNoContent)
	}

	expired := sign(t, jwt.MapClaims{
		"username": "ops",
		"exp":      time.Now().Add(-time.Hour).Unix(),
	}, secret)
	if code := get(t, expired); code != http.StatusUnauthorized {
		t.Fatalf("expired token: got %d exp %d", code, http.StatusUnauthorized)
	}

	noExp := sign(t, jwt.MapClaims{"username": "ops"}, secret)
	if code := get(t, noExp); code != http.StatusUnauthorized {
		t.Fatalf("token without exp: got %d exp %d", code, http.StatusUnauthorized)
	}

	wrongKey := sign(t, jwt.MapClaims{
		"username": "ops",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}, "other-secret")
	if code := get(t, wrongKey); code != http.StatusUnauthorized {
		t.Fatalf("wrong key: got %d exp %d", code, http.StatusUnauthorized)
	}

	// The typed client sends the token on every request.
	cl, err := client.New(client.Config{URL: srv.URL, Token: valid})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := cl.Ping(); err != nil {
		t.Fatal(err)
	}

	// Webhook routes registered with NoAuth bypass authentication.
	routes := []httpd.Route{{
		Method:  "POST",
		Pattern: "/sms",
		HandlerFunc: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		NoAuth: true,
	}}
	if err := h.AddRoutes(routes); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/tradewire/v1/sms", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook without token: got %d exp %d", resp.StatusCode, http.StatusOK)
	}
}

func TestHandler_AddDelRoutes(t *testing.T) {
	srv := httpdtest.NewServer()
	defer srv.Close()

	routes := []httpd.Route{{
		Method:  "GET",
		Pattern: "/webhook",
		HandlerFunc: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":true}`))
		},
	}}
	if err := srv.AddRoutes(routes); err != nil {
		t.Fatal(err)
	}

	status := func(t *testing.T) int {
		t.Helper()
		resp, err := http.Get(srv.Server.URL + "/tradewire/v1/webhook")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := status(t); code != http.StatusOK {
		t.Fatalf("after add: got %d exp %d", code, http.StatusOK)
	}

	if err := srv.AddRoutes(routes); err == nil {
		t.Fatal("expected an error adding a duplicate route")
	}

	srv.DelRoutes(routes)
	if code := status(t); code != http.StatusNotFound {
		t.Fatalf("after delete: got %d exp %d", code, http.StatusNotFound)
	}

	if err := srv.AddRoutes(routes); err != nil {
		t.Fatal(err)
	}
	if code := status(t); code != http.StatusOK {
		t.Fatalf("after re-add: got %d exp %d", code, http.StatusOK)
	}
}

func TestHandler_NotFound(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.Server.URL + "/tradewire/v1/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d exp %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestService_OpenClose(t *testing.T) {
	c := httpd.NewConfig()
	c.BindAddress = "localhost:0"
	c.LogEnabled = false
	s := httpd.NewService(c, "localhost", httpdtest.Diagnostic{})

	if err := s.Open(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(s.URL() + "/tradewire/v1/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d exp %d", resp.StatusCode, http.StatusNoContent)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-s.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		change  func(c *httpd.Config)
		wantErr bool
	}{
		{
			name:   "defaults",
			change: func(c *httpd.Config) {},
		},
		{
			name:    "missing bind address",
			change:  func(c *httpd.Config) { c.BindAddress = "" },
			wantErr: true,
		},
		{
			name:    "bad bind address",
			change:  func(c *httpd.Config) { c.BindAddress = "localhost" },
			wantErr: true,
		},
		{
			name:    "auth without secret",
			change:  func(c *httpd.Config) { c.AuthEnabled = true },
			wantErr: true,
		},
		{
			name: "auth with secret",
			change: func(c *httpd.Config) {
				c.AuthEnabled = true
				c.SharedSecret = "secret"
			},
		},
		{
			name: "https without certificate",
			change: func(c *httpd.Config) {
				c.HttpsEnabled = true
				c.HttpsCertificate = ""
			},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := httpd.NewConfig()
			tc.change(&c)
			err := c.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
