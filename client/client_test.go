package client_test

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tradewire/tradewire/client"
)

func newClient(handler http.Handler) (*httptest.Server, *client.Client, error) {
	ts := httptest.NewServer(handler)
	config := client.Config{
		URL: ts.URL,
	}
	cli, err := client.New(config)
	return ts, cli, err
}

func Test_NewClient_Error(t *testing.T) {
	_, err := client.New(client.Config{
		URL: "udp://badurl",
	})
	if err == nil {
		t.Error("expected error from client.New")
	}
}

func Test_ReportsErrors(t *testing.T) {
	testCases := []struct {
		name string
		fnc  func(c *client.Client) error
	}{
		{
			name: "Ping",
			fnc: func(c *client.Client) error {
				_, _, err := c.Ping()
				return err
			},
		},
		{
			name: "PublishAlert",
			fnc: func(c *client.Client) error {
				_, err := c.PublishAlert(client.Alert{Group: "ops", Body: "b"})
				return err
			},
		},
		{
			name: "ListChannels",
			fnc: func(c *client.Client) error {
				_, err := c.ListChannels()
				return err
			},
		},
		{
			name: "ListGroups",
			fnc: func(c *client.Client) error {
				_, err := c.ListGroups()
				return err
			},
		},
		{
			name: "Group",
			fnc: func(c *client.Client) error {
				_, err := c.Group("ops")
				return err
			},
		},
		{
			name: "ListCommands",
			fnc: func(c *client.Client) error {
				_, err := c.ListCommands()
				return err
			},
		},
		{
			name: "InjectMessage",
			fnc: func(c *client.Client) error {
				_, err := c.InjectMessage(client.Message{Channel: "telegram", Text: "/ping"})
				return err
			},
		},
	}
	for _, tc := range testCases {
		s, c, err := newClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()

		err = tc.fnc(c)
		if err == nil {
			t.Fatalf("expected error from call to %s", tc.name)
		}

		s, c, err = newClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":"custom error message"}`)
		}))
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()

		err = tc.fnc(c)
		if err == nil {
			t.Fatalf("expected error from call to %s", tc.name)
		}
		if exp, got := "custom error message", err.Error(); exp != got {
			t.Errorf("unexpected error message: got: %s exp: %s", got, exp)
		}
	}
}

func Test_PingVersion(t *testing.T) {
	s, c, err := newClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tradewire/v1/ping" && r.Method == "GET" {
			w.Header().Set("X-Tradewire-Version", "versionStr")
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "request: %v", r)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, version, err := c.Ping()
	if err != nil {
		t.Fatal(err)
	}
	if exp, got := "versionStr", version; exp != got {
		t.Errorf("unexpected version: got: %s exp: %s", got, exp)
	}
}

func Test_BearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"error":"unauthorized"}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c, err := client.New(client.Config{
		URL:   ts.URL,
		Token: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Ping(); err != nil {
		t.Fatal(err)
	}
}

func Test_PublishAlert(t *testing.T) {
	s, c, err := newClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		if r.URL.Path == "/tradewire/v1/alerts" && r.Method == "POST" &&
			strings.Contains(string(body), `"group":"ops"`) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{
"group":"ops",
"level":"CRITICAL",
"results":[
	{"destination":"telegram:123456789","ok":true,"latencyMs":12.5},
	{"destination":"sms:+15550001111","ok":false,"kind":"timeout","latencyMs":10000,"error":"context deadline exceeded"}
]}`)
		} else {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "request: %v", r)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	res, err := c.PublishAlert(client.Alert{
		Group:    "ops",
		Body:     "fill EURUSD",
		Metadata: map[string]string{"severity": "critical"},
	})
	if err != nil {
		t.Fatal(err)
	}
	exp := client.RouteResult{
		Group: "ops",
		Level: "CRITICAL",
		Results: []client.DeliveryResult{
			{
				Destination: "telegram:123456789",
				OK:          true,
				LatencyMS:   12.5,
			},
			{
				Destination: "sms:+15550001111",
				OK:          false,
				Kind:        "timeout",
				LatencyMS:   10000,
				Error:       "context deadline exceeded",
			},
		},
	}
	if !reflect.DeepEqual(exp, res) {
		t.Errorf("unexpected route result:\ngot:\n%v\nexp:\n%v", res, exp)
	}
}

func Test_ListChannels(t *testing.T) {
	s, c, err := newClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tradewire/v1/channels" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{
"channels":[
	{"name":"exec","receiving":false},
	{"name":"telegram","receiving":true,"health":{
		"up":true,
		"lastSuccess":"2026-08-20T10:00:00Z",
		"lastFailure":"0001-01-01T00:00:00Z",
		"consecutiveFailures":0
	}}
]}`)
		} else {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "request: %v", r)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	channels, err := c.ListChannels()
	if err != nil {
		t.Fatal(err)
	}
	exp := []client.Channel{
		{Name: "exec"},
		{
			Name:      "telegram",
			Receiving: true,
			Health: &client.ChannelHealth{
				Up:          true,
				LastSuccess: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
			},
		},
	}
	if !reflect.DeepEqual(exp, channels) {
		t.Errorf("unexpected channels:\ngot:\n%v\nexp:\n%v", channels, exp)
	}
}

func Test_Group(t *testing.T) {
	s, c, err := newClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tradewire/v1/groups/ops" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"name":"ops","destinations":["telegram:123456789","sms:+15550001111"]}`)
		} else {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "request: %v", r)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	g, err := c.Group("ops")
	if err != nil {
		t.Fatal(err)
	}
	exp := client.Group{
		Name:         "ops",
		Destinations: []string{"telegram:123456789", "sms:+15550001111"},
	}
	if !reflect.DeepEqual(exp, g) {
		t.Errorf("unexpected group:\ngot:\n%v\nexp:\n%v", g, exp)
	}
}

func Test_ListCommands(t *testing.T) {
	s, c, err := newClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tradewire/v1/commands" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"prefix":"/","commands":["help","ping","status"]}`)
		} else {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "request: %v", r)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	cmds, err := c.ListCommands()
	if err != nil {
		t.Fatal(err)
	}
	exp := client.Commands{
		Prefix:   "/",
		Commands: []string{"help", "ping", "status"},
	}
	if !reflect.DeepEqual(exp, cmds) {
		t.Errorf("unexpected commands:\ngot:\n%v\nexp:\n%v", cmds, exp)
	}
}

func Test_InjectMessage(t *testing.T) {
	s, c, err := newClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m client.Message
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&m); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":%q}`, err.Error())
			return
		}
		if r.URL.Path == "/tradewire/v1/messages" && r.Method == "POST" &&
			m.Channel == "telegram" && m.Text == "/close_position symbol=EURUSD" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"command":true,"status":"handled","reply":"closing EURUSD"}`)
		} else {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "request: %v", r)
		}
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	res, err := c.InjectMessage(client.Message{
		Channel:     "telegram",
		Destination: "123456789",
		Sender:      "trader",
		Text:        "/close_position symbol=EURUSD",
	})
	if err != nil {
		t.Fatal(err)
	}
	exp := client.MessageResult{
		Command: true,
		Status:  "handled",
		Reply:   "closing EURUSD",
	}
	if !reflect.DeepEqual(exp, res) {
		t.Errorf("unexpected message result:\ngot:\n%v\nexp:\n%v", res, exp)
	}
}
