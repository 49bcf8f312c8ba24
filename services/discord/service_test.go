package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
)

type testDiagnostic struct{}

func (d *testDiagnostic) WithContext(ctx ...keyvalue.T) Diagnostic { return d }
func (d *testDiagnostic) InsecureSkipVerify()                      {}
func (d *testDiagnostic) Error(msg string, err error)              {}

type postData struct {
	Username  string  `json:"username"`
	AvatarURL string  `json:"avatar_url"`
	Embeds    []embed `json:"embeds"`
}

type webhook struct {
	mu    sync.Mutex
	ts    *httptest.Server
	posts []postData
}

func newWebhook() *webhook {
	w := &webhook{}
	w.ts = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var p postData
		json.NewDecoder(r.Body).Decode(&p)
		w.mu.Lock()
		w.posts = append(w.posts, p)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}))
	return w
}

func (w *webhook) Posts() []postData {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.posts
}

func TestService_Send(t *testing.T) {
	wh := newWebhook()
	defer wh.ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = wh.ts.URL
	c.Username = "tradewire"
	s, err := NewService([]Config{c}, &testDiagnostic{})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Send(context.Background(), "", channel.Message{
		Text:  "stop loss triggered on GBPJPY",
		Level: channel.Critical,
	})
	if err != nil {
		t.Fatal(err)
	}

	posts := wh.Posts()
	if got, exp := len(posts), 1; got != exp {
		t.Fatalf("unexpected post count: got %d exp %d", got, exp)
	}
	if got, exp := posts[0].Username, "tradewire"; got != exp {
		t.Errorf("unexpected username: got %s exp %s", got, exp)
	}
	if got, exp := len(posts[0].Embeds), 1; got != exp {
		t.Fatalf("unexpected embed count: got %d exp %d", got, exp)
	}
	if got, exp := posts[0].Embeds[0].Description, "stop loss triggered on GBPJPY"; got != exp {
		t.Errorf("unexpected description: got %s exp %s", got, exp)
	}
	if got, exp := posts[0].Embeds[0].Color, colorRed; got != exp {
		t.Errorf("unexpected color: got %#x exp %#x", got, exp)
	}
}

func TestService_SendLevelColors(t *testing.T) {
	testCases := []struct {
		level channel.Level
		color int
	}{
		{level: channel.OK, color: colorGreen},
		{level: channel.Info, color: colorBlurple},
		{level: channel.Warning, color: colorYellow},
		{level: channel.Critical, color: colorRed},
	}

	wh := newWebhook()
	defer wh.ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = wh.ts.URL
	s, err := NewService([]Config{c}, &testDiagnostic{})
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range testCases {
		if err := s.Send(context.Background(), "", channel.Message{Text: "x", Level: tc.level}); err != nil {
			t.Fatal(err)
		}
	}
	posts := wh.Posts()
	if got, exp := len(posts), len(testCases); got != exp {
		t.Fatalf("unexpected post count: got %d exp %d", got, exp)
	}
	for i, tc := range testCases {
		if got, exp := posts[i].Embeds[0].Color, tc.color; got != exp {
			t.Errorf("%v: unexpected color: got %#x exp %#x", tc.level, got, exp)
		}
	}
}

func TestService_Workspaces(t *testing.T) {
	ops := newWebhook()
	defer ops.ts.Close()
	vip := newWebhook()
	defer vip.ts.Close()

	opsConf := NewConfig()
	opsConf.Enabled = true
	opsConf.Workspace = "ops"
	opsConf.Default = true
	opsConf.URL = ops.ts.URL

	vipConf := NewConfig()
	vipConf.Enabled = true
	vipConf.Workspace = "vip"
	vipConf.URL = vip.ts.URL

	s, err := NewService([]Config{opsConf, vipConf}, &testDiagnostic{})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Send(context.Background(), "vip", channel.Message{Text: "to vip"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), "", channel.Message{Text: "to default"}); err != nil {
		t.Fatal(err)
	}

	if got, exp := len(vip.Posts()), 1; got != exp {
		t.Fatalf("unexpected vip post count: got %d exp %d", got, exp)
	}
	if got, exp := vip.Posts()[0].Embeds[0].Description, "to vip"; got != exp {
		t.Errorf("unexpected vip description: got %s exp %s", got, exp)
	}
	if got, exp := len(ops.Posts()), 1; got != exp {
		t.Fatalf("unexpected ops post count: got %d exp %d", got, exp)
	}

	err = s.Send(context.Background(), "nope", channel.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error for unknown workspace")
	}
	if got, exp := channel.ErrorKindOf(err), channel.KindMalformed; got != exp {
		t.Errorf("unexpected error kind: got %v exp %v", got, exp)
	}
}

func TestService_SendErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"You are being rate limited.","code":0}`))
	}))
	defer srv.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = srv.URL
	s, err := NewService([]Config{c}, &testDiagnostic{})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Send(context.Background(), "", channel.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got, exp := channel.ErrorKindOf(err), channel.KindRateLimited; got != exp {
		t.Errorf("unexpected error kind: got %v exp %v", got, exp)
	}
}
