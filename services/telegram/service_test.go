package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
	"github.com/tradewire/tradewire/services/telegram/telegramtest"
	"github.com/tradewire/tradewire/toml"
)

type testDiagnostic struct {
	mu     sync.Mutex
	errs   []error
	polled bool
}

func (d *testDiagnostic) WithContext(ctx ...keyvalue.T) Diagnostic { return d }
func (d *testDiagnostic) Error(msg string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}
func (d *testDiagnostic) PollingStarted(offset int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polled = true
}
func (d *testDiagnostic) PollingStopped() {}

type testOffsetStore struct {
	mu     sync.Mutex
	offset int64
	ok     bool
	sets   []int64
}

func (s *testOffsetStore) Offset() (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, s.ok, nil
}
func (s *testOffsetStore) SetOffset(o int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = o
	s.ok = true
	s.sets = append(s.sets, o)
	return nil
}
func (s *testOffsetStore) Sets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

func TestService_Send(t *testing.T) {
	ts := telegramtest.NewServer()
	defer ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	c.ChatID = "12345"
	s := NewService(c, nil, &testDiagnostic{})
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err := s.Send(context.Background(), "", channel.Message{
		Text:  "filled 100 EURUSD @ 1.0842",
		Level: channel.Info,
	})
	if err != nil {
		t.Fatal(err)
	}

	reqs := ts.Requests()
	if got, exp := len(reqs), 1; got != exp {
		t.Fatalf("unexpected request count: got %d exp %d", got, exp)
	}
	if got, exp := reqs[0].URL, "/botTOKEN/sendMessage"; got != exp {
		t.Errorf("unexpected url: got %s exp %s", got, exp)
	}
	if got, exp := reqs[0].PostData.ChatId, "12345"; got != exp {
		t.Errorf("unexpected chat_id: got %s exp %s", got, exp)
	}
	if got, exp := reqs[0].PostData.Text, "filled 100 EURUSD @ 1.0842"; got != exp {
		t.Errorf("unexpected text: got %s exp %s", got, exp)
	}
}

func TestService_SendDestinationOverridesChatID(t *testing.T) {
	ts := telegramtest.NewServer()
	defer ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	c.ChatID = "12345"
	s := NewService(c, nil, &testDiagnostic{})

	if err := s.Send(context.Background(), "777", channel.Message{Text: "margin call"}); err != nil {
		t.Fatal(err)
	}
	reqs := ts.Requests()
	if got, exp := len(reqs), 1; got != exp {
		t.Fatalf("unexpected request count: got %d exp %d", got, exp)
	}
	if got, exp := reqs[0].PostData.ChatId, "777"; got != exp {
		t.Errorf("unexpected chat_id: got %s exp %s", got, exp)
	}
}

func TestService_SendReplyThreading(t *testing.T) {
	ts := telegramtest.NewServer()
	defer ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	s := NewService(c, nil, &testDiagnostic{})

	err := s.Send(context.Background(), "42", channel.Message{
		Text:        "closed EURUSD",
		Correlation: "99",
	})
	if err != nil {
		t.Fatal(err)
	}
	reqs := ts.Requests()
	if got, exp := len(reqs), 1; got != exp {
		t.Fatalf("unexpected request count: got %d exp %d", got, exp)
	}
	if got, exp := reqs[0].PostData.ReplyToMessageId, int64(99); got != exp {
		t.Errorf("unexpected reply_to_message_id: got %d exp %d", got, exp)
	}
}

func TestService_SendMessagePrefix(t *testing.T) {
	ts := telegramtest.NewServer()
	defer ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	c.ChatID = "12345"
	c.MessagePrefix = "[tradewire] "
	s := NewService(c, nil, &testDiagnostic{})

	if err := s.Send(context.Background(), "", channel.Message{Text: "drawdown warning"}); err != nil {
		t.Fatal(err)
	}
	reqs := ts.Requests()
	if got, exp := reqs[0].PostData.Text, "[tradewire] drawdown warning"; got != exp {
		t.Errorf("unexpected text: got %s exp %s", got, exp)
	}
}

func TestService_SendNoChatID(t *testing.T) {
	c := NewConfig()
	c.Enabled = true
	c.Token = "TOKEN"
	s := NewService(c, nil, &testDiagnostic{})

	err := s.Send(context.Background(), "", channel.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error for missing chat id")
	}
	if got, exp := channel.ErrorKindOf(err), channel.KindMalformed; got != exp {
		t.Errorf("unexpected error kind: got %v exp %v", got, exp)
	}
}

func TestService_SendErrorClassification(t *testing.T) {
	testCases := []struct {
		status int
		body   string
		kind   channel.ErrorKind
	}{
		{
			status: http.StatusUnauthorized,
			body:   `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
			kind:   channel.KindAuthRejected,
		},
		{
			status: http.StatusTooManyRequests,
			body:   `{"ok":false,"error_code":429,"description":"Too Many Requests: retry later","parameters":{"retry_after":5}}`,
			kind:   channel.KindRateLimited,
		},
		{
			status: http.StatusBadRequest,
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: message text is empty"}`,
			kind:   channel.KindMalformed,
		},
		{
			status: http.StatusInternalServerError,
			body:   `{"ok":false,"error_code":500,"description":"Internal Server Error"}`,
			kind:   channel.KindUnreachable,
		},
	}
	for _, tc := range testCases {
		func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewConfig()
			c.Enabled = true
			c.URL = srv.URL + "/bot"
			c.Token = "TOKEN"
			c.ChatID = "12345"
			s := NewService(c, nil, &testDiagnostic{})

			err := s.Send(context.Background(), "", channel.Message{Text: "x"})
			if err == nil {
				t.Fatalf("status %d: expected error", tc.status)
			}
			if got, exp := channel.ErrorKindOf(err), tc.kind; got != exp {
				t.Errorf("status %d: unexpected error kind: got %v exp %v", tc.status, got, exp)
			}
		}()
	}
}

func TestService_SendUnreachable(t *testing.T) {
	c := NewConfig()
	c.Enabled = true
	c.URL = "http://127.0.0.1:1/bot"
	c.Token = "TOKEN"
	c.ChatID = "12345"
	s := NewService(c, nil, &testDiagnostic{})

	err := s.Send(context.Background(), "", channel.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error for unreachable server")
	}
	if got, exp := channel.ErrorKindOf(err), channel.KindUnreachable; got != exp {
		t.Errorf("unexpected error kind: got %v exp %v", got, exp)
	}
}

func TestService_AdapterKind(t *testing.T) {
	c := NewConfig()
	c.Enabled = true
	c.Token = "TOKEN"
	s := NewService(c, nil, &testDiagnostic{})
	if _, ok := s.Adapter().(channel.Receiver); ok {
		t.Error("expected send-only adapter when polling is disabled")
	}

	c.PollEnabled = true
	s = NewService(c, nil, &testDiagnostic{})
	if _, ok := s.Adapter().(channel.Receiver); !ok {
		t.Error("expected receiving adapter when polling is enabled")
	}
}

func TestService_Poll(t *testing.T) {
	ts := telegramtest.NewServer()
	defer ts.Close()

	ts.QueueUpdate(telegramtest.Update{
		UpdateID: 1,
		Message: &telegramtest.Message{
			MessageID: 100,
			From:      &telegramtest.From{ID: 9, Username: "trader_jane"},
			Chat:      telegramtest.Chat{ID: 12345},
			Date:      1700000000,
			Text:      "/close_position symbol=EURUSD",
		},
	})
	ts.QueueUpdate(telegramtest.Update{
		UpdateID: 2,
		Message: &telegramtest.Message{
			MessageID: 101,
			Chat:      telegramtest.Chat{ID: 12345},
			Date:      1700000060,
			Text:      "/status",
		},
	})

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	c.PollEnabled = true
	c.PollTimeout = toml.Duration(10 * time.Millisecond)

	store := &testOffsetStore{}
	s := NewService(c, store, &testDiagnostic{})
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}

	recv, ok := s.Adapter().(channel.Receiver)
	if !ok {
		t.Fatal("expected receiving adapter")
	}

	var msgs []channel.RawMessage
	timeout := time.After(5 * time.Second)
	for len(msgs) < 2 {
		select {
		case m := <-recv.Receive():
			msgs = append(msgs, m)
		case <-timeout:
			t.Fatalf("timed out waiting for messages, got %d", len(msgs))
		}
	}

	if got, exp := msgs[0].Text, "/close_position symbol=EURUSD"; got != exp {
		t.Errorf("unexpected text: got %s exp %s", got, exp)
	}
	if got, exp := msgs[0].Destination, "12345"; got != exp {
		t.Errorf("unexpected destination: got %s exp %s", got, exp)
	}
	if got, exp := msgs[0].Sender, "trader_jane"; got != exp {
		t.Errorf("unexpected sender: got %s exp %s", got, exp)
	}
	if got, exp := msgs[0].Correlation, "100"; got != exp {
		t.Errorf("unexpected correlation: got %s exp %s", got, exp)
	}
	if got, exp := msgs[0].Time, time.Unix(1700000000, 0).UTC(); !got.Equal(exp) {
		t.Errorf("unexpected time: got %v exp %v", got, exp)
	}
	if got, exp := msgs[1].Text, "/status"; got != exp {
		t.Errorf("unexpected text: got %s exp %s", got, exp)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	sets := store.Sets()
	if len(sets) == 0 {
		t.Fatal("expected offset to be persisted")
	}
	if got, exp := sets[len(sets)-1], int64(3); got != exp {
		t.Errorf("unexpected persisted offset: got %d exp %d", got, exp)
	}
}

func TestService_PollResumesFromStoredOffset(t *testing.T) {
	ts := telegramtest.NewServer()
	defer ts.Close()

	ts.QueueUpdate(telegramtest.Update{
		UpdateID: 1,
		Message: &telegramtest.Message{
			MessageID: 100,
			Chat:      telegramtest.Chat{ID: 12345},
			Text:      "/close_position symbol=EURUSD",
		},
	})

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	c.PollEnabled = true
	c.PollTimeout = toml.Duration(10 * time.Millisecond)

	// The stored offset is past the queued update, so it must not replay.
	store := &testOffsetStore{offset: 2, ok: true}
	s := NewService(c, store, &testDiagnostic{})
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	recv := s.Adapter().(channel.Receiver)
	select {
	case m := <-recv.Receive():
		t.Fatalf("unexpected replayed message: %q", m.Text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_CloseClosesStream(t *testing.T) {
	ts := telegramtest.NewServer()
	defer ts.Close()

	c := NewConfig()
	c.Enabled = true
	c.URL = ts.URL
	c.Token = "TOKEN"
	c.PollEnabled = true
	c.PollTimeout = toml.Duration(10 * time.Millisecond)

	s := NewService(c, nil, &testDiagnostic{})
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	recv := s.Adapter().(channel.Receiver)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-recv.Receive():
		if ok {
			t.Fatal("expected stream to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after Close")
	}
	// Close again is a no-op.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
