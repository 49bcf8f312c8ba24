package telegramtest

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

type Server struct {
	mu       sync.Mutex
	ts       *httptest.Server
	URL      string
	requests []Request
	updates  []Update
	closed   bool
}

func NewServer() *Server {
	s := new(Server)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			tr := Request{URL: r.URL.String()}
			dec := json.NewDecoder(r.Body)
			dec.Decode(&tr.PostData)
			s.mu.Lock()
			s.requests = append(s.requests, tr)
			s.mu.Unlock()
			w.Write([]byte(`{"ok":true}`))
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
			s.mu.Lock()
			var res []Update
			for _, u := range s.updates {
				if u.UpdateID >= offset {
					res = append(res, u)
				}
			}
			s.mu.Unlock()
			json.NewEncoder(w).Encode(updatesResponse{Ok: true, Result: res})
		default:
			ioutil.ReadAll(r.Body)
			http.NotFound(w, r)
		}
	}))
	s.ts = ts
	s.URL = ts.URL + "/bot"
	return s
}

// QueueUpdate adds an update that subsequent getUpdates calls will return.
func (s *Server) QueueUpdate(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.ts.Close()
}

type Request struct {
	URL      string
	PostData PostData
}

type PostData struct {
	ChatId                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
	DisableNotification   bool   `json:"disable_notification"`
	ReplyToMessageId      int64  `json:"reply_to_message_id"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *From  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

type From struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type updatesResponse struct {
	Ok     bool     `json:"ok"`
	Result []Update `json:"result"`
}
