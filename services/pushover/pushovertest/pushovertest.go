// Package pushovertest provides a fake Pushover API endpoint that records
// the form posts it receives.
package pushovertest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
)

type Request struct {
	PostData PostData
}

// PostData is the decoded form body of one messages.json call.
type PostData struct {
	Token    string
	UserKey  string
	Message  string
	Device   string
	Title    string
	Priority int
}

type Server struct {
	URL string

	ts *httptest.Server

	mu       sync.Mutex
	requests []Request
	closed   int32
}

func NewServer() *Server {
	s := new(Server)
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = s.ts.URL
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	priority, _ := strconv.Atoi(r.PostForm.Get("priority"))
	s.mu.Lock()
	s.requests = append(s.requests, Request{PostData: PostData{
		Token:    r.PostForm.Get("token"),
		UserKey:  r.PostForm.Get("user"),
		Message:  r.PostForm.Get("message"),
		Device:   r.PostForm.Get("device"),
		Title:    r.PostForm.Get("title"),
		Priority: priority,
	}})
	s.mu.Unlock()
	w.Write([]byte(`{"status":1}`))
}

// Requests returns the calls received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	s.ts.Close()
}
