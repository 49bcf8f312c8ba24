package httpposttest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/tradewire/tradewire/services/httppost"
)

// AlertRequest is one recorded POST.
type AlertRequest struct {
	MatchingHeaders bool
	Username        string
	Password        string
	Data            httppost.AlertData
	Raw             []byte
}

// AlertServer records alert posts for assertions. When raw is true the
// body is kept verbatim for template assertions, otherwise it is decoded
// as alert data JSON.
type AlertServer struct {
	URL string

	ts      *httptest.Server
	headers map[string]string
	raw     bool

	mu       sync.Mutex
	requests []AlertRequest
	closed   bool
}

func NewAlertServer(headers map[string]string, raw bool) *AlertServer {
	s := &AlertServer{
		headers: headers,
		raw:     raw,
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = s.ts.URL
	return s
}

func (s *AlertServer) handle(w http.ResponseWriter, r *http.Request) {
	req := AlertRequest{MatchingHeaders: true}
	for k, want := range s.headers {
		if r.Header.Get(k) != want {
			req.MatchingHeaders = false
			break
		}
	}
	req.Username, req.Password, _ = r.BasicAuth()
	if s.raw {
		req.Raw, _ = io.ReadAll(r.Body)
		json.Unmarshal(req.Raw, &req.Data)
	} else {
		json.NewDecoder(r.Body).Decode(&req.Data)
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

// Data returns the requests recorded so far.
func (s *AlertServer) Data() []AlertRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *AlertServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ts.Close()
}
