package httpdtest

import (
	"expvar"
	"io/ioutil"
	"log"
	"net/http/httptest"
	"time"

	"github.com/tradewire/tradewire/services/httpd"
)

// Server wraps a Handler in an httptest server, for services that register
// webhook routes.
type Server struct {
	Handler *httpd.Handler
	Server  *httptest.Server
}

func NewServer() *Server {
	statMap := &expvar.Map{}
	statMap.Init()
	s := &Server{
		Handler: httpd.NewHandler(
			false,
			false,
			false,
			true,
			statMap,
			Diagnostic{},
			"",
		),
	}
	s.Server = httptest.NewServer(s.Handler)
	return s
}

func (s *Server) Close() error {
	s.Server.Close()
	return nil
}

func (s *Server) AddRoutes(routes []httpd.Route) error {
	return s.Handler.AddRoutes(routes)
}

func (s *Server) DelRoutes(routes []httpd.Route) {
	s.Handler.DelRoutes(routes)
}

// Diagnostic is a no-op httpd.Diagnostic.
type Diagnostic struct{}

func (Diagnostic) NewHTTPServerErrorLogger() *log.Logger {
	return log.New(ioutil.Discard, "", 0)
}

func (Diagnostic) StartingService()                  {}
func (Diagnostic) StoppedService()                   {}
func (Diagnostic) ShutdownTimeout()                  {}
func (Diagnostic) AuthenticationEnabled(bool)        {}
func (Diagnostic) ListeningOn(addr, proto string)    {}
func (Diagnostic) Error(msg string, err error)       {}
func (Diagnostic) HTTP(host, method, uri string, status int, reqID string, duration time.Duration) {
}
func (Diagnostic) RecoveryError(msg, err, method, uri, reqID string) {}
