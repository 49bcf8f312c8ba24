package httpd

import (
	"context"
	"crypto/tls"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type Diagnostic interface {
	NewHTTPServerErrorLogger() *log.Logger

	StartingService()
	StoppedService()
	ShutdownTimeout()
	AuthenticationEnabled(enabled bool)

	ListeningOn(addr string, proto string)

	HTTP(
		host string,
		method string,
		uri string,
		status int,
		reqID string,
		duration time.Duration,
	)

	Error(msg string, err error)
	RecoveryError(
		msg string,
		err string,
		method string,
		uri string,
		reqID string,
	)
}

// Service owns the HTTP listener. The API handler, transport webhooks and
// the pprof/debug routes are all served from it.
type Service struct {
	addr  string
	https bool
	cert  string
	key   string

	externalURL     string
	shutdownTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	server *http.Server
	wg     sync.WaitGroup
	err    chan error

	Handler *Handler

	diag                  Diagnostic
	httpServerErrorLogger *log.Logger
}

func NewService(c Config, hostname string, d Diagnostic) *Service {
	statMap := &expvar.Map{}
	statMap.Init()

	port, _ := c.Port()
	u := url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", hostname, port),
	}
	if c.HttpsEnabled {
		u.Scheme = "https"
	}

	key := c.HttpsPrivateKey
	if key == "" {
		// A single file may hold both the certificate and the key.
		key = c.HttpsCertificate
	}
	return &Service{
		addr:            c.BindAddress,
		https:           c.HttpsEnabled,
		cert:            c.HttpsCertificate,
		key:             key,
		externalURL:     u.String(),
		shutdownTimeout: time.Duration(c.ShutdownTimeout),
		err:             make(chan error, 1),
		Handler: NewHandler(
			c.AuthEnabled,
			c.LogEnabled,
			c.PprofEnabled,
			c.GZIP,
			statMap,
			d,
			c.SharedSecret,
		),
		diag:                  d,
		httpServerErrorLogger: d.NewHTTPServerErrorLogger(),
	}
}

// Open binds the listener and starts serving requests.
func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diag.StartingService()
	s.diag.AuthenticationEnabled(s.Handler.requireAuthentication)

	proto := "http"
	var ln net.Listener
	if s.https {
		cert, err := tls.LoadX509KeyPair(s.cert, s.key)
		if err != nil {
			return err
		}
		ln, err = tls.Listen("tcp", s.addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
		})
		if err != nil {
			return err
		}
		proto = "https"
	} else {
		var err error
		ln, err = net.Listen("tcp", s.addr)
		if err != nil {
			return err
		}
	}
	s.diag.ListeningOn(ln.Addr().String(), proto)
	s.ln = ln

	s.server = &http.Server{
		Handler:  s.Handler,
		ErrorLog: s.httpServerErrorLogger,
	}

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Close drains in flight requests and stops the service. Connections that
// do not finish within the configured shutdown timeout are torn down.
func (s *Service) Close() error {
	defer s.diag.StoppedService()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		// Never opened.
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.diag.ShutdownTimeout()
		err = s.server.Close()
	}

	s.wg.Wait()
	s.server = nil
	return err
}

func (s *Service) Err() <-chan error {
	return s.err
}

func (s *Service) serve() {
	defer s.wg.Done()
	err := s.server.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		s.err <- nil
		return
	}
	s.err <- fmt.Errorf("listener failed: addr=%s, err=%s", s.Addr(), err)
}

func (s *Service) Addr() net.Addr {
	if s.ln != nil {
		return s.ln.Addr()
	}
	return nil
}

// URL returns the URL the service is listening on, without the API base
// path. Pass it unchanged to a client.Config.
func (s *Service) URL() string {
	if s.ln == nil {
		return ""
	}
	scheme := "http"
	if s.https {
		scheme = "https"
	}
	return scheme + "://" + s.Addr().String()
}

// ExternalURL is the URL that should resolve externally to the server.
// It is possible that the URL does not resolve correctly if the hostname
// config setting is incorrect.
func (s *Service) ExternalURL() string {
	return s.externalURL
}

func (s *Service) AddRoutes(routes []Route) error {
	return s.Handler.AddRoutes(routes)
}

func (s *Service) DelRoutes(routes []Route) {
	s.Handler.DelRoutes(routes)
}
