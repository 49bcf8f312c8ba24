package smtp

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/gomail.v2"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
)

var ErrNoRecipients = errors.New("not sending email, no recipients defined")

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Error(msg string, err error)
}

// envelope pairs a message with the channel its delivery result is
// reported on.
type envelope struct {
	m      *gomail.Message
	result chan error
}

type Service struct {
	mu          sync.Mutex
	configValue atomic.Value
	mail        chan envelope
	diag        Diagnostic
	wg          sync.WaitGroup
	opened      bool
}

func NewService(c Config, d Diagnostic) *Service {
	s := &Service{
		diag: d,
	}
	s.configValue.Store(c)
	return s
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.opened = true

	s.mail = make(chan envelope)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMailer()
	}()

	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false

	close(s.mail)
	s.wg.Wait()

	return nil
}

func (s *Service) config() Config {
	return s.configValue.Load().(Config)
}

func (s *Service) dialer() (d *gomail.Dialer, idleTimeout time.Duration) {
	c := s.config()
	if c.Username == "" {
		d = &gomail.Dialer{Host: c.Host, Port: c.Port}
	} else {
		d = gomail.NewPlainDialer(c.Host, c.Port, c.Username, c.Password)
	}
	if c.NoVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	idleTimeout = time.Duration(c.IdleTimeout)
	return
}

func (s *Service) runMailer() {
	d, idleTimeout := s.dialer()

	var conn gomail.SendCloser
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	var err error
	open := false
	for {
		timer := time.NewTimer(idleTimeout)
		select {
		case env, ok := <-s.mail:
			if !ok {
				timer.Stop()
				return
			}
			if !open {
				if conn, err = d.Dial(); err != nil {
					env.result <- dialError(err)
					break
				}
				open = true
			}
			if err := gomail.Send(conn, env.m); err != nil {
				// The connection may be stale, force a redial next time.
				conn.Close()
				open = false
				env.result <- channel.WrapTransportError(channel.KindUnreachable, err, "failed to send email")
				break
			}
			env.result <- nil
		// Close the connection to the SMTP server if no email was sent in
		// the last IdleTimeout duration.
		case <-timer.C:
			if open {
				if err := conn.Close(); err != nil {
					s.diag.Error("error closing connection to SMTP server", err)
				}
				open = false
			}
		}
		timer.Stop()
	}
}

func dialError(err error) error {
	// Authentication failures surface as 535 replies from the server.
	if strings.Contains(err.Error(), "535") || strings.Contains(strings.ToLower(err.Error()), "auth") {
		return channel.WrapTransportError(channel.KindAuthRejected, err, "smtp authentication failed")
	}
	return channel.WrapTransportError(channel.KindUnreachable, err, "error connecting to SMTP server")
}

// Adapter returns the send only channel adapter. The destination id is a
// comma separated recipient list.
func (s *Service) Adapter() channel.Adapter {
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	var to []string
	if destinationID != "" {
		for _, addr := range strings.Split(destinationID, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
	}
	return a.s.SendMail(ctx, to, m.Text)
}

// SendMail queues one email and waits for the mailer to deliver it.
func (s *Service) SendMail(ctx context.Context, to []string, body string) error {
	m, err := s.prepareMessage(to, body)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid email")
	}
	env := envelope{m: m, result: make(chan error, 1)}
	select {
	case s.mail <- env:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) prepareMessage(to []string, body string) (*gomail.Message, error) {
	c := s.config()
	if !c.Enabled {
		return nil, errors.New("service is not enabled")
	}
	if len(to) == 0 {
		to = c.To
	}
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}
	m := gomail.NewMessage()
	m.SetHeader("From", c.From)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", c.Subject)
	m.SetBody("text/html", body)
	return m, nil
}
