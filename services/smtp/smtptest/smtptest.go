// Package smtptest provides a bare bones SMTP server that captures
// delivered messages for assertions.
package smtptest

import (
	"fmt"
	"io/ioutil"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"sync"
	"time"
)

type Message struct {
	Header mail.Header
	Body   string
}

type Server struct {
	Host string
	Port int

	l        *net.TCPListener
	wg       sync.WaitGroup
	mu       sync.Mutex
	messages []*Message
	errors   []error
}

func NewServer() (*Server, error) {
	laddr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Host: host,
		Port: port,
		l:    l,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	return s, nil
}

func (s *Server) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

func (s *Server) SentMessages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// WaitSentMessages blocks until n messages have arrived or the timeout
// elapses, returning whatever arrived.
func (s *Server) WaitSentMessages(n int, timeout time.Duration) []*Message {
	deadline := time.Now().Add(timeout)
	for {
		msgs := s.SentMessages()
		if len(msgs) >= n || time.Now().After(deadline) {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Server) Close() error {
	s.l.Close()
	s.wg.Wait()
	return nil
}

func (s *Server) run() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

const (
	replyGreeting = "220 hello"
	replyOK       = "250 Ok"
	replyData     = "354 Go ahead"
	replyGoodbye  = "221 Goodbye"
)

// handleConn speaks just enough SMTP to accept messages and record them.
func (s *Server) handleConn(conn net.Conn) {
	tc := textproto.NewConn(conn)
	if err := tc.PrintfLine(replyGreeting); err != nil {
		s.fail(tc, err)
		return
	}
	for {
		line, err := tc.ReadLine()
		if err != nil {
			s.fail(tc, err)
			return
		}
		if len(line) < 4 {
			s.fail(tc, fmt.Errorf("unexpected data %q", line))
			return
		}
		switch line[:4] {
		case "EHLO", "HELO", "MAIL", "RCPT":
			tc.PrintfLine(replyOK)
		case "DATA":
			if err := tc.PrintfLine(replyData); err != nil {
				s.fail(tc, err)
				return
			}
			message, err := mail.ReadMessage(tc.DotReader())
			if err != nil {
				s.fail(tc, err)
				return
			}
			body, err := ioutil.ReadAll(message.Body)
			if err != nil {
				s.fail(tc, err)
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, &Message{
				Header: message.Header,
				Body:   string(body),
			})
			s.mu.Unlock()
			if err := tc.PrintfLine(replyOK); err != nil {
				s.fail(tc, err)
				return
			}
		case "QUIT":
			tc.PrintfLine(replyGoodbye)
			return
		}
	}
}

func (s *Server) fail(tc *textproto.Conn, err error) {
	tc.PrintfLine(replyGoodbye)
	s.mu.Lock()
	s.errors = append(s.errors, err)
	s.mu.Unlock()
}
