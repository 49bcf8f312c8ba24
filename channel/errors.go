package channel

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDuplicateChannel is returned when registering a channel name twice.
	ErrDuplicateChannel = errors.New("duplicate channel")
	// ErrChannelNotFound is returned when looking up an unregistered channel name.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrUnknownGroup is returned when resolving a group name that was never configured.
	ErrUnknownGroup = errors.New("unknown group")
	// ErrNotCommand is returned by the parser for messages that do not carry the command prefix.
	ErrNotCommand = errors.New("not a command")
)

// ErrorKind classifies a delivery failure.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindUnreachable
	KindAuthRejected
	KindRateLimited
	KindMalformed
	KindUnknownChannel
	KindTimeout
	KindInternal
	maxErrorKind
)

var kindStrings = [maxErrorKind]string{
	"none",
	"unreachable",
	"auth-rejected",
	"rate-limited",
	"malformed",
	"unknown-channel",
	"timeout",
	"internal",
}

func (k ErrorKind) String() string {
	if k < 0 || k >= maxErrorKind {
		return "unknown"
	}
	return kindStrings[k]
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	if k < 0 || k >= maxErrorKind {
		return nil, fmt.Errorf("unknown error kind %d", int(k))
	}
	return []byte(kindStrings[k]), nil
}

func (k *ErrorKind) UnmarshalText(text []byte) error {
	s := string(text)
	for i := range kindStrings {
		if kindStrings[i] == s {
			*k = ErrorKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown error kind '%s'", s)
}

func ParseErrorKind(s string) (k ErrorKind, err error) {
	err = k.UnmarshalText([]byte(s))
	return
}

// TransportError is the error adapters return for failed sends.
// Kind must be one of KindUnreachable, KindAuthRejected, KindRateLimited or KindMalformed.
type TransportError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func NewTransportError(kind ErrorKind, msg string, args ...interface{}) *TransportError {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &TransportError{Kind: kind, Msg: msg}
}

func WrapTransportError(kind ErrorKind, err error, msg string, args ...interface{}) *TransportError {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &TransportError{Kind: kind, Msg: msg, Err: err}
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorKindOf classifies any error produced by a send attempt.
func ErrorKindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	te := &TransportError{}
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	if errors.Is(err, ErrChannelNotFound) {
		return KindUnknownChannel
	}
	return KindInternal
}

// HTTPErrorKind maps an HTTP response code from a transport API onto an ErrorKind.
func HTTPErrorKind(statusCode int) ErrorKind {
	switch {
	case statusCode == 401 || statusCode == 403:
		return KindAuthRejected
	case statusCode == 429:
		return KindRateLimited
	case statusCode >= 400 && statusCode < 500:
		return KindMalformed
	case statusCode >= 500:
		return KindUnreachable
	default:
		return KindInternal
	}
}

// ParseError describes why a prefixed message failed to parse as a command.
type ParseError struct {
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed command at position %d: %s", e.Pos, e.Reason)
}
