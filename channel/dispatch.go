package channel

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/keyvalue"
)

// DefaultHandlerTimeout bounds a single command handler invocation.
const DefaultHandlerTimeout = 30 * time.Second

// Handler executes one named command.
type Handler interface {
	// Handle runs the command and returns the reply text for the sender.
	// An empty reply with a nil error sends nothing.
	Handle(ctx context.Context, cmd Command) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd Command) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (string, error) {
	return f(ctx, cmd)
}

// CommandListener observes dispatch outcomes. Implementations must not block.
type CommandListener interface {
	CommandResult(cmd Command, out Outcome)
}

// DispatcherConfig holds the optional knobs of a Dispatcher.
type DispatcherConfig struct {
	// HandlerTimeout bounds each handler invocation. Zero means DefaultHandlerTimeout.
	HandlerTimeout time.Duration
	// Listener, when set, receives every dispatch outcome.
	Listener CommandListener
}

// Dispatcher routes parsed commands to their registered handlers and sends
// replies back over the originating channel.
//
// The handler set is written during startup from a single goroutine and
// read concurrently by the inbound workers.
type Dispatcher struct {
	registry *Registry
	diag     Diagnostic

	timeout  time.Duration
	listener CommandListener

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(registry *Registry, d Diagnostic, c DispatcherConfig) *Dispatcher {
	timeout := c.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Dispatcher{
		registry: registry,
		diag:     d,
		timeout:  timeout,
		listener: c.Listener,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds h to the command name. Registering a name that is
// already bound replaces the previous handler and logs a warning, the last
// registration wins.
func (s *Dispatcher) RegisterHandler(name string, h Handler) {
	name = strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[name]; ok {
		s.diag.HandlerReplaced(name)
	}
	s.handlers[name] = h
}

// UnregisterHandler removes the handler bound to name, if any.
func (s *Dispatcher) UnregisterHandler(name string) {
	name = strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, name)
}

// Commands returns the registered command names sorted.
func (s *Dispatcher) Commands() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (s *Dispatcher) handler(name string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Dispatch executes cmd and replies to the sender.
//
// Unknown commands and handler failures both produce an auto reply.
// Handler errors and panics never propagate, the failure reply stays
// generic while the detail goes to the log.
func (s *Dispatcher) Dispatch(ctx context.Context, cmd Command) Outcome {
	var out Outcome
	h, ok := s.handler(cmd.Name)
	if !ok {
		out = Outcome{
			Status: Unknown,
			Reply:  "unknown command: " + cmd.Name,
		}
		s.reply(ctx, cmd.Reply, out.Reply)
	} else if reply, err := s.invoke(ctx, cmd, h); err != nil {
		s.diag.Error("command handler failed", err, keyvalue.KV("command", cmd.Name))
		out = Outcome{
			Status: Failed,
			Reply:  "command failed: " + cmd.Name,
			Err:    err,
		}
		s.reply(ctx, cmd.Reply, out.Reply)
	} else {
		out = Outcome{
			Status: Handled,
			Reply:  reply,
		}
		s.reply(ctx, cmd.Reply, reply)
	}
	s.diag.CommandDispatched(cmd.Name, out.Status)
	if s.listener != nil {
		s.listener.CommandResult(cmd, out)
	}
	return out
}

// ReplyMalformed answers a prefixed message that failed to parse.
func (s *Dispatcher) ReplyMalformed(ctx context.Context, msg RawMessage, perr error) Outcome {
	out := Outcome{
		Status: Malformed,
		Reply:  perr.Error(),
		Err:    perr,
	}
	s.reply(ctx, msg.Reply(), out.Reply)
	s.diag.CommandDispatched("", Malformed)
	if s.listener != nil {
		s.listener.CommandResult(Command{Reply: msg.Reply(), Raw: msg.Text, Time: msg.Time}, out)
	}
	return out
}

// invoke runs the handler on its own goroutine so the per dispatch timeout
// holds even against handlers that ignore their context. Panics are
// recovered inside that goroutine, keeping the worker loop alive.
func (s *Dispatcher) invoke(ctx context.Context, cmd Command, h Handler) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.diag.HandlerPanic(cmd.Name, r)
				done <- result{err: errors.Errorf("command handler panic: %v", r)}
			}
		}()
		reply, err := h.Handle(ctx, cmd)
		done <- result{reply: reply, err: err}
	}()

	select {
	case res := <-done:
		return res.reply, res.err
	case <-ctx.Done():
		return "", errors.Wrapf(ctx.Err(), "command %q", cmd.Name)
	}
}

func (s *Dispatcher) reply(ctx context.Context, rc ReplyContext, text string) {
	if rc.Channel == "" || text == "" {
		return
	}
	a, err := s.registry.Get(rc.Channel)
	if err != nil {
		s.diag.ReplyFailed(rc, err)
		return
	}
	m := Message{
		Text:        text,
		Correlation: rc.Correlation,
	}
	if err := a.Send(ctx, rc.Destination, m); err != nil {
		s.diag.ReplyFailed(rc, err)
	}
}
