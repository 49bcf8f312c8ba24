package channel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MessageListener receives inbound messages that are not commands when the
// unrecognized message opt in is enabled.
type MessageListener interface {
	UnrecognizedMessage(msg RawMessage)
}

// PumpConfig holds the optional knobs of a Pump.
type PumpConfig struct {
	// UnrecognizedEvents forwards non command messages to the Listener
	// instead of dropping them.
	UnrecognizedEvents bool
	// Listener receives unrecognized messages when the opt in is enabled.
	Listener MessageListener
}

// Pump drives the inbound side: one worker per receiving adapter reads the
// adapter's stream, parses and dispatches.
//
// Messages from one channel process strictly in order. Channels progress
// independently of each other.
type Pump struct {
	registry *Registry
	parser   *Parser
	disp     *Dispatcher
	diag     Diagnostic
	c        PumpConfig

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu     sync.Mutex
	opened bool
	closed bool
}

func NewPump(registry *Registry, parser *Parser, disp *Dispatcher, d Diagnostic, c PumpConfig) *Pump {
	return &Pump{
		registry: registry,
		parser:   parser,
		disp:     disp,
		diag:     d,
		c:        c,
	}
}

// Open starts one worker per receiving adapter.
func (p *Pump) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pump already closed")
	}
	if p.opened {
		return nil
	}
	p.opened = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for _, nr := range p.registry.Receivers() {
		p.wg.Add(1)
		go p.run(ctx, nr)
	}
	return nil
}

// Close waits for the workers to drain their streams.
//
// Adapters close their streams when they shut down, so the server closes
// the transports first and the workers exit once the queued messages have
// been processed. Close is idempotent.
func (p *Pump) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	opened := p.opened
	p.mu.Unlock()

	if !opened {
		return nil
	}
	p.wg.Wait()
	p.cancel()
	return nil
}

func (p *Pump) run(ctx context.Context, nr NamedReceiver) {
	defer p.wg.Done()
	p.diag.InboundStarted(nr.Channel)
	for msg := range nr.Receiver.Receive() {
		if msg.Channel == "" {
			msg.Channel = nr.Channel
		}
		p.Inject(ctx, msg)
	}
	p.diag.InboundStopped(nr.Channel)
}

// Inject runs a single message through the parse and dispatch path without
// going through an adapter stream. The HTTP injection endpoint and webhook
// transports feed messages in this way. Non command messages take the same
// listener or drop path as streamed messages and return ErrNotCommand.
func (p *Pump) Inject(ctx context.Context, msg RawMessage) (Outcome, error) {
	p.diag.MessageReceived(msg.Channel)
	cmd, err := p.parser.Parse(msg)
	switch {
	case err == nil:
		return p.disp.Dispatch(ctx, cmd), nil
	case errors.Is(err, ErrNotCommand):
		if p.c.UnrecognizedEvents && p.c.Listener != nil {
			p.c.Listener.UnrecognizedMessage(msg)
		} else {
			p.diag.MessageDropped(msg.Channel)
		}
		return Outcome{}, ErrNotCommand
	default:
		return p.disp.ReplyMalformed(ctx, msg, err), nil
	}
}
