package channeltest

import (
	"context"
	"sync"
	"time"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
)

// Send records one delivery an Adapter accepted.
type Send struct {
	Destination string
	Message     channel.Message
}

// Adapter is a recording channel.Adapter.
//
// Delay and Err may be set before the adapter is used to simulate slow and
// failing transports. A delayed send honors context cancellation.
type Adapter struct {
	Delay time.Duration
	Err   error

	mu    sync.Mutex
	sends []Send
}

func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	a.sends = append(a.sends, Send{Destination: destinationID, Message: m})
	a.mu.Unlock()
	return a.Err
}

// Sends returns a copy of the recorded deliveries in arrival order.
func (a *Adapter) Sends() []Send {
	a.mu.Lock()
	defer a.mu.Unlock()
	sends := make([]Send, len(a.sends))
	copy(sends, a.sends)
	return sends
}

// LastSend returns the most recent delivery.
func (a *Adapter) LastSend() (Send, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sends) == 0 {
		return Send{}, false
	}
	return a.sends[len(a.sends)-1], true
}

// WaitSends polls until n deliveries were recorded or the timeout expires.
func (a *Adapter) WaitSends(n int, timeout time.Duration) []Send {
	deadline := time.Now().Add(timeout)
	for {
		sends := a.Sends()
		if len(sends) >= n || time.Now().After(deadline) {
			return sends
		}
		time.Sleep(time.Millisecond)
	}
}

// ReceivingAdapter is an Adapter with an inbound stream tests feed directly.
type ReceivingAdapter struct {
	Adapter

	stream    chan channel.RawMessage
	closeOnce sync.Once
}

func NewReceivingAdapter(buffer int) *ReceivingAdapter {
	return &ReceivingAdapter{
		stream: make(chan channel.RawMessage, buffer),
	}
}

func (r *ReceivingAdapter) Receive() <-chan channel.RawMessage {
	return r.stream
}

// Inject places msg on the inbound stream.
func (r *ReceivingAdapter) Inject(msg channel.RawMessage) {
	r.stream <- msg
}

// CloseStream closes the inbound stream. Safe to call more than once.
func (r *ReceivingAdapter) CloseStream() {
	r.closeOnce.Do(func() {
		close(r.stream)
	})
}

// Diagnostic is a recording channel.Diagnostic.
type Diagnostic struct {
	mu sync.Mutex

	ErrorMessages []string
	Errs          []error
	Routed        []string
	Succeeded     []channel.Destination
	Failed        []channel.Destination
	FailedKinds   []channel.ErrorKind
	Started       []string
	Stopped       []string
	Received      []string
	Dropped       []string
	Dispatched    []string
	Statuses      []channel.OutcomeStatus
	Replaced      []string
	Panics        []string
	RepliesFailed []channel.ReplyContext
}

func NewDiagnostic() *Diagnostic {
	return &Diagnostic{}
}

func (d *Diagnostic) WithContext(ctx ...keyvalue.T) channel.Diagnostic {
	return d
}

func (d *Diagnostic) Error(msg string, err error, ctx ...keyvalue.T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ErrorMessages = append(d.ErrorMessages, msg)
	d.Errs = append(d.Errs, err)
}

func (d *Diagnostic) AlertRouted(group string, destinations int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Routed = append(d.Routed, group)
}

func (d *Diagnostic) DeliverySucceeded(dest channel.Destination, latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Succeeded = append(d.Succeeded, dest)
}

func (d *Diagnostic) DeliveryFailed(dest channel.Destination, kind channel.ErrorKind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Failed = append(d.Failed, dest)
	d.FailedKinds = append(d.FailedKinds, kind)
}

func (d *Diagnostic) InboundStarted(chName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Started = append(d.Started, chName)
}

func (d *Diagnostic) InboundStopped(chName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Stopped = append(d.Stopped, chName)
}

func (d *Diagnostic) MessageReceived(chName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Received = append(d.Received, chName)
}

func (d *Diagnostic) MessageDropped(chName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dropped = append(d.Dropped, chName)
}

func (d *Diagnostic) CommandDispatched(name string, status channel.OutcomeStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dispatched = append(d.Dispatched, name)
	d.Statuses = append(d.Statuses, status)
}

func (d *Diagnostic) HandlerReplaced(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Replaced = append(d.Replaced, name)
}

func (d *Diagnostic) HandlerPanic(name string, recovered interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Panics = append(d.Panics, name)
}

func (d *Diagnostic) ReplyFailed(rc channel.ReplyContext, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RepliesFailed = append(d.RepliesFailed, rc)
}

// HandlerReplacements returns the recorded replacement warnings.
func (d *Diagnostic) HandlerReplacements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.Replaced))
	copy(names, d.Replaced)
	return names
}
