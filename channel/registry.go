package channel

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry maps channel names to their adapters.
//
// Registration happens during server startup, lookups happen on every
// delivery and reply. The registry is expected to be immutable once the
// server is open, the lock keeps direct library use race free.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register binds name to a. Registering a name twice returns ErrDuplicateChannel.
func (r *Registry) Register(name string, a Adapter) error {
	if name == "" {
		return errors.New("cannot register channel with empty name")
	}
	if a == nil {
		return errors.Errorf("cannot register nil adapter for channel %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		return errors.Wrapf(ErrDuplicateChannel, "channel %q", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter registered under name or ErrChannelNotFound.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrChannelNotFound, "channel %q", name)
	}
	return a, nil
}

// Channels returns the registered channel names sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Receivers returns the adapters that also receive, in registration order.
func (r *Registry) Receivers() []NamedReceiver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rs []NamedReceiver
	for _, name := range r.order {
		if rcv, ok := r.adapters[name].(Receiver); ok {
			rs = append(rs, NamedReceiver{Channel: name, Receiver: rcv})
		}
	}
	return rs
}
