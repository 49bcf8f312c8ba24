package channel

import (
	"sort"
	"sync"
	"time"
)

// Health tracks per channel delivery liveness from observed results.
type Health struct {
	mu       sync.RWMutex
	channels map[string]*ChannelHealth
}

// ChannelHealth is a point in time liveness snapshot for one channel.
type ChannelHealth struct {
	Channel             string    `json:"channel"`
	LastSuccess         time.Time `json:"lastSuccess"`
	LastFailure         time.Time `json:"lastFailure"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Up reports whether the most recent delivery on the channel succeeded.
func (c ChannelHealth) Up() bool {
	return !c.LastSuccess.IsZero() && c.ConsecutiveFailures == 0
}

func NewHealth() *Health {
	return &Health{
		channels: make(map[string]*ChannelHealth),
	}
}

// Observe records the outcome of one delivery.
// Results that never reached a transport do not affect liveness.
func (h *Health) Observe(res DeliveryResult) {
	if res.Kind == KindUnknownChannel {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[res.Destination.Channel]
	if !ok {
		c = &ChannelHealth{Channel: res.Destination.Channel}
		h.channels[res.Destination.Channel] = c
	}
	now := time.Now().UTC()
	if res.OK {
		c.LastSuccess = now
		c.LastError = ""
		c.ConsecutiveFailures = 0
	} else {
		c.LastFailure = now
		c.ConsecutiveFailures++
		if res.Err != nil {
			c.LastError = res.Err.Error()
		} else {
			c.LastError = res.Kind.String()
		}
	}
}

// Channel returns the snapshot for one channel.
func (h *Health) Channel(name string) (ChannelHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.channels[name]
	if !ok {
		return ChannelHealth{}, false
	}
	return *c, true
}

// Snapshot returns the snapshots of every observed channel sorted by name.
func (h *Health) Snapshot() []ChannelHealth {
	h.mu.RLock()
	snaps := make([]ChannelHealth, 0, len(h.channels))
	for _, c := range h.channels {
		snaps = append(snaps, *c)
	}
	h.mu.RUnlock()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Channel < snaps[j].Channel })
	return snaps
}
