// Package heartbeat periodically publishes a liveness alert so that
// operators notice when the engine host goes quiet.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorhill/cronexpr"
	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
)

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Beat(group string, delivered int)
	Error(msg string, err error)
}

// Publisher publishes an alert to a routing group.
// *channel.Router satisfies this interface.
type Publisher interface {
	Publish(ctx context.Context, group, body string, metadata map[string]string) []channel.DeliveryResult
}

type Service struct {
	c     Config
	expr  *cronexpr.Expression
	pub   Publisher
	store StateStore
	clock clock.Clock
	diag  Diagnostic

	mu      sync.Mutex
	opened  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewService creates the heartbeat service. store may be nil, in which
// case interval schedules restart from zero on every boot.
func NewService(c Config, pub Publisher, store StateStore, d Diagnostic) (*Service, error) {
	var expr *cronexpr.Expression
	if c.Schedule != "" {
		var err error
		expr, err = cronexpr.Parse(c.Schedule)
		if err != nil {
			return nil, err
		}
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		c:     c,
		expr:  expr,
		pub:   pub,
		store: store,
		clock: clk,
		diag:  d,
	}, nil
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.c.Enabled || s.opened {
		return nil
	}
	s.opened = true
	s.closing = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	close(s.closing)
	s.wg.Wait()
	return nil
}

func (s *Service) run() {
	defer s.wg.Done()
	last := s.loadLastBeat()
	for {
		d, ok := s.next(last)
		if !ok {
			return
		}
		timer := s.clock.Timer(d)
		select {
		case <-timer.C:
			s.beat()
			last = s.clock.Now()
		case <-s.closing:
			timer.Stop()
			return
		}
	}
}

// loadLastBeat restores the previous beat time for interval schedules.
// Cron schedules compute the next occurrence from wall time and need no state.
func (s *Service) loadLastBeat() time.Time {
	if s.expr != nil || s.store == nil {
		return time.Time{}
	}
	t, ok, err := s.store.LastBeat()
	if err != nil {
		s.diag.Error("failed to load last heartbeat time", err)
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	return t
}

// next returns the duration until the next beat.
func (s *Service) next(last time.Time) (time.Duration, bool) {
	if s.expr == nil {
		interval := time.Duration(s.c.Interval)
		if last.IsZero() {
			return interval, true
		}
		rem := interval - s.clock.Now().Sub(last)
		if rem < 0 {
			rem = 0
		}
		return rem, true
	}
	now := s.clock.Now()
	at := s.expr.Next(now)
	if at.IsZero() {
		// The schedule has no future occurrences.
		s.diag.Error("heartbeat schedule exhausted", nil)
		return 0, false
	}
	return at.Sub(now), true
}

func (s *Service) beat() {
	results := s.pub.Publish(context.Background(), s.c.Group, s.c.Message, map[string]string{
		"severity": "INFO",
		"source":   "heartbeat",
	})
	for _, r := range results {
		if errors.Is(r.Err, channel.ErrUnknownGroup) {
			s.diag.Error("heartbeat group is not configured", r.Err)
			return
		}
	}
	delivered := 0
	for _, r := range results {
		if r.OK {
			delivered++
		}
	}
	s.diag.Beat(s.c.Group, delivered)
	if s.store != nil {
		if err := s.store.SetLastBeat(s.clock.Now()); err != nil {
			s.diag.Error("failed to persist last heartbeat time", err)
		}
	}
}
