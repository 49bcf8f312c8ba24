package channel

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DefaultRouteTimeout bounds each destination send when the caller's
// context carries no sooner deadline.
const DefaultRouteTimeout = 10 * time.Second

// RouterConfig holds the optional knobs of a Router.
type RouterConfig struct {
	// Timeout bounds each destination send. Zero means DefaultRouteTimeout.
	Timeout time.Duration
	// Health, when set, observes every delivery result.
	Health *Health
	// Observer, when set, is called once per delivery result.
	Observer func(DeliveryResult)
}

// Router fans alerts out to the destinations of their group.
type Router struct {
	registry *Registry
	groups   *GroupSet
	diag     Diagnostic

	timeout  time.Duration
	health   *Health
	observer func(DeliveryResult)
}

func NewRouter(registry *Registry, groups *GroupSet, d Diagnostic, c RouterConfig) *Router {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultRouteTimeout
	}
	return &Router{
		registry: registry,
		groups:   groups,
		diag:     d,
		timeout:  timeout,
		health:   c.Health,
		observer: c.Observer,
	}
}

// Route delivers the alert to every destination of its group concurrently.
//
// The returned results match the configured destination order of the group,
// regardless of completion order. An unknown group fails the whole call
// before any send happens. A destination whose channel is not registered
// fails alone with KindUnknownChannel, its siblings are unaffected.
//
// Route returns once every send finished or the per call timeout elapsed.
// Sends still in flight at the timeout are reported as KindTimeout and
// their eventual outcome is discarded.
func (r *Router) Route(ctx context.Context, a Alert) ([]DeliveryResult, error) {
	dests, err := r.groups.Resolve(a.Group)
	if err != nil {
		r.diag.Error("failed to route alert", err)
		return nil, err
	}
	r.diag.AlertRouted(a.Group, len(dests))
	if len(dests) == 0 {
		return []DeliveryResult{}, nil
	}

	timeout := r.timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type indexed struct {
		i   int
		res DeliveryResult
	}
	// Buffered so sends finishing after the timeout never block.
	done := make(chan indexed, len(dests))
	for i, d := range dests {
		go func(i int, d Destination) {
			done <- indexed{i: i, res: r.send(sendCtx, d, a)}
		}(i, d)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	results := make([]DeliveryResult, len(dests))
	finished := make([]bool, len(dests))
	remaining := len(dests)
collect:
	for remaining > 0 {
		select {
		case c := <-done:
			results[c.i] = c.res
			finished[c.i] = true
			remaining--
		case <-timer.C:
			for i := range results {
				if !finished[i] {
					results[i] = DeliveryResult{
						Destination: dests[i],
						Kind:        KindTimeout,
						Latency:     timeout,
						Err:         errors.Errorf("delivery to %v timed out after %v", dests[i], timeout),
					}
				}
			}
			break collect
		}
	}

	for _, res := range results {
		r.observe(res)
	}
	return results, nil
}

// Publish is the fire and forget surface the host engine calls.
// It builds the alert from the raw publish arguments, deriving the level
// from the "severity" metadata key. An unknown group sends nothing and
// yields a single failed result carrying the routing error, so callers
// that never check an error return still see what happened. Publish is
// safe for concurrent use.
func (r *Router) Publish(ctx context.Context, group, body string, metadata map[string]string) []DeliveryResult {
	a := Alert{
		Group:    group,
		Body:     body,
		Metadata: metadata,
		Level:    MetadataLevel(metadata),
		Time:     time.Now().UTC(),
	}
	results, err := r.Route(ctx, a)
	if err != nil {
		return []DeliveryResult{{Kind: ErrorKindOf(err), Err: err}}
	}
	return results
}

func (r *Router) send(ctx context.Context, d Destination, a Alert) DeliveryResult {
	res := DeliveryResult{Destination: d}
	adapter, err := r.registry.Get(d.Channel)
	if err != nil {
		res.Kind = KindUnknownChannel
		res.Err = err
		return res
	}
	m := Message{
		Text:  a.Body,
		Level: a.Level,
		Meta:  a.Metadata,
	}
	start := time.Now()
	err = adapter.Send(ctx, d.ID, m)
	res.Latency = time.Since(start)
	if err != nil {
		res.Kind = ErrorKindOf(err)
		res.Err = err
		return res
	}
	res.OK = true
	return res
}

func (r *Router) observe(res DeliveryResult) {
	if res.OK {
		r.diag.DeliverySucceeded(res.Destination, res.Latency)
	} else {
		r.diag.DeliveryFailed(res.Destination, res.Kind, res.Err)
	}
	if r.health != nil {
		r.health.Observe(res)
	}
	if r.observer != nil {
		r.observer(res)
	}
}
