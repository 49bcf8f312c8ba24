// Package ctl provides the built-in chat commands for inspecting the
// notification layer from the channels it serves.
package ctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/server/vars"
)

// Dispatcher accepts the built-in handlers.
// *channel.Dispatcher satisfies this interface.
type Dispatcher interface {
	RegisterHandler(name string, h channel.Handler)
	Commands() []string
}

type Service struct {
	prefix   string
	registry *channel.Registry
	groups   *channel.GroupSet
	health   *channel.Health
	disp     Dispatcher
}

func NewService(prefix string, registry *channel.Registry, groups *channel.GroupSet, health *channel.Health, disp Dispatcher) *Service {
	if prefix == "" {
		prefix = channel.DefaultPrefix
	}
	return &Service{
		prefix:   prefix,
		registry: registry,
		groups:   groups,
		health:   health,
		disp:     disp,
	}
}

func (s *Service) Open() error {
	s.disp.RegisterHandler("help", channel.HandlerFunc(s.help))
	s.disp.RegisterHandler("ping", channel.HandlerFunc(s.ping))
	s.disp.RegisterHandler("status", channel.HandlerFunc(s.status))
	s.disp.RegisterHandler("channels", channel.HandlerFunc(s.channels))
	s.disp.RegisterHandler("groups", channel.HandlerFunc(s.listGroups))
	s.disp.RegisterHandler("commands", channel.HandlerFunc(s.commands))
	return nil
}

func (s *Service) Close() error {
	return nil
}

func (s *Service) help(ctx context.Context, cmd channel.Command) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s at your service.\n", vars.Info.Product(), vars.Info.Version())
	b.WriteString("Available commands:\n")
	for _, name := range s.disp.Commands() {
		fmt.Fprintf(&b, "  %s%s\n", s.prefix, name)
	}
	b.WriteString("Arguments are key=value pairs, quote values containing spaces.")
	return b.String(), nil
}

func (s *Service) ping(ctx context.Context, cmd channel.Command) (string, error) {
	return "pong", nil
}

func (s *Service) status(ctx context.Context, cmd channel.Command) (string, error) {
	snaps := s.health.Snapshot()
	up := 0
	for _, c := range snaps {
		if c.Up() {
			up++
		}
	}
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "up %s\n", strings.TrimSpace(humanize.RelTime(now.Add(-vars.Info.Uptime()), now, "", "")))
	fmt.Fprintf(&b, "channels: %d (%d up, %d down)\n", len(s.registry.Channels()), up, len(snaps)-up)
	fmt.Fprintf(&b, "groups: %d\n", len(s.groups.Groups()))
	fmt.Fprintf(&b, "commands: %d\n", len(s.disp.Commands()))
	fmt.Fprintf(&b, "alerts routed: %s\n", humanize.Comma(vars.AlertsRoutedVar.IntValue()))
	fmt.Fprintf(&b, "deliveries: %s ok, %s failed\n",
		humanize.Comma(vars.DeliveriesOKVar.IntValue()),
		humanize.Comma(vars.DeliveriesFailedVar.IntValue()))
	fmt.Fprintf(&b, "inbound messages: %s\n", humanize.Comma(vars.InboundMessagesVar.IntValue()))
	fmt.Fprintf(&b, "commands dispatched: %s\n", humanize.Comma(vars.CommandsDispatchedVar.IntValue()))
	fmt.Fprintf(&b, "parse errors: %s", humanize.Comma(vars.ParseErrorsVar.IntValue()))
	return b.String(), nil
}

func (s *Service) channels(ctx context.Context, cmd channel.Command) (string, error) {
	names := s.registry.Channels()
	if len(names) == 0 {
		return "no channels configured", nil
	}
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		h, ok := s.health.Channel(name)
		switch {
		case !ok:
			fmt.Fprintf(&b, "%s: no deliveries yet", name)
		case h.Up():
			fmt.Fprintf(&b, "%s: up, last success %s", name, humanize.Time(h.LastSuccess))
		default:
			fmt.Fprintf(&b, "%s: down, %s, last error %s",
				name, english.Plural(h.ConsecutiveFailures, "consecutive failure", ""), h.LastError)
		}
	}
	return b.String(), nil
}

type groupsOptions struct {
	Name string `mapstructure:"name"`
}

func (s *Service) listGroups(ctx context.Context, cmd channel.Command) (string, error) {
	var opt groupsOptions
	if err := channel.DecodeParams(cmd, &opt); err != nil {
		return "", err
	}
	if opt.Name != "" {
		dests, err := s.groups.Resolve(opt.Name)
		if err != nil {
			return fmt.Sprintf("unknown group %q", opt.Name), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s:", opt.Name)
		for _, d := range dests {
			fmt.Fprintf(&b, "\n  %s", d)
		}
		return b.String(), nil
	}
	names := s.groups.Groups()
	if len(names) == 0 {
		return "no groups configured", nil
	}
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		dests, _ := s.groups.Resolve(name)
		fmt.Fprintf(&b, "%s: %s", name, english.Plural(len(dests), "destination", ""))
	}
	return b.String(), nil
}

func (s *Service) commands(ctx context.Context, cmd channel.Command) (string, error) {
	names := s.disp.Commands()
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = s.prefix + name
	}
	return strings.Join(out, "\n"), nil
}
