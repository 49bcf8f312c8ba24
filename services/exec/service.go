package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tradewire/tradewire/bufpool"
	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/command"
	"github.com/tradewire/tradewire/keyvalue"
)

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic

	Error(msg string, err error)
}

// alertData is the JSON document written to the program's stdin.
type alertData struct {
	Text        string            `json:"text"`
	Level       string            `json:"level"`
	Correlation string            `json:"correlation,omitempty"`
	Time        time.Time         `json:"time"`
	Meta        map[string]string `json:"meta,omitempty"`
}

type Service struct {
	configValue atomic.Value
	commander   command.Commander
	bp          *bufpool.Pool
	diag        Diagnostic
}

func NewService(c Config, d Diagnostic) *Service {
	commander := c.Commander
	if commander == nil {
		commander = command.ExecCommander
	}
	s := &Service{
		commander: commander,
		bp:        bufpool.New(),
		diag:      d,
	}
	s.configValue.Store(c)
	return s
}

func (s *Service) Open() error {
	return nil
}

func (s *Service) Close() error {
	return nil
}

func (s *Service) config() Config {
	return s.configValue.Load().(Config)
}

// Adapter returns the channel adapter. The destination id is appended
// to the configured arguments, so one exec channel can serve several
// destinations distinguished by their final argument.
func (s *Service) Adapter() channel.Adapter {
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	return a.s.Send(ctx, destinationID, m)
}

// Send runs the configured program with the alert data on stdin and
// waits for it to exit.
func (s *Service) Send(ctx context.Context, destinationID string, m channel.Message) error {
	c := s.config()
	if !c.Enabled {
		return channel.NewTransportError(channel.KindInternal, "service is not enabled")
	}

	buf := s.bp.Get()
	defer s.bp.Put(buf)
	ad := alertData{
		Text:        m.Text,
		Level:       m.Level.String(),
		Correlation: m.Correlation,
		Time:        time.Now().UTC(),
		Meta:        m.Meta,
	}
	if err := json.NewEncoder(buf).Encode(ad); err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "failed to marshal alert data json")
	}

	args := c.Args
	if destinationID != "" {
		args = make([]string, 0, len(c.Args)+1)
		args = append(args, c.Args...)
		args = append(args, destinationID)
	}
	cmd := s.commander.NewCommand(command.CommandInfo{
		Prog: c.Prog,
		Args: args,
		Env:  c.Env,
	})
	cmd.Stdin(buf)
	var out bytes.Buffer
	cmd.Stdout(&out)
	cmd.Stderr(&out)

	if err := cmd.Start(); err != nil {
		return channel.WrapTransportError(channel.KindInternal, err, "failed to start %q", c.Prog)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			return channel.WrapTransportError(channel.KindInternal, err, "%q failed: %s", c.Prog, strings.TrimSpace(out.String()))
		}
		return nil
	case <-ctx.Done():
		cmd.Kill()
		<-done
		return ctx.Err()
	}
}
