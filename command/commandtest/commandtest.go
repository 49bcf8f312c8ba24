package commandtest

import (
	"errors"
	"io"
	"io/ioutil"
	"sync"

	"github.com/tradewire/tradewire/command"
)

type Commander struct {
	mu   sync.Mutex
	cmds []*Command

	NewCommandHook func(c *Command)
}

func (c *Commander) NewCommand(ci command.CommandInfo) command.Command {
	cmd := &Command{
		Info: ci,
	}
	if c.NewCommandHook != nil {
		c.NewCommandHook(cmd)
	}
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.mu.Unlock()
	return cmd
}

// Commands returns all commands created so far.
func (c *Commander) Commands() []*Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmds := make([]*Command, len(c.cmds))
	copy(cmds, c.cmds)
	return cmds
}

type Command struct {
	sync.Mutex
	Info command.CommandInfo

	StdinPipeFunc  func() (io.WriteCloser, error)
	StdoutPipeFunc func() (io.Reader, error)
	StderrPipeFunc func() (io.Reader, error)
	WaitFunc       func() error
	KillFunc       func()

	Started     bool
	Waited      bool
	Killed      bool
	StdinData   []byte
	StdoutValue io.Writer
	StderrValue io.Writer

	stdin io.Reader
}

func (c *Command) Start() error {
	c.Lock()
	defer c.Unlock()
	c.Started = true
	if c.stdin != nil {
		data, err := ioutil.ReadAll(c.stdin)
		if err != nil {
			return err
		}
		c.StdinData = data
	}
	return nil
}

func (c *Command) Wait() error {
	c.Lock()
	c.Waited = true
	f := c.WaitFunc
	c.Unlock()
	if f != nil {
		return f()
	}
	return nil
}

func (c *Command) Stdin(in io.Reader) {
	c.Lock()
	c.stdin = in
	c.Unlock()
}

func (c *Command) Stdout(out io.Writer) {
	c.Lock()
	c.StdoutValue = out
	c.Unlock()
}

func (c *Command) Stderr(err io.Writer) {
	c.Lock()
	c.StderrValue = err
	c.Unlock()
}

func (c *Command) Kill() {
	c.Lock()
	c.Killed = true
	f := c.KillFunc
	c.Unlock()
	if f != nil {
		f()
	}
}

func (c *Command) StdinPipe() (io.WriteCloser, error) {
	if c.StdinPipeFunc != nil {
		return c.StdinPipeFunc()
	}
	return nil, errors.New("not implemented")
}

func (c *Command) StdoutPipe() (io.Reader, error) {
	if c.StdoutPipeFunc != nil {
		return c.StdoutPipeFunc()
	}
	return nil, errors.New("not implemented")
}

func (c *Command) StderrPipe() (io.Reader, error) {
	if c.StderrPipeFunc != nil {
		return c.StderrPipeFunc()
	}
	return nil, errors.New("not implemented")
}
