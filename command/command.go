package command

import (
	"io"
	"os/exec"
)

// Command provides an interface for running an external program.
type Command interface {
	Start() error
	Wait() error

	Stdin(io.Reader)
	Stdout(io.Writer)
	Stderr(io.Writer)

	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)

	Kill()
}

// Commander creates new commands.
type Commander interface {
	NewCommand(CommandInfo) Command
}

// CommandInfo is the necessary information to create a new command.
type CommandInfo struct {
	Prog string   `json:"prog"`
	Args []string `json:"args"`
	Env  []string `json:"env"`
}

// ExecCommander creates commands using the os/exec package.
var ExecCommander Commander = execCommander{}

type execCommander struct{}

func (execCommander) NewCommand(ci CommandInfo) Command {
	cmd := exec.Command(ci.Prog, ci.Args...)
	cmd.Env = ci.Env
	return &execCmd{Cmd: cmd}
}

type execCmd struct {
	*exec.Cmd
}

func (c *execCmd) Stdin(in io.Reader)   { c.Cmd.Stdin = in }
func (c *execCmd) Stdout(out io.Writer) { c.Cmd.Stdout = out }
func (c *execCmd) Stderr(err io.Writer) { c.Cmd.Stderr = err }

func (c *execCmd) StdoutPipe() (io.Reader, error) {
	return c.Cmd.StdoutPipe()
}

func (c *execCmd) StderrPipe() (io.Reader, error) {
	return c.Cmd.StderrPipe()
}

func (c *execCmd) Kill() {
	if c.Process != nil {
		c.Process.Kill()
	}
}
