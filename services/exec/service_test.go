package exec_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/command/commandtest"
	"github.com/tradewire/tradewire/keyvalue"
	"github.com/tradewire/tradewire/services/exec"
)

type testDiagnostic struct{}

func (d *testDiagnostic) WithContext(ctx ...keyvalue.T) exec.Diagnostic { return d }
func (d *testDiagnostic) Error(msg string, err error)                   {}

func TestService_Send(t *testing.T) {
	commander := &commandtest.Commander{}

	c := exec.NewConfig()
	c.Enabled = true
	c.Prog = "/usr/local/bin/notify-desk"
	c.Args = []string{"--channel", "fx"}
	c.Commander = commander

	s := exec.NewService(c, &testDiagnostic{})

	m := channel.Message{
		Text:        "EURUSD position closed",
		Level:       channel.Info,
		Correlation: "ord-77",
		Meta:        map[string]string{"symbol": "EURUSD"},
	}
	if err := s.Adapter().Send(context.Background(), "desk-1", m); err != nil {
		t.Fatal(err)
	}

	cmds := commander.Commands()
	if got, exp := len(cmds), 1; got != exp {
		t.Fatalf("unexpected command count: got %d exp %d", got, exp)
	}
	cmd := cmds[0]
	if !cmd.Started || !cmd.Waited {
		t.Errorf("expected command to be started and waited on: started %v waited %v", cmd.Started, cmd.Waited)
	}
	if got, exp := cmd.Info.Prog, "/usr/local/bin/notify-desk"; got != exp {
		t.Errorf("unexpected prog: got %s exp %s", got, exp)
	}
	wantArgs := []string{"--channel", "fx", "desk-1"}
	if got, exp := len(cmd.Info.Args), len(wantArgs); got != exp {
		t.Fatalf("unexpected arg count: got %d exp %d", got, exp)
	}
	for i := range wantArgs {
		if cmd.Info.Args[i] != wantArgs[i] {
			t.Errorf("unexpected arg %d: got %s exp %s", i, cmd.Info.Args[i], wantArgs[i])
		}
	}

	var ad struct {
		Text        string            `json:"text"`
		Level       string            `json:"level"`
		Correlation string            `json:"correlation"`
		Meta        map[string]string `json:"meta"`
	}
	if err := json.Unmarshal(cmd.StdinData, &ad); err != nil {
		t.Fatalf("failed to decode stdin data: %v", err)
	}
	if got, exp := ad.Text, "EURUSD position closed"; got != exp {
		t.Errorf("unexpected text: got %s exp %s", got, exp)
	}
	if got, exp := ad.Level, "INFO"; got != exp {
		t.Errorf("unexpected level: got %s exp %s", got, exp)
	}
	if got, exp := ad.Correlation, "ord-77"; got != exp {
		t.Errorf("unexpected correlation: got %s exp %s", got, exp)
	}
	if got, exp := ad.Meta["symbol"], "EURUSD"; got != exp {
		t.Errorf("unexpected meta: got %s exp %s", got, exp)
	}
}

func TestService_SendProgramFailure(t *testing.T) {
	commander := &commandtest.Commander{
		NewCommandHook: func(cmd *commandtest.Command) {
			cmd.WaitFunc = func() error { return errors.New("exit status 3") }
		},
	}

	c := exec.NewConfig()
	c.Enabled = true
	c.Prog = "/bin/false"
	c.Commander = commander

	s := exec.NewService(c, &testDiagnostic{})
	err := s.Adapter().Send(context.Background(), "", channel.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error from failing program")
	}
	if got, exp := channel.ErrorKindOf(err), channel.KindInternal; got != exp {
		t.Errorf("unexpected error kind: got %v exp %v", got, exp)
	}
}

func TestService_SendKilledOnCancel(t *testing.T) {
	block := make(chan struct{})
	commander := &commandtest.Commander{
		NewCommandHook: func(cmd *commandtest.Command) {
			cmd.WaitFunc = func() error {
				<-block
				return errors.New("signal: killed")
			}
			cmd.KillFunc = func() { close(block) }
		},
	}

	c := exec.NewConfig()
	c.Enabled = true
	c.Prog = "/usr/local/bin/slow"
	c.Commander = commander

	s := exec.NewService(c, &testDiagnostic{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Adapter().Send(ctx, "", channel.Message{Text: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	cmds := commander.Commands()
	if got, exp := len(cmds), 1; got != exp {
		t.Fatalf("unexpected command count: got %d exp %d", got, exp)
	}
	if !cmds[0].Killed {
		t.Error("expected command to be killed on cancel")
	}
}
