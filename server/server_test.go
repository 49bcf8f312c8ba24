package server_test

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/client"
	"github.com/tradewire/tradewire/command/commandtest"
	"github.com/tradewire/tradewire/server"
	"github.com/tradewire/tradewire/services/diagnostic"
)

// testConfig returns a config with all state directed at a test temp dir
// and the HTTP API bound to a random port.
func testConfig(t *testing.T) *server.Config {
	t.Helper()
	dir := t.TempDir()
	c := server.NewConfig()
	c.DataDir = filepath.Join(dir, "data")
	c.Storage.BoltDBPath = filepath.Join(dir, "tradewire.db")
	c.HTTP.BindAddress = "127.0.0.1:0"
	c.HTTP.LogEnabled = false
	c.Logging.Level = "ERROR"
	return c
}

func openServer(t *testing.T, c *server.Config, preOpen func(*server.Server)) (*server.Server, *client.Client) {
	t.Helper()
	diagService := diagnostic.NewService(c.Logging, os.Stdout, os.Stderr)
	if err := diagService.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { diagService.Close() })

	srv, err := server.New(c, server.BuildInfo{Version: "testing"}, diagService)
	if err != nil {
		t.Fatal(err)
	}
	if preOpen != nil {
		preOpen(srv)
	}
	if err := srv.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	cl, err := client.New(client.Config{URL: srv.HTTPDService.URL()})
	if err != nil {
		t.Fatal(err)
	}
	return srv, cl
}

// enableExec turns on the exec transport with a recording commander so
// tests can observe every delivery, replies included.
func enableExec(c *server.Config) *commandtest.Commander {
	cmder := new(commandtest.Commander)
	c.Exec.Enabled = true
	c.Exec.Prog = "/bin/trade-hook"
	c.Exec.Commander = cmder
	return cmder
}

func TestServer_Ping(t *testing.T) {
	_, cl := openServer(t, testConfig(t), nil)

	_, version, err := cl.Ping()
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := version, "testing"; got != exp {
		t.Errorf("unexpected version: got %s exp %s", got, exp)
	}
}

func TestServer_PublishAlert(t *testing.T) {
	c := testConfig(t)
	cmder := enableExec(c)
	c.Routing.Groups = []server.GroupConfig{
		{Name: "ops", Destinations: []string{"exec:risk", "exec:audit"}},
	}
	_, cl := openServer(t, c, nil)

	res, err := cl.PublishAlert(client.Alert{
		Group: "ops",
		Body:  "fill EURUSD 1.2M @ 1.0845",
		Metadata: map[string]string{
			"severity": "critical",
			"symbol":   "EURUSD",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got, exp := res.Group, "ops"; got != exp {
		t.Errorf("unexpected group: got %s exp %s", got, exp)
	}
	if got, exp := res.Level, "CRITICAL"; got != exp {
		t.Errorf("unexpected level: got %s exp %s", got, exp)
	}
	if got, exp := len(res.Results), 2; got != exp {
		t.Fatalf("unexpected result count: got %d exp %d", got, exp)
	}
	// Results follow the order the group lists its destinations,
	// regardless of which delivery finished first.
	if got, exp := res.Results[0].Destination, "exec:risk"; got != exp {
		t.Errorf("unexpected first destination: got %s exp %s", got, exp)
	}
	if got, exp := res.Results[1].Destination, "exec:audit"; got != exp {
		t.Errorf("unexpected second destination: got %s exp %s", got, exp)
	}
	for _, r := range res.Results {
		if !r.OK {
			t.Errorf("delivery to %s failed: %s", r.Destination, r.Error)
		}
	}

	cmds := cmder.Commands()
	if got, exp := len(cmds), 2; got != exp {
		t.Fatalf("unexpected exec count: got %d exp %d", got, exp)
	}
	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		args := cmd.Info.Args
		ids[i] = args[len(args)-1]
		if got := string(cmd.StdinData); !strings.Contains(got, "fill EURUSD") {
			t.Errorf("alert body missing from stdin: %s", got)
		}
		if got := string(cmd.StdinData); !strings.Contains(got, `"level":"CRITICAL"`) {
			t.Errorf("alert level missing from stdin: %s", got)
		}
	}
	sort.Strings(ids)
	if exp := []string{"audit", "risk"}; !reflect.DeepEqual(ids, exp) {
		t.Errorf("unexpected destination ids: got %v exp %v", ids, exp)
	}
}

func TestServer_PublishAlert_UnknownGroup(t *testing.T) {
	c := testConfig(t)
	enableExec(c)
	_, cl := openServer(t, c, nil)

	_, err := cl.PublishAlert(client.Alert{Group: "nope", Body: "anything"})
	if err == nil {
		t.Fatal("expected error for unknown group")
	}
	if got := err.Error(); !strings.Contains(got, "unknown group") {
		t.Errorf("unexpected error: got %q", got)
	}
}

func TestServer_New_GroupWithoutChannel(t *testing.T) {
	c := testConfig(t)
	c.Routing.Groups = []server.GroupConfig{
		{Name: "ops", Destinations: []string{"telegram:123456789"}},
	}

	diagService := diagnostic.NewService(c.Logging, os.Stdout, os.Stderr)
	if err := diagService.Open(); err != nil {
		t.Fatal(err)
	}
	defer diagService.Close()

	_, err := server.New(c, server.BuildInfo{Version: "testing"}, diagService)
	if err == nil {
		t.Fatal("expected error for group destination on a disabled channel")
	}
	if got := err.Error(); !strings.Contains(got, "channel not found") {
		t.Errorf("unexpected error: got %q", got)
	}
}

func TestServer_New_HeartbeatUnknownGroup(t *testing.T) {
	c := testConfig(t)
	enableExec(c)
	c.Routing.Groups = []server.GroupConfig{
		{Name: "ops", Destinations: []string{"exec:risk"}},
	}
	c.Heartbeat.Enabled = true
	c.Heartbeat.Group = "opps"

	diagService := diagnostic.NewService(c.Logging, os.Stdout, os.Stderr)
	if err := diagService.Open(); err != nil {
		t.Fatal(err)
	}
	defer diagService.Close()

	_, err := server.New(c, server.BuildInfo{Version: "testing"}, diagService)
	if err == nil {
		t.Fatal("expected error for heartbeat group that is not configured")
	}
	if got := err.Error(); !strings.Contains(got, "unknown group") {
		t.Errorf("unexpected error: got %q", got)
	}
}

func TestServer_InjectCommand(t *testing.T) {
	c := testConfig(t)
	cmder := enableExec(c)
	_, cl := openServer(t, c, nil)

	res, err := cl.InjectMessage(client.Message{
		Channel:     "exec",
		Destination: "control",
		Sender:      "desk",
		Text:        "/ping",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Command {
		t.Error("expected message to parse as a command")
	}
	if got, exp := res.Status, "handled"; got != exp {
		t.Errorf("unexpected status: got %s exp %s", got, exp)
	}
	if got, exp := res.Reply, "pong"; got != exp {
		t.Errorf("unexpected reply: got %s exp %s", got, exp)
	}

	// The reply went back out through the channel the message arrived on.
	cmds := cmder.Commands()
	if got, exp := len(cmds), 1; got != exp {
		t.Fatalf("unexpected exec count: got %d exp %d", got, exp)
	}
	args := cmds[0].Info.Args
	if got, exp := args[len(args)-1], "control"; got != exp {
		t.Errorf("unexpected reply destination: got %s exp %s", got, exp)
	}
	if got := string(cmds[0].StdinData); !strings.Contains(got, "pong") {
		t.Errorf("reply text missing from stdin: %s", got)
	}
}

func TestServer_InjectUnknownCommand(t *testing.T) {
	c := testConfig(t)
	enableExec(c)
	_, cl := openServer(t, c, nil)

	res, err := cl.InjectMessage(client.Message{
		Channel:     "exec",
		Destination: "control",
		Text:        "/frobnicate",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := res.Status, "unknown"; got != exp {
		t.Errorf("unexpected status: got %s exp %s", got, exp)
	}
	if got, exp := res.Reply, "unknown command: frobnicate"; got != exp {
		t.Errorf("unexpected reply: got %s exp %s", got, exp)
	}
}

func TestServer_InjectNotCommand(t *testing.T) {
	c := testConfig(t)
	enableExec(c)
	_, cl := openServer(t, c, nil)

	res, err := cl.InjectMessage(client.Message{
		Channel: "exec",
		Text:    "hello desk",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Command {
		t.Error("expected plain chatter not to be treated as a command")
	}
}

func TestServer_InjectUnknownChannel(t *testing.T) {
	_, cl := openServer(t, testConfig(t), nil)

	_, err := cl.InjectMessage(client.Message{
		Channel: "telegram",
		Text:    "/ping",
	})
	if err == nil {
		t.Fatal("expected error for unregistered channel")
	}
	if got := err.Error(); !strings.Contains(got, "channel not found") {
		t.Errorf("unexpected error: got %q", got)
	}
}

func TestServer_RegisterCommand(t *testing.T) {
	c := testConfig(t)
	enableExec(c)

	var seen struct {
		Symbol string
		Qty    int
	}
	_, cl := openServer(t, c, func(srv *server.Server) {
		srv.RegisterCommand("close_position", channel.HandlerFunc(func(ctx context.Context, cmd channel.Command) (string, error) {
			var params struct {
				Symbol string `mapstructure:"symbol"`
				Qty    int    `mapstructure:"qty"`
			}
			if err := channel.DecodeParams(cmd, &params); err != nil {
				return "", err
			}
			seen.Symbol = params.Symbol
			seen.Qty = params.Qty
			return "closing " + params.Symbol, nil
		}))
	})

	res, err := cl.InjectMessage(client.Message{
		Channel:     "exec",
		Destination: "desk",
		Sender:      "trader",
		Text:        "/close_position symbol=EURUSD qty=250000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := res.Status, "handled"; got != exp {
		t.Errorf("unexpected status: got %s exp %s", got, exp)
	}
	if got, exp := res.Reply, "closing EURUSD"; got != exp {
		t.Errorf("unexpected reply: got %s exp %s", got, exp)
	}
	if got, exp := seen.Symbol, "EURUSD"; got != exp {
		t.Errorf("unexpected symbol: got %s exp %s", got, exp)
	}
	if got, exp := seen.Qty, 250000; got != exp {
		t.Errorf("unexpected qty: got %d exp %d", got, exp)
	}
}

func TestServer_ListCommands(t *testing.T) {
	_, cl := openServer(t, testConfig(t), nil)

	cmds, err := cl.ListCommands()
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := cmds.Prefix, "/"; got != exp {
		t.Errorf("unexpected prefix: got %s exp %s", got, exp)
	}
	exp := []string{"channels", "commands", "groups", "help", "ping", "status"}
	if !reflect.DeepEqual(cmds.Commands, exp) {
		t.Errorf("unexpected commands: got %v exp %v", cmds.Commands, exp)
	}
}

func TestServer_ListChannelsAndGroups(t *testing.T) {
	c := testConfig(t)
	enableExec(c)
	c.Routing.Groups = []server.GroupConfig{
		{Name: "ops", Destinations: []string{"exec:risk", "exec:audit"}},
	}
	_, cl := openServer(t, c, nil)

	channels, err := cl.ListChannels()
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := len(channels), 1; got != exp {
		t.Fatalf("unexpected channel count: got %d exp %d", got, exp)
	}
	if got, exp := channels[0].Name, "exec"; got != exp {
		t.Errorf("unexpected channel name: got %s exp %s", got, exp)
	}
	if channels[0].Receiving {
		t.Error("exec channel should not be receiving")
	}

	groups, err := cl.ListGroups()
	if err != nil {
		t.Fatal(err)
	}
	if got, exp := len(groups), 1; got != exp {
		t.Fatalf("unexpected group count: got %d exp %d", got, exp)
	}
	g, err := cl.Group("ops")
	if err != nil {
		t.Fatal(err)
	}
	if exp := []string{"exec:risk", "exec:audit"}; !reflect.DeepEqual(g.Destinations, exp) {
		t.Errorf("unexpected destinations: got %v exp %v", g.Destinations, exp)
	}

	if _, err := cl.Group("nope"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestServer_GroupsFile(t *testing.T) {
	c := testConfig(t)
	enableExec(c)

	path := filepath.Join(t.TempDir(), "groups.yaml")
	content := `
groups:
  ops:
    - exec:risk
  compliance:
    - exec:audit
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	c.Routing.GroupsFile = path

	_, cl := openServer(t, c, nil)

	groups, err := cl.ListGroups()
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	sort.Strings(names)
	if exp := []string{"compliance", "ops"}; !reflect.DeepEqual(names, exp) {
		t.Errorf("unexpected groups: got %v exp %v", names, exp)
	}
}
