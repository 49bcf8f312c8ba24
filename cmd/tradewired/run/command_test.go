package run_test

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"text/template"
	"time"

	"github.com/tradewire/tradewire/cmd/tradewired/run"
)

func TestCommand_PIDFile(t *testing.T) {
	tmpdir := t.TempDir()

	// Write out a config file that keeps all state inside the temp dir.
	configFile := filepath.Join(tmpdir, "tradewire.conf")
	configTemplate := template.Must(template.New("config_file").Parse(`data-dir = "{{.TempDir}}/data"
[storage]
  boltdb = "{{.TempDir}}/tradewire.db"
[http]
  bind-address = "127.0.0.1:0"
  log-enabled = false
[logging]
  level = "ERROR"
`))
	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, map[string]string{"TempDir": tmpdir}); err != nil {
		t.Fatalf("unable to generate config file: %s", err)
	}
	if err := ioutil.WriteFile(configFile, buf.Bytes(), 0600); err != nil {
		t.Fatalf("unable to write %s: %s", configFile, err)
	}

	pidFile := filepath.Join(tmpdir, "tradewire.pid")

	cmd := run.NewCommand()
	cmd.Stdout = ioutil.Discard
	if err := cmd.Run("-config", configFile, "-pidfile", pidFile); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if _, err := os.Stat(pidFile); err != nil {
		t.Fatalf("could not stat pid file: %s", err)
	}
	go cmd.Close()

	timeout := time.NewTimer(5 * time.Second)
	select {
	case <-timeout.C:
		t.Fatal("unexpected timeout")
	case <-cmd.Closed:
		timeout.Stop()
	}

	if _, err := os.Stat(pidFile); err == nil {
		t.Fatal("expected pid file to be removed")
	}
}
