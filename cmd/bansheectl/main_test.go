package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "bansheectl",
		Short: "Control client for bansheed",
	}
	root.AddCommand(
		pingCmd(), startCmd(), stopCmd(), restartCmd(), reloadCmd(),
		statusCmd(), setCmd(), getCmd(), interactiveCmd(), versionCmd(),
	)
	return root
}

func TestRootSubcommands(t *testing.T) {
	root := buildRoot()
	registered := make(map[string]bool)
	for _, cmd := range root.Commands() {
		registered[cmd.Name()] = true
	}
	for _, want := range []string{"ping", "start", "stop", "restart", "reload", "status", "set", "get", "interactive", "version"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	oldStdout := os.Stdout
	os.Stdout = w

	root := buildRoot()
	root.SetArgs([]string{"version"})
	execErr := root.Execute()

	w.Close()
	os.Stdout = oldStdout

	if execErr != nil {
		t.Fatalf("version command returned error: %v", execErr)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "bansheectl") {
		t.Errorf("version output %q does not contain expected string", buf.String())
	}
}

func TestSetRequiresThreeArgs(t *testing.T) {
	cmd := setCmd()
	if err := cmd.Args(cmd, []string{"sshd", "alive"}); err == nil {
		t.Fatal("expected error for missing value argument")
	}
}

func TestGetRequiresTwoArgs(t *testing.T) {
	cmd := getCmd()
	if err := cmd.Args(cmd, []string{"sshd"}); err == nil {
		t.Fatal("expected error for missing key argument")
	}
}

func TestPingFailsWithoutServer(t *testing.T) {
	t.Setenv("SOCKET_PATH", "/tmp/bansheectl-test-no-server.sock")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("JAILS", "sshd")

	cmd := pingCmd()
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Fatal("expected ping to fail when no server is listening")
	}
}
