package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-ips/banshee/internal/config"
	"github.com/banshee-ips/banshee/internal/controlchannel"
	"github.com/banshee-ips/banshee/internal/pool"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		SocketPath:          filepath.Join(dir, "banshee.sock"),
		DataDir:             filepath.Join(dir, "data"),
		Jails:               []string{"sshd", "apache"},
		ObserverSleepTime:   20 * time.Millisecond,
		DBPurgeInterval:     time.Hour,
		DBPurgeAge:          24 * time.Hour,
		DefaultMaxRetry:     3,
		DefaultFindTime:     10 * time.Minute,
		DefaultMaxTime:      24 * time.Hour,
		DefaultIncrement:    true,
		MetricsEnabled:      false,
		MetricsAddr:         "127.0.0.1:0",
		ActionWorkers:       2,
		ActionQueueDepth:    16,
		ActionMaxRetries:    1,
		ActionRetryBase:     time.Millisecond,
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.store.Close() })
	return d
}

func TestNewBuildsOneJailPerConfiguredName(t *testing.T) {
	d := newTestDaemon(t)
	if len(d.jails) != 2 {
		t.Fatalf("expected 2 jails, got %d", len(d.jails))
	}
	if _, ok := d.jails["sshd"]; !ok {
		t.Fatal("expected sshd jail")
	}
}

func TestReportFailureRejectsUnknownJail(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.ReportFailure("nope", "1.2.3.4", nil); err == nil {
		t.Fatal("expected error for unknown jail")
	}
}

func TestReportFailureAcceptsKnownJail(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.ReportFailure("sshd", "1.2.3.4", []string{"Failed password"}); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
}

func TestDispatchPing(t *testing.T) {
	d := newTestDaemon(t)
	reply := d.dispatch([]string{"ping"})
	if reply.Status != 0 || reply.Payload != "pong" {
		t.Fatalf("got %+v", reply)
	}
}

func TestDispatchUnknownVerb(t *testing.T) {
	d := newTestDaemon(t)
	reply := d.dispatch([]string{"bogus"})
	if reply.Status == 0 {
		t.Fatal("expected non-zero status for unknown verb")
	}
}

func TestDispatchStatusListsJails(t *testing.T) {
	d := newTestDaemon(t)
	reply := d.dispatch([]string{"status"})
	if reply.Status != 0 {
		t.Fatalf("got %+v", reply)
	}
}

func TestDispatchSetGetAlive(t *testing.T) {
	d := newTestDaemon(t)
	if reply := d.dispatch([]string{"set", "sshd", "alive", "false"}); reply.Status != 0 {
		t.Fatalf("set: %+v", reply)
	}
	reply := d.dispatch([]string{"get", "sshd", "alive"})
	if reply.Status != 0 || reply.Payload != "false" {
		t.Fatalf("got %+v", reply)
	}
}

func TestDispatchSetUnknownJail(t *testing.T) {
	d := newTestDaemon(t)
	reply := d.dispatch([]string{"set", "nope", "alive", "false"})
	if reply.Status == 0 {
		t.Fatal("expected error for unknown jail")
	}
}

func TestDispatchReportDrivesReportFailure(t *testing.T) {
	d := newTestDaemon(t)
	reply := d.dispatch([]string{"report", "sshd", "1.2.3.4", "Failed password"})
	if reply.Status != 0 {
		t.Fatalf("got %+v", reply)
	}
}

func TestDispatchReportUnknownJail(t *testing.T) {
	d := newTestDaemon(t)
	reply := d.dispatch([]string{"report", "nope", "1.2.3.4"})
	if reply.Status == 0 {
		t.Fatal("expected error for unknown jail")
	}
}

func TestRunActionCommandLogOnlyWhenEmpty(t *testing.T) {
	d := newTestDaemon(t)
	err := d.runActionCommand(context.Background(), pool.ActionJob{Action: "ban", Jail: "sshd", IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("expected no error for empty command template, got %v", err)
	}
}

func TestRunActionCommandExecutesBanCommand(t *testing.T) {
	cfg := testConfig(t)
	marker := filepath.Join(cfg.DataDir, "marker")
	_ = os.MkdirAll(cfg.DataDir, 0o755)
	cfg.BanCommand = "touch " + marker + "-{jail}-{ip}"

	d, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.store.Close() })

	if err := d.runActionCommand(context.Background(), pool.ActionJob{Action: "ban", Jail: "sshd", IP: "1.2.3.4"}); err != nil {
		t.Fatalf("runActionCommand: %v", err)
	}
	if _, err := os.Stat(marker + "-sshd-1.2.3.4"); err != nil {
		t.Fatalf("expected marker file to be created by ban command: %v", err)
	}
}

func TestRunActionCommandUnknownAction(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.runActionCommand(context.Background(), pool.ActionJob{Action: "bogus", Jail: "sshd", IP: "1.2.3.4"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

// TestRunServesControlChannelUntilCancelled starts the daemon's Run loop,
// pings it over the real control channel, then cancels and expects a clean
// shutdown with no error.
func TestRunServesControlChannelUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	client := controlchannel.NewClient(cfg.SocketPath, 0)
	deadline := time.Now().Add(2 * time.Second)
	for !client.Ping() {
		if time.Now().After(deadline) {
			t.Fatal("control channel never came up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
