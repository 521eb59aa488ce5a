package testutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/propbus/internal/sockwatch"
)

// Daemon is a private dbus-daemon started for one test.
type Daemon struct {
	Address string
	Socket  string

	cmd *exec.Cmd
}

// StartDaemon starts a session-type dbus-daemon on a fresh unix socket.
// The test is skipped when dbus-daemon is not installed.
func StartDaemon(t testing.TB) *Daemon {
	t.Helper()

	bin, err := exec.LookPath("dbus-daemon")
	if err != nil {
		t.Skip("dbus-daemon not installed")
	}

	// Not t.TempDir: long test names can overflow the unix socket path limit.
	dir, err := os.MkdirTemp("", "propbus-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	d := &Daemon{Socket: filepath.Join(dir, "bus.sock")}
	d.Address = "unix:path=" + d.Socket

	d.cmd = exec.Command(bin, "--session", "--nofork", "--nopidfile", "--address="+d.Address)
	d.cmd.Stdout = os.Stdout
	d.cmd.Stderr = os.Stderr
	if err := d.cmd.Start(); err != nil {
		os.RemoveAll(dir)
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		d.Kill()
		os.RemoveAll(dir)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sockwatch.WaitReady(ctx, d.Socket); err != nil {
		t.Fatalf("dbus-daemon socket not ready: %v", err)
	}
	return d
}

// Kill stops the daemon, dropping every connection to it.
func (d *Daemon) Kill() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	d.cmd.Process.Signal(syscall.SIGTERM)
	d.cmd.Wait()
	d.cmd = nil
}

// Conn opens a raw godbus connection closed at test cleanup.
func (d *Daemon) Conn(t testing.TB) *dbus.Conn {
	t.Helper()
	conn, err := dbus.Connect(d.Address)
	if err != nil {
		t.Fatalf("connect to %s: %v", d.Address, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
