package sockwatch

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestSocketPath(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"unix:path=/run/user/1000/bus", "/run/user/1000/bus"},
		{"unix:path=/tmp/bus,guid=abc", "/tmp/bus"},
		{"unix:path=/tmp/a;unix:path=/tmp/b", "/tmp/a"},
		{"unix:abstract=/tmp/dbus-x", ""},
		{"tcp:host=localhost,port=1234", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := SocketPath(tt.address); got != tt.want {
				t.Errorf("SocketPath(%q) = %q, want %q", tt.address, got, tt.want)
			}
		})
	}
}

func listen(t *testing.T, path string) {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen %s: %v", path, err)
	}
	t.Cleanup(func() { l.Close() })
}

func TestExists(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain")
	os.WriteFile(plain, []byte("x"), 0o600)
	if Exists(plain) {
		t.Error("regular file reported as socket")
	}
	if Exists(filepath.Join(dir, "missing")) {
		t.Error("missing path reported as socket")
	}

	sock := filepath.Join(dir, "s.sock")
	listen(t, sock)
	if !Exists(sock) {
		t.Error("socket not detected")
	}
}

func TestWaitAlreadyThere(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "s.sock")
	listen(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Wait(ctx, sock); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestWaitCreatedLater(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "s.sock")

	time.AfterFunc(100*time.Millisecond, func() {
		l, err := net.Listen("unix", sock)
		if err != nil {
			return
		}
		t.Cleanup(func() { l.Close() })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Wait(ctx, sock); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "never.sock")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := Wait(ctx, sock); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
}

func TestWaitMissingDir(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "nodir", "s.sock")
	if err := Wait(context.Background(), sock); err == nil {
		t.Error("Wait on missing directory succeeded")
	}
}

// bindOnly creates a socket file that is bound but not yet listening.
func bindOnly(t *testing.T, path string) int {
	t.Helper()
	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	t.Cleanup(func() { syscall.Close(fd) })
	if err := syscall.Bind(fd, &syscall.SockaddrUnix{Name: path}); err != nil {
		t.Fatalf("bind %s: %v", path, err)
	}
	return fd
}

func TestWaitReadyBoundNotListening(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "s.sock")
	fd := bindOnly(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Wait(ctx, sock); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	short, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	if err := WaitReady(short, sock); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady before listen = %v, want DeadlineExceeded", err)
	}

	time.AfterFunc(100*time.Millisecond, func() { syscall.Listen(fd, 1) })
	if err := WaitReady(ctx, sock); err != nil {
		t.Errorf("WaitReady after listen: %v", err)
	}
}

func TestWaitReadyListening(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "s.sock")
	listen(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitReady(ctx, sock); err != nil {
		t.Errorf("WaitReady: %v", err)
	}
}
