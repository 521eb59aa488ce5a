// Package sockwatch waits for unix domain bus sockets to appear on disk.
package sockwatch

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const unixPathPrefix = "unix:path="

// retryInterval spaces connection attempts while a socket is bound but not yet listening.
const retryInterval = 20 * time.Millisecond

// SocketPath extracts the filesystem path from a "unix:path=..." bus address.
// Other address kinds (abstract sockets, tcp, multiple addresses) return "".
func SocketPath(address string) string {
	first, _, _ := strings.Cut(address, ";")
	if !strings.HasPrefix(first, unixPathPrefix) {
		return ""
	}
	path := strings.TrimPrefix(first, unixPathPrefix)
	path, _, _ = strings.Cut(path, ",")
	return path
}

// Exists reports whether path exists and is a socket.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}

// Wait blocks until a socket exists at path or ctx is done.
// The parent directory must exist.
func Wait(ctx context.Context, path string) error {
	if Exists(path) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// The socket may have been created between the first check and Add.
	if Exists(path) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for socket %s: %w", path, ctx.Err())

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("wait for socket %s: watcher closed", path)
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Create) && Exists(path) {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("wait for socket %s: watcher closed", path)
			}
			return fmt.Errorf("wait for socket %s: %w", path, err)
		}
	}
}

// WaitReady blocks until a socket exists at path and accepts connections, or
// ctx is done. A server binds the socket before it listens, so the file alone
// does not mean a dial will succeed.
func WaitReady(ctx context.Context, path string) error {
	if err := Wait(ctx, path); err != nil {
		return err
	}
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			conn.Close()
			return nil
		}
		if err := Retry(ctx); err != nil {
			return fmt.Errorf("wait for socket %s: %w", path, err)
		}
	}
}

// Retry sleeps one retry interval. It returns ctx.Err() if ctx ends first.
func Retry(ctx context.Context) error {
	t := time.NewTimer(retryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
