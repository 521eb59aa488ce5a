// demo-service exports the org.example.Demo test object on the session bus.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nikicat/propbus/internal/testutil"
)

func main() {
	var (
		label = flag.String("label", "", "Initial value of the Label property")
		tick  = flag.Duration("tick", 0, "Flip Enabled at this interval (0 disables)")
	)
	flag.Parse()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect to session bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	mock := testutil.NewMockDemo()
	if err := mock.Register(conn); err != nil {
		fmt.Fprintf(os.Stderr, "error: register demo service: %v\n", err)
		os.Exit(1)
	}
	defer mock.Release()

	if *label != "" {
		mock.SetLabel(*label)
	}

	fmt.Printf("Demo service running as %s. Press Ctrl+C to exit.\n", testutil.DemoName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var tickCh <-chan time.Time
	if *tick > 0 {
		ticker := time.NewTicker(*tick)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-sigCh:
			fmt.Println("Shutting down...")
			return
		case <-tickCh:
			mock.SetEnabled(!mock.Enabled())
		}
	}
}
