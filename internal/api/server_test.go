package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/godbus/dbus/v5"

	"github.com/nikicat/propbus/internal/bus"
	"github.com/nikicat/propbus/internal/testutil"
)

type gatewayEnv struct {
	mock     *testutil.MockDemo
	mockConn *dbus.Conn
	conn     *bus.Connection
	server   *Server
	baseURL  string
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()

	daemon := testutil.StartDaemon(t)
	mockConn := daemon.Conn(t)
	mock := testutil.NewMockDemo()
	if err := mock.Register(mockConn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := bus.Connect(context.Background(), bus.SessionBus, bus.WithAddress(daemon.Address), bus.WithLogger(logger))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	target, err := bus.NewObjectProxy(conn, testutil.DemoAddress())
	if err != nil {
		t.Fatalf("NewObjectProxy: %v", err)
	}
	t.Cleanup(target.Close)

	// Use port 0 to get a random available port
	server, err := NewServer("127.0.0.1:0", conn, target)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	loopDone := make(chan error, 1)
	go func() { loopDone <- conn.RunEventLoop(context.Background()) }()
	t.Cleanup(func() {
		conn.StopEventLoop()
		<-loopDone
	})

	return &gatewayEnv{
		mock:     mock,
		mockConn: mockConn,
		conn:     conn,
		server:   server,
		baseURL:  "http://" + server.Addr(),
	}
}

func (e *gatewayEnv) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.baseURL, "http") + "/api/v1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) WSMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to parse message %s: %v", data, err)
	}
	return msg
}

func getJSON(t *testing.T, url string, dst any) int {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return resp.StatusCode
}

func TestServer_Endpoints(t *testing.T) {
	env := newGatewayEnv(t)

	t.Run("status", func(t *testing.T) {
		var status StatusResponse
		if code := getJSON(t, env.baseURL+"/api/v1/status", &status); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if !status.Running {
			t.Error("expected running=true")
		}
		if status.Owner != env.mockConn.Names()[0] {
			t.Errorf("owner = %q, want %q", status.Owner, env.mockConn.Names()[0])
		}
		if status.UniqueName != env.conn.UniqueName() || status.Target.Name != testutil.DemoName {
			t.Errorf("status = %+v", status)
		}
	})

	t.Run("properties", func(t *testing.T) {
		var props PropertiesResponse
		if code := getJSON(t, env.baseURL+"/api/v1/properties", &props); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if props.Properties["Enabled"] != false || props.Properties["Label"] != "demo" || props.Properties["Version"] != float64(1) {
			t.Errorf("properties = %v", props.Properties)
		}
	})

	t.Run("single property", func(t *testing.T) {
		var props PropertiesResponse
		if code := getJSON(t, env.baseURL+"/api/v1/properties/Label", &props); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if len(props.Properties) != 1 || props.Properties["Label"] != "demo" {
			t.Errorf("properties = %v", props.Properties)
		}
	})

	t.Run("unknown property", func(t *testing.T) {
		var resp ErrorResponse
		if code := getJSON(t, env.baseURL+"/api/v1/properties/Nope", &resp); code != http.StatusNotFound {
			t.Errorf("expected 404, got %d (%s)", code, resp.Error)
		}
	})
}

func TestWSHandler_SnapshotAndChanges(t *testing.T) {
	env := newGatewayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)

	snap := readMessage(t, ctx, conn)
	if snap.Type != MessageSnapshot {
		t.Fatalf("expected snapshot message, got %s", snap.Type)
	}
	if snap.Error != "" {
		t.Fatalf("snapshot error: %s", snap.Error)
	}
	if snap.Properties["Enabled"] != false || snap.Properties["Label"] != "demo" {
		t.Errorf("snapshot properties = %v", snap.Properties)
	}
	if snap.Target == nil || snap.Target.Name != testutil.DemoName {
		t.Errorf("snapshot target = %v", snap.Target)
	}
	if snap.Owner == nil || *snap.Owner != env.mockConn.Names()[0] {
		t.Errorf("snapshot owner = %v", snap.Owner)
	}
	if n := env.server.WSHandler().Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	env.mock.SetEnabled(true)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessagePropertiesChanged || msg.Changed["Enabled"] != true {
		t.Errorf("message = %+v, want Enabled=true change", msg)
	}

	env.mock.SetLabel("other")
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessagePropertiesChanged || len(msg.Invalidated) != 1 || msg.Invalidated[0] != "Label" {
		t.Errorf("message = %+v, want Label invalidation", msg)
	}
}

func TestWSHandler_OwnerChanged(t *testing.T) {
	env := newGatewayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)
	readMessage(t, ctx, conn) // snapshot

	env.mockConn.Close()

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageOwnerChanged {
		t.Fatalf("expected owner_changed, got %+v", msg)
	}
	if msg.Owner == nil || *msg.Owner != "" {
		t.Errorf("owner = %v, want empty", msg.Owner)
	}
}

func TestWSHandler_SnapshotWhenTargetMissing(t *testing.T) {
	env := newGatewayEnv(t)
	env.mockConn.Close()

	// Wait for the gateway to see the owner vanish.
	deadline := time.Now().Add(5 * time.Second)
	for env.conn.NameOwner(testutil.DemoName) != "" {
		if time.Now().After(deadline) {
			t.Fatal("owner still set after service went away")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := env.dial(t, ctx)

	snap := readMessage(t, ctx, conn)
	if snap.Type != MessageSnapshot || snap.Error == "" {
		t.Errorf("snapshot = %+v, want error", snap)
	}
	if len(snap.Properties) != 0 {
		t.Errorf("properties = %v, want empty", snap.Properties)
	}
	if snap.Owner == nil || *snap.Owner != "" {
		t.Errorf("owner = %v, want empty", snap.Owner)
	}
}

func TestServer_ShutdownClosesClients(t *testing.T) {
	env := newGatewayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)
	readMessage(t, ctx, conn)

	// The close handshake needs the client reading while the server shuts down.
	shut := make(chan error, 1)
	go func() { shut <- env.server.Shutdown(ctx) }()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read succeeded after shutdown")
	}
	if err := <-shut; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := env.server.WSHandler().Len(); n != 0 {
		t.Errorf("Len = %d after shutdown", n)
	}
}
