package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/godbus/dbus/v5"

	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

func dialWS(t *testing.T, handler *WSHandler) (*websocket.Conn, context.Context) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWS))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func waitForLen(t *testing.T, handler *WSHandler, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for handler.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Len = %d, want %d", handler.Len(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSHandler_Snapshot(t *testing.T) {
	src := newFake()
	handler := NewWSHandler(src, src)
	conn, ctx := dialWS(t, handler)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageSnapshot {
		t.Fatalf("expected snapshot, got %s", msg.Type)
	}
	if msg.Target == nil || msg.Target.Name != dbustypes.VRBusName {
		t.Errorf("Target = %+v", msg.Target)
	}
	if msg.Properties[dbustypes.PropIsAvailable] != true {
		t.Errorf("Properties = %v", msg.Properties)
	}
	if msg.Owner == nil || *msg.Owner != ":1.3" {
		t.Errorf("Owner = %v, want :1.3", msg.Owner)
	}
	if msg.Error != "" {
		t.Errorf("unexpected Error %q", msg.Error)
	}
}

func TestWSHandler_SnapshotError(t *testing.T) {
	src := newFake()
	src.err = errors.New("target unreachable")
	src.owner = ""
	handler := NewWSHandler(src, src)
	conn, ctx := dialWS(t, handler)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageSnapshot {
		t.Fatalf("expected snapshot, got %s", msg.Type)
	}
	if !strings.Contains(msg.Error, "unreachable") {
		t.Errorf("Error = %q", msg.Error)
	}
	if msg.Properties == nil || len(msg.Properties) != 0 {
		t.Errorf("Properties = %v, want empty map", msg.Properties)
	}
	if msg.Owner == nil || *msg.Owner != "" {
		t.Errorf("Owner = %v, want empty", msg.Owner)
	}
}

func TestWSHandler_Broadcasts(t *testing.T) {
	src := newFake()
	handler := NewWSHandler(src, src)
	conn, ctx := dialWS(t, handler)
	readMessage(t, ctx, conn)

	handler.BroadcastPropertiesChanged(dbustypes.PropertiesChanged{
		Interface:   dbustypes.VRInterface,
		Changed:     map[string]dbus.Variant{dbustypes.PropIsAvailable: dbus.MakeVariant(false)},
		Invalidated: []string{"Label"},
	})
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessagePropertiesChanged {
		t.Fatalf("expected properties_changed, got %s", msg.Type)
	}
	if v, ok := msg.Changed[dbustypes.PropIsAvailable]; !ok || v != false {
		t.Errorf("Changed = %v", msg.Changed)
	}
	if len(msg.Invalidated) != 1 || msg.Invalidated[0] != "Label" {
		t.Errorf("Invalidated = %v", msg.Invalidated)
	}

	handler.BroadcastOwnerChanged(dbustypes.NameOwnerChange{Name: dbustypes.VRBusName, OldOwner: ":1.3"})
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageOwnerChanged {
		t.Fatalf("expected owner_changed, got %s", msg.Type)
	}
	if msg.Owner == nil || *msg.Owner != "" {
		t.Errorf("Owner = %v, want empty", msg.Owner)
	}
}

func TestWSHandler_ClientDisconnect(t *testing.T) {
	src := newFake()
	handler := NewWSHandler(src, src)
	conn, ctx := dialWS(t, handler)
	readMessage(t, ctx, conn)
	waitForLen(t, handler, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForLen(t, handler, 0)
}

func TestWSHandler_CloseAll(t *testing.T) {
	src := newFake()
	handler := NewWSHandler(src, src)
	conn, ctx := dialWS(t, handler)
	readMessage(t, ctx, conn)

	go handler.CloseAll()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("Read after CloseAll = %v, want normal closure", err)
	}
	waitForLen(t, handler, 0)
}

func TestWSHandler_BroadcastDropsWhenFull(t *testing.T) {
	src := newFake()
	handler := NewWSHandler(src, src)

	wsc := &wsConnection{handler: handler, send: make(chan []byte, 1)}
	handler.conns[wsc] = struct{}{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 {
			handler.BroadcastOwnerChanged(dbustypes.NameOwnerChange{Name: dbustypes.VRBusName, NewOwner: ":1.9"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full send buffer")
	}
	if len(wsc.send) != 1 {
		t.Errorf("buffered = %d, want 1", len(wsc.send))
	}
}
