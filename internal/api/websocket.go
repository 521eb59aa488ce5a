package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nikicat/propbus/internal/codec"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Message types sent over the WebSocket.
const (
	MessageSnapshot          = "snapshot"
	MessagePropertiesChanged = "properties_changed"
	MessageOwnerChanged      = "owner_changed"
)

// WSMessage represents a message sent over the WebSocket.
type WSMessage struct {
	Type string `json:"type"`

	// For snapshot
	Target *dbustypes.Address `json:"target,omitempty"`
	// No omitempty so an empty snapshot still carries the field.
	Properties map[string]any `json:"properties"`
	// Error is set on a snapshot taken while the target was unreachable.
	Error string `json:"error,omitempty"`

	// For properties_changed
	Changed     map[string]any `json:"changed,omitempty"`
	Invalidated []string       `json:"invalidated,omitempty"`

	// For snapshot and owner_changed; empty string means the name has no owner.
	Owner *string `json:"owner,omitempty"`
}

// WSHandler handles WebSocket connections for real-time updates.
type WSHandler struct {
	source Source
	info   BusInfo

	// Active connections
	connsMu sync.RWMutex
	conns   map[*wsConnection]struct{}
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(source Source, info BusInfo) *WSHandler {
	return &WSHandler{
		source: source,
		info:   info,
		conns:  make(map[*wsConnection]struct{}),
	}
}

// wsConnection represents a single WebSocket connection.
type wsConnection struct {
	handler   *WSHandler
	conn      *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// HandleWS handles WebSocket upgrade requests.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("WebSocket accept failed", "error", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)

	// Use background context - the WebSocket connection lives beyond the HTTP request
	ctx, cancel := context.WithCancel(context.Background())
	wsc := &wsConnection{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
	}

	// Register before the snapshot so no change between the two is missed.
	h.connsMu.Lock()
	h.conns[wsc] = struct{}{}
	h.connsMu.Unlock()

	if err := wsc.sendSnapshot(); err != nil {
		slog.Error("Failed to send snapshot", "error", err)
		wsc.close()
		return
	}

	go wsc.writePump()
	go wsc.readPump()
}

// Len returns the number of connected WebSocket clients.
func (h *WSHandler) Len() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

// sendSnapshot sends the current property values and owner to the client.
func (wsc *wsConnection) sendSnapshot() error {
	h := wsc.handler
	target := h.source.Address()
	owner := h.info.NameOwner(target.Name)

	msg := WSMessage{
		Type:       MessageSnapshot,
		Target:     &target,
		Properties: map[string]any{},
		Owner:      &owner,
	}

	ctx, cancel := context.WithTimeout(wsc.ctx, requestTimeout)
	props, err := h.source.GetAll(ctx)
	cancel()
	if err != nil {
		msg.Error = err.Error()
	} else {
		msg.Properties = codec.PlainMap(props)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// Send directly (not through channel) for initial snapshot
	ctx, cancel = context.WithTimeout(wsc.ctx, writeWait)
	defer cancel()
	return wsc.conn.Write(ctx, websocket.MessageText, data)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (wsc *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsc.close()
	}()

	for {
		select {
		case <-wsc.ctx.Done():
			return

		case message := <-wsc.send:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wsc.ctx, writeWait)
			err := wsc.conn.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection.
// We don't expect any messages from the client, this is just for close detection.
func (wsc *wsConnection) readPump() {
	defer wsc.close()

	for {
		if _, _, err := wsc.conn.Read(wsc.ctx); err != nil {
			return
		}
	}
}

// close cleans up the connection. Both pumps call it.
func (wsc *wsConnection) close() {
	wsc.closeOnce.Do(func() {
		wsc.cancel()

		wsc.handler.connsMu.Lock()
		delete(wsc.handler.conns, wsc)
		wsc.handler.connsMu.Unlock()

		wsc.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// CloseAll disconnects every client.
func (h *WSHandler) CloseAll() {
	h.connsMu.RLock()
	conns := make([]*wsConnection, 0, len(h.conns))
	for wsc := range h.conns {
		conns = append(conns, wsc)
	}
	h.connsMu.RUnlock()

	for _, wsc := range conns {
		wsc.close()
	}
}

// BroadcastPropertiesChanged sends a properties_changed message to all connections.
// It never blocks, so it is safe to call from the bus event loop.
func (h *WSHandler) BroadcastPropertiesChanged(change dbustypes.PropertiesChanged) {
	h.broadcast(WSMessage{
		Type:        MessagePropertiesChanged,
		Changed:     codec.PlainMap(change.Changed),
		Invalidated: change.Invalidated,
	})
}

// BroadcastOwnerChanged sends an owner_changed message to all connections.
func (h *WSHandler) BroadcastOwnerChanged(change dbustypes.NameOwnerChange) {
	owner := change.NewOwner
	h.broadcast(WSMessage{
		Type:  MessageOwnerChanged,
		Owner: &owner,
	})
}

// broadcast sends a message to all connected clients.
func (h *WSHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	h.connsMu.RLock()
	defer h.connsMu.RUnlock()

	for wsc := range h.conns {
		select {
		case wsc.send <- data:
		default:
			slog.Warn("WebSocket send buffer full, dropping message")
		}
	}
}
