// Package api serves an HTTP and WebSocket view of one bus object: its
// properties, its owner and a live stream of changes.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/nikicat/propbus/internal/bus"
)

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	wsHandler  *WSHandler
	listener   net.Listener
	subs       []*bus.SubscriptionHandle
}

// NewServer creates a gateway for target. Change events reach WebSocket
// clients only while conn's event loop runs.
func NewServer(addr string, conn *bus.Connection, target *bus.ObjectProxy) (*Server, error) {
	wsHandler := NewWSHandler(target, conn)
	handlers := NewHandlers(target, conn, wsHandler.Len)

	s, err := newServerWithHandlers(addr, handlers, wsHandler)
	if err != nil {
		return nil, err
	}

	changes, err := target.OnPropertiesChanged(wsHandler.BroadcastPropertiesChanged)
	if err != nil {
		s.listener.Close()
		return nil, fmt.Errorf("subscribe PropertiesChanged: %w", err)
	}
	owners, err := conn.OnNameOwnerChanged(target.Address().Name, wsHandler.BroadcastOwnerChanged)
	if err != nil {
		changes.Unsubscribe()
		s.listener.Close()
		return nil, fmt.Errorf("subscribe NameOwnerChanged: %w", err)
	}
	s.subs = []*bus.SubscriptionHandle{changes, owners}
	return s, nil
}

// newServerWithHandlers creates a new API server with the given handlers.
func newServerWithHandlers(addr string, handlers *Handlers, wsHandler *WSHandler) (*Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", handlers.HandleStatus)
	mux.HandleFunc("/api/v1/properties", handlers.HandleProperties)
	mux.HandleFunc("/api/v1/properties/", handlers.HandleProperty)
	mux.HandleFunc("/api/v1/ws", wsHandler.HandleWS)

	// Create listener first to catch address-in-use errors early
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{Handler: mux},
		handlers:   handlers,
		wsHandler:  wsHandler,
		listener:   listener,
	}, nil
}

// Start begins serving HTTP requests. This is non-blocking.
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown drops the bus subscriptions, disconnects WebSocket clients and
// gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, h := range s.subs {
		h.Unsubscribe()
	}
	s.wsHandler.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

// WSHandler returns the WebSocket handler.
func (s *Server) WSHandler() *WSHandler {
	return s.wsHandler
}
