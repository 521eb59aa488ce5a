package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/propbus/internal/codec"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// requestTimeout bounds the bus calls made on behalf of one HTTP request.
const requestTimeout = 10 * time.Second

// Source is the watched object.
type Source interface {
	Address() dbustypes.Address
	GetProperty(ctx context.Context, name string) (dbus.Variant, error)
	GetAll(ctx context.Context) (map[string]dbus.Variant, error)
}

// BusInfo reports connection state for the status endpoint.
type BusInfo interface {
	Bus() string
	UniqueName() string
	NameOwner(name string) string
	Pending() int
}

// Handlers provides HTTP handlers for the REST API.
type Handlers struct {
	source      Source
	info        BusInfo
	subscribers func() int
}

// NewHandlers creates new API handlers. subscribers may be nil.
func NewHandlers(source Source, info BusInfo, subscribers func() int) *Handlers {
	return &Handlers{
		source:      source,
		info:        info,
		subscribers: subscribers,
	}
}

// HandleStatus handles GET /api/v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := h.source.Address()
	resp := StatusResponse{
		Running:      true,
		Version:      BuildVersion,
		Bus:          h.info.Bus(),
		UniqueName:   h.info.UniqueName(),
		Target:       target,
		Owner:        h.info.NameOwner(target.Name),
		PendingCalls: h.info.Pending(),
	}
	if h.subscribers != nil {
		resp.Subscribers = h.subscribers()
	}

	writeJSON(w, resp)
}

// HandleProperties handles GET /api/v1/properties.
func (h *Handlers) HandleProperties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	props, err := h.source.GetAll(ctx)
	if err != nil {
		writeBusError(w, err)
		return
	}

	writeJSON(w, PropertiesResponse{
		Target:     h.source.Address(),
		Properties: codec.PlainMap(props),
	})
}

// HandleProperty handles GET /api/v1/properties/{name}.
func (h *Handlers) HandleProperty(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := extractName(r.URL.Path, "/api/v1/properties/")
	if name == "" {
		writeError(w, "invalid property path", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	v, err := h.source.GetProperty(ctx, name)
	if err != nil {
		writeBusError(w, err)
		return
	}

	writeJSON(w, PropertiesResponse{
		Target:     h.source.Address(),
		Properties: map[string]any{name: codec.Plain(v)},
	})
}

// extractName extracts the last path segment from a path like /api/v1/properties/{name}.
func extractName(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	name := path[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return ""
	}
	return name
}

// busErrorStatus maps a bus error to an HTTP status code.
func busErrorStatus(err error) int {
	var remote *dbustypes.RemoteError
	switch {
	case errors.Is(err, dbustypes.ErrNoSuchMember):
		return http.StatusNotFound
	case errors.Is(err, dbustypes.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dbustypes.ErrConnectionLost):
		return http.StatusServiceUnavailable
	case errors.As(err, &remote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeBusError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), busErrorStatus(err))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
