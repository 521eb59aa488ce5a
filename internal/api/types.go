package api

import (
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Running    bool              `json:"running"`
	Version    string            `json:"version,omitempty"`
	Bus        string            `json:"bus"`
	UniqueName string            `json:"unique_name"`
	Target     dbustypes.Address `json:"target"`
	// Owner is the unique name currently owning the target, empty when nobody does.
	Owner        string `json:"owner"`
	PendingCalls int    `json:"pending_calls"`
	Subscribers  int    `json:"subscribers"`
}

// PropertiesResponse is returned by GET /api/v1/properties and /api/v1/properties/{name}.
type PropertiesResponse struct {
	Target     dbustypes.Address `json:"target"`
	Properties map[string]any    `json:"properties"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
