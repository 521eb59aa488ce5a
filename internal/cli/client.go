// Package cli provides the output formatting of the propbus commands and a
// client for the watch gateway API.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// Client communicates with the propbus watch gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(serverAddr string) *Client {
	return &Client{
		baseURL: "http://" + serverAddr,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Target names the object the gateway watches.
// The cli package deliberately does not import internal/api.
type Target struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Interface string `json:"interface"`
}

// Status is the response from the status endpoint.
type Status struct {
	Running      bool   `json:"running"`
	Version      string `json:"version,omitempty"`
	Bus          string `json:"bus"`
	UniqueName   string `json:"unique_name"`
	Target       Target `json:"target"`
	Owner        string `json:"owner"`
	PendingCalls int    `json:"pending_calls"`
	Subscribers  int    `json:"subscribers"`
}

// PropertiesResponse is the response from the properties endpoints.
type PropertiesResponse struct {
	Target     Target         `json:"target"`
	Properties map[string]any `json:"properties"`
}

// Message is one message of the WebSocket event stream.
type Message struct {
	Type        string         `json:"type"`
	Target      *Target        `json:"target,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Error       string         `json:"error,omitempty"`
	Changed     map[string]any `json:"changed,omitempty"`
	Invalidated []string       `json:"invalidated,omitempty"`
	Owner       *string        `json:"owner,omitempty"`
}

// ErrorResponse is an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Status returns the gateway status.
func (c *Client) Status() (*Status, error) {
	var result Status
	if err := c.getJSON("/api/v1/status", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Properties returns every property of the watched object.
func (c *Client) Properties() (map[string]any, error) {
	var result PropertiesResponse
	if err := c.getJSON("/api/v1/properties", &result); err != nil {
		return nil, err
	}
	return result.Properties, nil
}

// Property returns one property of the watched object.
func (c *Client) Property(name string) (any, error) {
	var result PropertiesResponse
	if err := c.getJSON("/api/v1/properties/"+url.PathEscape(name), &result); err != nil {
		return nil, err
	}
	v, ok := result.Properties[name]
	if !ok {
		return nil, fmt.Errorf("property %s missing from response", name)
	}
	return v, nil
}

// Stream connects to the event stream and calls fn for every message,
// starting with the snapshot, until ctx is done or the server goes away.
// It returns nil when ctx ends the stream.
func (c *Client) Stream(ctx context.Context, fn func(*Message)) error {
	wsURL := "ws" + c.baseURL[len("http"):] + "/api/v1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		fn(&msg)
	}
}

func (c *Client) getJSON(path string, dst any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("%s", errResp.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}
