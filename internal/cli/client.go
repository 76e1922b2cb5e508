// Package cli implements tunnelctl, a cobra-based client of the API
// server. It never talks to the forwarding core directly; every
// operation is an HTTP call against internal/api's REST surface.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin HTTP client over the API server's REST surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a Client targeting baseURL (e.g.
// "http://127.0.0.1:8080"), authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// apiError mirrors internal/api's APIError JSON body, decoded
// client-side without importing the api package (which would pull in
// mux/jwt/validator transitively for a CLI that only needs HTTP).
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decErr := json.NewDecoder(resp.Body).Decode(&apiErr); decErr == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ConnectRequest mirrors api.ConnectRequest's wire shape.
type ConnectRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	UseAgent   bool   `json:"use_agent,omitempty"`
	KeepAlive  *bool  `json:"keep_alive,omitempty"`
	Via        string `json:"via,omitempty"`
}

// SessionStatus mirrors transport.Status's wire shape.
type SessionStatus struct {
	Identity struct {
		Host     string `json:"Host"`
		Port     int    `json:"Port"`
		Username string `json:"Username"`
	} `json:"Identity"`
	Established bool `json:"Established"`
}

// Connect calls POST /api/v1/sessions.
func (c *Client) Connect(req ConnectRequest) (*SessionStatus, error) {
	var status SessionStatus
	if err := c.do(http.MethodPost, "/api/v1/sessions", req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Disconnect calls DELETE /api/v1/sessions/{id}.
func (c *Client) Disconnect(identity string) error {
	return c.do(http.MethodDelete, "/api/v1/sessions/"+identity, nil, nil)
}

// ListSessions calls GET /api/v1/sessions.
func (c *Client) ListSessions() ([]SessionStatus, error) {
	var statuses []SessionStatus
	if err := c.do(http.MethodGet, "/api/v1/sessions", nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// CreateForwarderRequest mirrors api.CreateForwarderRequest's wire shape.
type CreateForwarderRequest struct {
	Type         string `json:"type"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	LocalHost    string `json:"local_host,omitempty"`
	LocalPort    int    `json:"local_port,omitempty"`
	RemoteHost   string `json:"remote_host,omitempty"`
	RemotePort   int    `json:"remote_port,omitempty"`
	BindHost     string `json:"bind_host,omitempty"`
	BindPort     int    `json:"bind_port,omitempty"`
	InternalHost string `json:"internal_host,omitempty"`
	InternalPort int    `json:"internal_port,omitempty"`
}

// AddForwarder calls POST /api/v1/forwarders.
func (c *Client) AddForwarder(req CreateForwarderRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(http.MethodPost, "/api/v1/forwarders", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// StartForwarder calls POST /api/v1/forwarders/{id}/start.
func (c *Client) StartForwarder(id string) error {
	return c.do(http.MethodPost, "/api/v1/forwarders/"+id+"/start", nil, nil)
}

// StopForwarder calls POST /api/v1/forwarders/{id}/stop.
func (c *Client) StopForwarder(id string) error {
	return c.do(http.MethodPost, "/api/v1/forwarders/"+id+"/stop", nil, nil)
}

// RemoveForwarder calls DELETE /api/v1/forwarders/{id}.
func (c *Client) RemoveForwarder(id string) error {
	return c.do(http.MethodDelete, "/api/v1/forwarders/"+id, nil, nil)
}

// ForwarderStatus mirrors types.ForwarderStatus's wire shape.
type ForwarderStatus struct {
	ID              string  `json:"ID"`
	Kind            string  `json:"Kind"`
	Active          bool    `json:"Active"`
	ConnectionCount int     `json:"ConnectionCount"`
	BytesSent       int64   `json:"BytesSent"`
	BytesReceived   int64   `json:"BytesReceived"`
	UptimeSeconds   float64 `json:"UptimeSeconds"`
	LastError       string  `json:"LastError"`
}

// ForwarderStatusByID calls GET /api/v1/forwarders/{id}/status.
func (c *Client) ForwarderStatusByID(id string) (*ForwarderStatus, error) {
	var status ForwarderStatus
	if err := c.do(http.MethodGet, "/api/v1/forwarders/"+id+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ConnectionInfo mirrors types.ConnectionInfo's wire shape.
type ConnectionInfo struct {
	ID            string `json:"ID"`
	PeerAddr      string `json:"PeerAddr"`
	StartedAt     int64  `json:"StartedAt"`
	BytesSent     int64  `json:"BytesSent"`
	BytesReceived int64  `json:"BytesReceived"`
}

// ForwarderConnections calls GET /api/v1/forwarders/{id}/connections.
func (c *Client) ForwarderConnections(id string) ([]ConnectionInfo, error) {
	var conns []ConnectionInfo
	if err := c.do(http.MethodGet, "/api/v1/forwarders/"+id+"/connections", nil, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// ListForwarders calls GET /api/v1/forwarders.
func (c *Client) ListForwarders() ([]ForwarderStatus, error) {
	var statuses []ForwarderStatus
	if err := c.do(http.MethodGet, "/api/v1/forwarders", nil, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}
