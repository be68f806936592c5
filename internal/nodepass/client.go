// Package nodepass is a client for the NodePass master REST API. Each call
// addresses one master by its API prefix URL and API key.
package nodepass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nodepassproject/npctl/internal/model"
	"github.com/nodepassproject/npctl/internal/security"
	"github.com/nodepassproject/npctl/internal/util"
)

// ErrNotFound is matched by errors.Is for 404 responses.
var ErrNotFound = errors.New("instance not found")

// APIError is a non-2xx answer from a master.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("master returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("master returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsNotFound reports whether err is a 404 from a master.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Action is an instance control verb.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

func (a Action) Valid() bool {
	return a == ActionStart || a == ActionStop || a == ActionRestart
}

// Info is the master's self description from GET /info.
type Info struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"ver"`
	OS      string `json:"os,omitempty"`
	Arch    string `json:"arch,omitempty"`
	Log     string `json:"log,omitempty"`
	TLS     string `json:"tls,omitempty"`
	Uptime  int64  `json:"uptime,omitempty"`
}

// Client talks to NodePass masters. It is safe for concurrent use.
type Client struct {
	http *http.Client
}

// New creates a client whose requests time out after timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = util.DefaultRequestTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// NewWithHTTPClient wraps an existing http.Client.
func NewWithHTTPClient(hc *http.Client) *Client {
	return &Client{http: hc}
}

// ListInstances returns every instance on the master.
func (c *Client) ListInstances(ctx context.Context, srv model.Server) ([]model.RemoteInstance, error) {
	var out []model.RemoteInstance
	if err := c.do(ctx, srv, http.MethodGet, "/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateInstance creates an instance running rawURL.
func (c *Client) CreateInstance(ctx context.Context, srv model.Server, rawURL string) (model.RemoteInstance, error) {
	var out model.RemoteInstance
	err := c.do(ctx, srv, http.MethodPost, "/instances", map[string]string{"url": rawURL}, &out)
	return out, err
}

// UpdateInstance replaces the URL of an existing instance.
func (c *Client) UpdateInstance(ctx context.Context, srv model.Server, id, rawURL string) (model.RemoteInstance, error) {
	var out model.RemoteInstance
	err := c.do(ctx, srv, http.MethodPut, instancePath(id), map[string]string{"url": rawURL}, &out)
	return out, err
}

// DeleteInstance removes an instance. A missing instance yields ErrNotFound.
func (c *Client) DeleteInstance(ctx context.Context, srv model.Server, id string) error {
	return c.do(ctx, srv, http.MethodDelete, instancePath(id), nil, nil)
}

// UpdatePeerMetadata writes the pairing metadata used to regroup services.
func (c *Client) UpdatePeerMetadata(ctx context.Context, srv model.Server, id string, peer model.Peer) error {
	body := map[string]any{"meta": map[string]any{"peer": peer}}
	return c.do(ctx, srv, http.MethodPatch, instancePath(id), body, nil)
}

// ControlInstance starts, stops or restarts an instance.
func (c *Client) ControlInstance(ctx context.Context, srv model.Server, id string, action Action) error {
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", action)
	}
	return c.do(ctx, srv, http.MethodPatch, instancePath(id), map[string]string{"action": string(action)}, nil)
}

// Info fetches the master's version and build details.
func (c *Client) Info(ctx context.Context, srv model.Server) (Info, error) {
	var out Info
	err := c.do(ctx, srv, http.MethodGet, "/info", nil, &out)
	return out, err
}

func instancePath(id string) string {
	return "/instances/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, srv model.Server, method, path string, body, out any) error {
	base := strings.TrimRight(strings.TrimSpace(srv.URL), "/")
	if base == "" {
		return fmt.Errorf("server %s has no API url", srv.Name)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if srv.APIKey != "" {
		req.Header.Set("X-API-Key", srv.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return security.Classify(fmt.Sprintf("master %s is unreachable", srv.Name),
			fmt.Errorf("%s %s%s: %w", method, base, path, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, util.MaxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(payload)}
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func errorMessage(payload []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
