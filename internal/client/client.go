// Package client talks to a running daemon over its local HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"mapeo.dev/go/mapeo/internal/config"
	"mapeo.dev/go/mapeo/internal/daemon"
	"mapeo.dev/go/mapeo/internal/invite"
	"mapeo.dev/go/mapeo/internal/project"
	"mapeo.dev/go/mapeo/internal/protocol"
	"mapeo.dev/go/mapeo/internal/rpc"
)

// ErrDaemonNotRunning is returned when nothing answers on the API port
var ErrDaemonNotRunning = errors.New("daemon is not running")

// APIError is an error response from the daemon
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client is an HTTP client for the daemon's local API
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the daemon listening on loopback port.
func New(port int) *Client {
	return NewWithURL("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

// NewWithURL returns a client for the API at baseURL.
func NewWithURL(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// Connect returns a client for the daemon configured in the default
// config file.
func Connect() (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.Daemon.WebEnabled {
		return nil, fmt.Errorf("local API is disabled in config")
	}
	return New(cfg.Daemon.WebPort), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Status gets the daemon status
func (c *Client) Status(ctx context.Context) (*daemon.Status, error) {
	var status daemon.Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// IsRunning reports whether the daemon answers a status request.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Status(ctx)
	return err == nil
}

// Metrics gets a metrics snapshot
func (c *Client) Metrics(ctx context.Context) (*daemon.MetricsSnapshot, error) {
	var m daemon.MetricsSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Peers lists known peers
func (c *Client) Peers(ctx context.Context) ([]rpc.PeerInfo, error) {
	var peers []rpc.PeerInfo
	if err := c.do(ctx, http.MethodGet, "/api/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// ConnectPeer asks the daemon to dial addr.
func (c *Client) ConnectPeer(ctx context.Context, addr string) (*daemon.ConnectResult, error) {
	var res daemon.ConnectResult
	if err := c.do(ctx, http.MethodPost, "/api/peers", map[string]string{"addr": addr}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Invites lists received invites, only pending ones when pendingOnly is set.
func (c *Client) Invites(ctx context.Context, pendingOnly bool) ([]invite.Invite, error) {
	path := "/api/invites"
	if pendingOnly {
		path += "?pending=true"
	}
	var invites []invite.Invite
	if err := c.do(ctx, http.MethodGet, path, nil, &invites); err != nil {
		return nil, err
	}
	return invites, nil
}

// AcceptInvite accepts an invite and returns the joined project's public ID.
func (c *Client) AcceptInvite(ctx context.Context, inviteID string) (string, error) {
	var res struct {
		ProjectPublicID string `json:"project_public_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/invites/"+url.PathEscape(inviteID)+"/accept", nil, &res); err != nil {
		return "", err
	}
	return res.ProjectPublicID, nil
}

// RejectInvite rejects an invite
func (c *Client) RejectInvite(ctx context.Context, inviteID string) error {
	return c.do(ctx, http.MethodPost, "/api/invites/"+url.PathEscape(inviteID)+"/reject", nil, nil)
}

// Projects lists local projects
func (c *Client) Projects(ctx context.Context) ([]daemon.ProjectView, error) {
	var projects []daemon.ProjectView
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// CreateProject creates a project owned by this device
func (c *Client) CreateProject(ctx context.Context, name string) (*daemon.ProjectView, error) {
	var p daemon.ProjectView
	if err := c.do(ctx, http.MethodPost, "/api/projects", map[string]string{"name": name}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// InviteDevice invites a connected device into a project and waits for its
// answer.
func (c *Client) InviteDevice(ctx context.Context, projectID, deviceID string, role project.Role) (protocol.Decision, error) {
	body := map[string]string{"device_id": deviceID, "role": string(role)}
	var res struct {
		Decision string `json:"decision"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/invite", body, &res); err != nil {
		return 0, err
	}
	d, err := protocol.ParseDecision(res.Decision)
	if err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return d, nil
}

// LeaveProject leaves a project
func (c *Client) LeaveProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/leave", nil, nil)
}

// SentInvites lists invites still waiting for an answer
func (c *Client) SentInvites(ctx context.Context) ([]invite.SentInvite, error) {
	var sent []invite.SentInvite
	if err := c.do(ctx, http.MethodGet, "/api/sent-invites", nil, &sent); err != nil {
		return nil, err
	}
	return sent, nil
}

// CancelInvite cancels a sent invite
func (c *Client) CancelInvite(ctx context.Context, inviteID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sent-invites/"+url.PathEscape(inviteID), nil, nil)
}

// LogQuery filters a log request
type LogQuery struct {
	Level string
	Since time.Time
	Limit int
}

// Logs is a page of buffered daemon logs
type Logs struct {
	Entries []daemon.LogEntry `json:"entries"`
	Count   int               `json:"count"`
	Total   int               `json:"total"`
}

// Logs fetches buffered daemon logs
func (c *Client) Logs(ctx context.Context, q LogQuery) (*Logs, error) {
	v := url.Values{}
	if q.Level != "" {
		v.Set("level", q.Level)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/logs"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var logs Logs
	if err := c.do(ctx, http.MethodGet, path, nil, &logs); err != nil {
		return nil, err
	}
	return &logs, nil
}

// Events streams daemon events until ctx is done or the connection drops.
// The returned channel is closed when the stream ends.
func (c *Client) Events(ctx context.Context) (<-chan daemon.Event, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}

	events := make(chan daemon.Event)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var ev daemon.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
