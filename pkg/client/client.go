// Package client is a Go client for the devpilot daemon API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides HTTP client functionality to communicate with the devpilot daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7777/api",
		Timeout: 30 * time.Second,
	}
}

// APIError is a non-2xx response. RunID is set for spawn failures.
type APIError struct {
	Status  int
	Message string
	RunID   string

	body []byte
}

func (e *APIError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("API error %d: %s (run %s)", e.Status, e.Message, e.RunID)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// New creates a new devpilot API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// --- Runs ---

func (c *Client) StartRun(ctx context.Context, req RunRequest) (Handle, error) {
	var h Handle
	err := c.do(ctx, http.MethodPost, "/runs", req, &h)
	return h, err
}

// RestartRun stops the active run of the script, if any, and starts it again.
func (c *Client) RestartRun(ctx context.Context, req RunRequest) (Handle, error) {
	var h Handle
	err := c.do(ctx, http.MethodPost, "/runs/restart", req, &h)
	return h, err
}

// StopRun requests a stop. With a positive opts.Wait the final record is returned.
func (c *Client) StopRun(ctx context.Context, id string, opts StopOptions) (*Run, error) {
	q := url.Values{}
	if opts.Force {
		q.Set("force", "1")
	}
	if opts.Wait > 0 {
		q.Set("wait", opts.Wait.String())
	}
	path := "/runs/" + url.PathEscape(id) + "/stop"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	if opts.Wait <= 0 {
		return nil, c.do(ctx, http.MethodPost, path, nil, nil)
	}
	var r Run
	if err := c.do(ctx, http.MethodPost, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns active runs, plus retained terminal runs when all is set.
func (c *Client) ListRuns(ctx context.Context, all bool) ([]Run, error) {
	path := "/runs"
	if all {
		path += "?all=1"
	}
	var out []Run
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &r)
	return r, err
}

// Logs returns the retained output backlog of a run.
func (c *Client) Logs(ctx context.Context, id string) ([]Event, error) {
	var out []Event
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id)+"/logs", nil, &out)
	return out, err
}

func (c *Client) Ports(ctx context.Context) (Ports, error) {
	var p Ports
	err := c.do(ctx, http.MethodGet, "/ports", nil, &p)
	return p, err
}

// --- Projects ---

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

func (c *Client) SaveProject(ctx context.Context, p Project) error {
	return c.do(ctx, http.MethodPost, "/projects", p, nil)
}

func (c *Client) PackageManager(ctx context.Context, projectID string) (PackageManager, error) {
	var pm PackageManager
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/pm", nil, &pm)
	return pm, err
}

// Install runs the dependency install of a project.
func (c *Client) Install(ctx context.Context, projectID string) (Handle, error) {
	var h Handle
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/install", nil, &h)
	return h, err
}

type portBody struct {
	Port int `json:"port"`
}

func expectedPortPath(projectID, script string) string {
	return "/projects/" + url.PathEscape(projectID) + "/scripts/" + url.PathEscape(script) + "/expected-port"
}

// ExpectedPort returns the expected port of a script, zero when none is set.
func (c *Client) ExpectedPort(ctx context.Context, projectID, script string) (int, error) {
	var b portBody
	err := c.do(ctx, http.MethodGet, expectedPortPath(projectID, script), nil, &b)
	return b.Port, err
}

// SetExpectedPort stores the expected port of a script. Zero clears it.
func (c *Client) SetExpectedPort(ctx context.Context, projectID, script string, port int) error {
	return c.do(ctx, http.MethodPut, expectedPortPath(projectID, script), portBody{Port: port}, nil)
}

// --- Workspaces ---

func (c *Client) WorkspaceStatus(ctx context.Context, id string) (WorkspaceStatus, error) {
	var st WorkspaceStatus
	err := c.do(ctx, http.MethodGet, "/workspaces/"+url.PathEscape(id), nil, &st)
	return st, err
}

func (c *Client) StartWorkspace(ctx context.Context, id string) (WorkspaceStatus, error) {
	return c.workspaceAction(ctx, "/workspaces/"+url.PathEscape(id)+"/start")
}

func (c *Client) StopWorkspace(ctx context.Context, id string) (WorkspaceStatus, error) {
	return c.workspaceAction(ctx, "/workspaces/"+url.PathEscape(id)+"/stop")
}

func (c *Client) RestartWorkspace(ctx context.Context, id string) (WorkspaceStatus, error) {
	return c.workspaceAction(ctx, "/workspaces/"+url.PathEscape(id)+"/restart")
}

func (c *Client) RestartWorkspaceItem(ctx context.Context, id, itemID string) (WorkspaceStatus, error) {
	return c.workspaceAction(ctx, "/workspaces/"+url.PathEscape(id)+"/items/"+url.PathEscape(itemID)+"/restart")
}

// workspaceAction returns the status reported alongside item failures together
// with the error.
func (c *Client) workspaceAction(ctx context.Context, path string) (WorkspaceStatus, error) {
	var st WorkspaceStatus
	err := c.do(ctx, http.MethodPost, path, nil, &st)
	var ae *APIError
	if errors.As(err, &ae) && len(ae.body) > 0 {
		if json.Unmarshal(ae.body, &st) == nil && st.Errors != "" {
			ae.Message = st.Errors
		}
	}
	return st, err
}

// --- Events ---

// Follow streams events matching f to fn until ctx is done, the daemon closes
// the stream or fn returns an error.
func (c *Client) Follow(ctx context.Context, f EventFilter, fn func(Event) error) error {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	if f.RunID != "" {
		q.Set("run_id", f.RunID)
	}
	if f.WorkspaceID != "" {
		q.Set("workspace_id", f.WorkspaceID)
	}
	if len(f.Kinds) > 0 {
		q.Set("kinds", strings.Join(f.Kinds, ","))
	}
	if f.Replay {
		q.Set("replay", "1")
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return decodeError(resp)
		}
		return fmt.Errorf("dial events: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// do performs a JSON request and decodes a 2xx body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := decodeError(resp)
		c.logger.Debug("API request failed", "error", err, "path", path)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	ae := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode), body: data}
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != "" {
		ae.Message = er.Error
		ae.RunID = er.RunID
	}
	return ae
}
