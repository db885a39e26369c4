package remote

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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasksync/cli/internal/syncerr"
)

const DefaultBaseURL = "http://localhost:8000/api"

// StatusError is a response the backend produced but refused. It is always
// wrapped in a syncerr.Error of kind RemoteRejected.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s failed with status: %d", e.Method, e.Path, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

type Client struct {
	baseURL    string
	instanceID string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		instanceID: uuid.NewString(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("module", "remote", "instance_id", c.instanceID)
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) CreateTask(ctx context.Context, in TaskCreate) (Task, error) {
	var out Task
	err := c.do(ctx, "remote.create_task", http.MethodPost, "/clara/tasks/", in, &out)
	return out, err
}

func (c *Client) UpdateTask(ctx context.Context, id int64, update TaskUpdate) (Task, error) {
	var out Task
	if update == nil {
		return out, syncerr.New(syncerr.RemoteRejected, "remote.update_task", errors.New("empty update"))
	}
	err := c.do(ctx, "remote.update_task", http.MethodPut, taskPath(id), update.body(), &out)
	return out, err
}

func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, "remote.delete_task", http.MethodDelete, taskPath(id), nil, nil)
}

func (c *Client) CompleteTask(ctx context.Context, id int64) (Task, error) {
	var out Task
	err := c.do(ctx, "remote.complete_task", http.MethodPost, taskPath(id)+"/complete", nil, &out)
	return out, err
}

func (c *Client) ListSnapshots(ctx context.Context) ([]Workspace, error) {
	var out []Workspace
	err := c.do(ctx, "remote.list_snapshots", http.MethodGet, "/clara/snapshots/", nil, &out)
	return out, err
}

func (c *Client) WorkspaceSnapshot(ctx context.Context, workspaceID int64) (Workspace, error) {
	var out Workspace
	path := "/clara/workspaces/" + strconv.FormatInt(workspaceID, 10) + "/snapshot"
	err := c.do(ctx, "remote.workspace_snapshot", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) CreateWorkspace(ctx context.Context, in WorkspaceCreate) (Workspace, error) {
	var out Workspace
	err := c.do(ctx, "remote.create_workspace", http.MethodPost, "/clara/workspaces/", in, &out)
	return out, err
}

func (c *Client) CreateSession(ctx context.Context, in SessionCreate) (Session, error) {
	var out Session
	err := c.do(ctx, "remote.create_session", http.MethodPost, "/interaction-sessions/", in, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.do(ctx, "remote.get_session", http.MethodGet, "/interaction-sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Session
	path := "/interaction-sessions/recent?limit=" + strconv.Itoa(limit)
	err := c.do(ctx, "remote.recent_sessions", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) SessionPayloads(ctx context.Context, sessionID string) ([]Payload, error) {
	var out []Payload
	path := "/interaction-payloads/by-session/" + url.PathEscape(sessionID)
	err := c.do(ctx, "remote.session_payloads", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) PostMessage(ctx context.Context, sessionID, content string) (Exchange, error) {
	var out Exchange
	path := "/chat/" + url.PathEscape(sessionID) + "/message"
	err := c.do(ctx, "remote.post_message", http.MethodPost, path, map[string]string{"content": content}, &out)
	return out, err
}

func taskPath(id int64) string {
	return "/clara/tasks/" + strconv.FormatInt(id, 10)
}

// do performs one request. Transport failures map to RemoteUnreachable,
// non-2xx answers and undecodable bodies to RemoteRejected.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return syncerr.New(syncerr.RemoteRejected, op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return syncerr.New(syncerr.RemoteUnreachable, op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed", "op", op, "method", method, "path", path, "request_id", requestID, "err", err)
		return syncerr.New(syncerr.RemoteUnreachable, op, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	c.logger.Debug("remote request", "op", op, "method", method, "path", path, "request_id", requestID,
		"status", res.StatusCode, "elapsed_ms", time.Since(started).Milliseconds())

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return syncerr.New(syncerr.RemoteRejected, op, &StatusError{
			Method: method,
			Path:   path,
			Status: res.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return syncerr.New(syncerr.RemoteRejected, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
