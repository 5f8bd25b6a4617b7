// Package backend is a thin typed client for the image-generation backend's
// HTTP API. The gateway only consumes this API; it never re-implements any of
// the backend's behavior.
package backend

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
)

// AdminTokenHeader carries the admin token on backend calls.
const AdminTokenHeader = "X-OpenClaw-Admin"

// ErrAdminTokenMissing is returned when an admin-only call is attempted
// without a configured admin token. This is a configuration error surfaced
// to the caller, never a silent downgrade.
var ErrAdminTokenMissing = errors.New("backend admin token not configured")

// Client calls the backend API with short per-call timeouts.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	adminToken string
}

// NewClient creates a Client for the backend at baseURL. adminToken may be
// empty; admin-only calls will then fail fast with ErrAdminTokenMissing.
func NewClient(log *slog.Logger, baseURL, adminToken string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:     log.With(slog.String("component", "backend")),
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
	}
}

// HasAdminToken reports whether admin-class calls are possible.
func (c *Client) HasAdminToken() bool {
	return c.adminToken != ""
}

// Health returns the backend health report.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	err := c.do(ctx, http.MethodGet, "/openclaw/health", nil, &out)
	return out, err
}

// Config returns the backend's redacted configuration. Admin only.
func (c *Client) Config(ctx context.Context) (ConfigSnapshot, error) {
	if !c.HasAdminToken() {
		return nil, ErrAdminTokenMissing
	}
	var out ConfigSnapshot
	err := c.do(ctx, http.MethodGet, "/openclaw/config", nil, &out)
	return out, err
}

// Templates lists runnable workflow templates.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	var out []Template
	err := c.do(ctx, http.MethodGet, "/openclaw/templates", nil, &out)
	return out, err
}

// Chat asks the backend's LLM capability for a reply.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	var out ChatResponse
	err := c.do(ctx, http.MethodPost, "/openclaw/llm/chat", ChatRequest{System: system, User: user}, &out)
	return out.Text, err
}

// Run submits a job.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunResponse, error) {
	var out RunResponse
	err := c.do(ctx, http.MethodPost, "/openclaw/run", req, &out)
	return out, err
}

// History fetches one job's history entry.
func (c *Client) History(ctx context.Context, jobID string) (HistoryResult, error) {
	var out HistoryResult
	err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

// Trace fetches one job's execution trace.
func (c *Client) Trace(ctx context.Context, jobID string) ([]TraceEntry, error) {
	var out []TraceEntry
	err := c.do(ctx, http.MethodGet, "/openclaw/trace/"+url.PathEscape(jobID), nil, &out)
	return out, err
}

// Jobs lists running and queued jobs.
func (c *Client) Jobs(ctx context.Context) ([]JobInfo, error) {
	var out []JobInfo
	err := c.do(ctx, http.MethodGet, "/openclaw/jobs", nil, &out)
	return out, err
}

// Interrupt cancels the running job.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/interrupt", nil, nil)
}

// Approvals lists pending approvals. Admin only.
func (c *Client) Approvals(ctx context.Context) ([]Approval, error) {
	if !c.HasAdminToken() {
		return nil, ErrAdminTokenMissing
	}
	var out []Approval
	err := c.do(ctx, http.MethodGet, "/openclaw/approvals", nil, &out)
	return out, err
}

// ResolveApproval approves or denies one pending approval. Admin only.
func (c *Client) ResolveApproval(ctx context.Context, id string, approve bool) error {
	if !c.HasAdminToken() {
		return ErrAdminTokenMissing
	}
	action := "deny"
	if approve {
		action = "approve"
	}
	path := "/openclaw/approvals/" + url.PathEscape(id) + "/" + action
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Schedules lists configured schedules. Admin only.
func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	if !c.HasAdminToken() {
		return nil, ErrAdminTokenMissing
	}
	var out []Schedule
	err := c.do(ctx, http.MethodGet, "/openclaw/schedules", nil, &out)
	return out, err
}

// SetScheduleEnabled toggles one schedule. Admin only.
func (c *Client) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	if !c.HasAdminToken() {
		return ErrAdminTokenMissing
	}
	body := map[string]bool{"enabled": enabled}
	return c.do(ctx, http.MethodPost, "/openclaw/schedules/"+url.PathEscape(id), body, nil)
}

// FireTrigger fires a named trigger. Admin only.
func (c *Client) FireTrigger(ctx context.Context, name string) error {
	if !c.HasAdminToken() {
		return ErrAdminTokenMissing
	}
	body := map[string]string{"name": name}
	return c.do(ctx, http.MethodPost, "/openclaw/triggers/fire", body, nil)
}

// DownloadView fetches one output image's bytes via the view endpoint.
func (c *Client) DownloadView(ctx context.Context, ref ImageRef) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	if ref.Subfolder != "" {
		query.Set("subfolder", ref.Subfolder)
	}
	if ref.Type != "" {
		query.Set("type", ref.Type)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build view request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download view: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download view status: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.adminToken != "" {
		req.Header.Set(AdminTokenHeader, c.adminToken)
	}
}
