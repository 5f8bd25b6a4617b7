package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/le-si/openclaw-gateway/internal/backend"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/ratelimit"
)

func TestTokenizeQuoting(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"plain", "run tmpl steps=5", []string{"run", "tmpl", "steps=5"}},
		{"quoted value", `run tmpl prompt="a b" steps=5`, []string{"run", "tmpl", "prompt=a b", "steps=5"}},
		{"apostrophe is ordinary", `run "it's fine"`, []string{"run", "it's fine"}},
		{"empty quoted", `run ""`, []string{"run", ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tokenize(tc.in)
			if err != nil {
				t.Fatalf("tokenize(%q) error = %v", tc.in, err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("tokenize(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestTokenizeUnbalanced(t *testing.T) {
	t.Parallel()
	if _, err := tokenize(`run "open ended`); err == nil {
		t.Fatalf("tokenize with open quote = nil error, want ErrUnbalancedQuotes")
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cmd, err := parseCommand(`/run tmpl prompt="a b" steps=5`, "mybot")
	if err != nil {
		t.Fatalf("parseCommand() error = %v", err)
	}
	if cmd.Name != "run" {
		t.Fatalf("Name = %q, want run", cmd.Name)
	}
	if len(cmd.Args) != 1 || cmd.Args[0] != "tmpl" {
		t.Fatalf("Args = %v, want [tmpl]", cmd.Args)
	}
	if cmd.KV["prompt"] != "a b" || cmd.KV["steps"] != "5" {
		t.Fatalf("KV = %v, want prompt=a b steps=5", cmd.KV)
	}
}

func TestParseCommandBotMention(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"/status@mybot", "@mybot /status"} {
		cmd, err := parseCommand(in, "mybot")
		if err != nil {
			t.Fatalf("parseCommand(%q) error = %v", in, err)
		}
		if cmd == nil || cmd.Name != "status" {
			t.Fatalf("parseCommand(%q) = %v, want status", in, cmd)
		}
	}
}

func TestParseCommandNonCommand(t *testing.T) {
	t.Parallel()
	cmd, err := parseCommand("hello there", "")
	if err != nil || cmd != nil {
		t.Fatalf("parseCommand(plain text) = %v, %v, want nil, nil", cmd, err)
	}
}

type fakeWatcher struct {
	mu   sync.Mutex
	jobs []string
}

func (w *fakeWatcher) Watch(jobID, platform, channelID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs = append(w.jobs, jobID)
}

// fakeBackend records the last run request and serves the minimal API the
// router handlers touch.
func fakeBackend(t *testing.T, lastRun *backend.RunRequest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /openclaw/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(backend.HealthStatus{Status: "ok", Version: "1.2.3"})
	})
	mux.HandleFunc("POST /openclaw/run", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(lastRun); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(backend.RunResponse{JobID: "job-1"})
	})
	mux.HandleFunc("GET /openclaw/approvals", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]backend.Approval{{ID: "ap-1", Template: "tmpl"}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestRouter(t *testing.T, adminToken string, lastRun *backend.RunRequest) (*Router, *fakeWatcher) {
	t.Helper()
	server := fakeBackend(t, lastRun)
	client := backend.NewClient(nil, server.URL, adminToken, 5*time.Second)
	watcher := &fakeWatcher{}
	r, err := New(nil, client, nil, watcher, Options{
		BotName:       "mybot",
		Admins:        []string{"admin-1"},
		PlatformTrust: map[string][]string{"telegram": {"trusted-1"}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, watcher
}

func request(sender, text string) gateway.CommandRequest {
	return gateway.CommandRequest{
		Platform:  "telegram",
		SenderID:  sender,
		ChannelID: "chan-1",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, "", &backend.RunRequest{})
	resp, err := r.Handle(context.Background(), request("u1", "/bogus"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp == nil || !strings.Contains(resp.Text, "Unknown command") {
		t.Fatalf("resp = %v, want unknown-command text", resp)
	}
}

func TestHandleNonCommandIgnored(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, "", &backend.RunRequest{})
	resp, err := r.Handle(context.Background(), request("u1", "just chatting"))
	if err != nil || resp != nil {
		t.Fatalf("Handle(plain text) = %v, %v, want nil, nil", resp, err)
	}
}

func TestHandleUnbalancedQuotes(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, "", &backend.RunRequest{})
	resp, err := r.Handle(context.Background(), request("u1", `/run "open`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp == nil || !strings.Contains(resp.Text, "Unbalanced quotes") {
		t.Fatalf("resp = %v, want unbalanced-quotes text", resp)
	}
}

func TestRunApprovalByTrust(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name            string
		sender          string
		wantApproval    bool
		wantWatchedJobs int
	}{
		{"untrusted sender requires approval", "stranger", true, 1},
		{"trusted sender skips approval", "trusted-1", false, 1},
		{"admin skips approval", "admin-1", false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var lastRun backend.RunRequest
			r, watcher := newTestRouter(t, "", &lastRun)
			resp, err := r.Handle(context.Background(), request(tc.sender, "/run tmpl x=1"))
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if resp == nil || !strings.Contains(resp.Text, "job-1") {
				t.Fatalf("resp = %v, want job ack", resp)
			}
			if lastRun.RequireApproval != tc.wantApproval {
				t.Fatalf("RequireApproval = %v, want %v", lastRun.RequireApproval, tc.wantApproval)
			}
			if lastRun.Params["x"] != "1" {
				t.Fatalf("Params = %v, want x=1", lastRun.Params)
			}
			if len(watcher.jobs) != tc.wantWatchedJobs {
				t.Fatalf("watched jobs = %v, want %d", watcher.jobs, tc.wantWatchedJobs)
			}
		})
	}
}

func TestAdminCommandsNeedAdminToken(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, "", &backend.RunRequest{})
	// Even an admin gets the not-configured response when the gateway has
	// no admin token for the backend.
	resp, err := r.Handle(context.Background(), request("admin-1", "/approvals"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp == nil || !strings.Contains(resp.Text, "not configured") {
		t.Fatalf("resp = %v, want not-configured text", resp)
	}
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, "secret", &backend.RunRequest{})
	resp, err := r.Handle(context.Background(), request("stranger", "/approvals"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp == nil || !strings.Contains(resp.Text, "admin access") {
		t.Fatalf("resp = %v, want admin-required text", resp)
	}

	resp, err = r.Handle(context.Background(), request("admin-1", "/approvals"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp == nil || !strings.Contains(resp.Text, "ap-1") {
		t.Fatalf("resp = %v, want approvals listing", resp)
	}
}

func TestClassAllowlistNotBypassedByAdmin(t *testing.T) {
	t.Parallel()
	var lastRun backend.RunRequest
	server := fakeBackend(t, &lastRun)
	client := backend.NewClient(nil, server.URL, "", 5*time.Second)
	r, err := New(nil, client, nil, nil, Options{
		Admins:    []string{"admin-1"},
		AllowFrom: map[CommandClass][]string{ClassRun: {"runner-1"}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Admins are not exempt from an explicit class allowlist.
	resp, err := r.Handle(context.Background(), request("admin-1", "/run tmpl"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp == nil || !strings.Contains(resp.Text, "not allowed") {
		t.Fatalf("resp = %v, want not-allowed text", resp)
	}

	resp, err = r.Handle(context.Background(), request("runner-1", "/run tmpl"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp == nil || !strings.Contains(resp.Text, "job-1") {
		t.Fatalf("resp = %v, want job ack", resp)
	}
}

func TestRateLimitBeforeParse(t *testing.T) {
	t.Parallel()
	var lastRun backend.RunRequest
	server := fakeBackend(t, &lastRun)
	client := backend.NewClient(nil, server.URL, "", 5*time.Second)
	limits := ratelimit.NewPair(60, 1)
	r, err := New(nil, client, limits, nil, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	req := request("u1", "/status")
	if resp, err := r.Handle(context.Background(), req); err != nil || resp == nil {
		t.Fatalf("first Handle() = %v, %v", resp, err)
	}
	resp, err := r.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if resp == nil || !strings.Contains(resp.Text, "Rate limit") {
		t.Fatalf("resp = %v, want rate-limit text", resp)
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, "secret", &backend.RunRequest{})
	resp, err := r.Handle(context.Background(), request("stranger", "/help"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if strings.Contains(resp.Text, "/approve") {
		t.Fatalf("help for non-admin lists admin commands:\n%s", resp.Text)
	}
	resp, err = r.Handle(context.Background(), request("admin-1", "/help"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(resp.Text, "/approve") {
		t.Fatalf("help for admin omits admin commands:\n%s", resp.Text)
	}
}
