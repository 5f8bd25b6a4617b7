// Package router parses normalized inbound messages into commands,
// authorizes them, and dispatches to the command handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/le-si/openclaw-gateway/internal/backend"
	"github.com/le-si/openclaw-gateway/internal/gateway"
	"github.com/le-si/openclaw-gateway/internal/ratelimit"
	"github.com/le-si/openclaw-gateway/internal/security"
)

// CommandClass is the authorization class of a command.
type CommandClass string

const (
	ClassPublic CommandClass = "public"
	ClassRun    CommandClass = "run"
	ClassAdmin  CommandClass = "admin"
)

type handlerFunc func(ctx context.Context, req gateway.CommandRequest, cmd *ParsedCommand) (*gateway.CommandResponse, error)

type commandSpec struct {
	name    string
	class   CommandClass
	usage   string
	summary string
	handler handlerFunc
}

// JobWatcher receives submitted job ids for asynchronous result delivery.
// The results poller implements it.
type JobWatcher interface {
	Watch(jobID, platform, channelID string)
}

// Options configures a Router.
type Options struct {
	// BotName is stripped from @mentions and /cmd@botname suffixes.
	BotName string
	// Admins is the global admin identifier list.
	Admins []string
	// AllowFrom optionally restricts a command class to the listed
	// identities. Admins are not exempt from an explicit class allowlist.
	AllowFrom map[CommandClass][]string
	// PlatformTrust maps a platform name to its trusted sender/channel
	// identifiers. Trust decides whether a run needs human approval.
	PlatformTrust map[string][]string
	// MaxChatPromptLen bounds the prompt forwarded to the chat capability.
	MaxChatPromptLen int
}

// Router implements gateway.Handler: rate limit, parse, authorize, dispatch.
type Router struct {
	logger  *slog.Logger
	client  *backend.Client
	limits  *ratelimit.PairLimiter
	watcher JobWatcher

	botName       string
	admins        *security.AllowlistPolicy
	classAllow    map[CommandClass]*security.AllowlistPolicy
	platformTrust map[string]*security.AllowlistPolicy
	maxPromptLen  int

	commands map[string]*commandSpec
	aliases  map[string]string
}

// New builds a Router. The alias table is resolved and validated here, once,
// so a duplicate alias is a startup failure rather than a request-time
// surprise.
func New(log *slog.Logger, client *backend.Client, limits *ratelimit.PairLimiter, watcher JobWatcher, opts Options) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		logger:        log.With(slog.String("component", "router")),
		client:        client,
		limits:        limits,
		watcher:       watcher,
		botName:       opts.BotName,
		admins:        security.NewAllowlistPolicy(opts.Admins, false),
		classAllow:    map[CommandClass]*security.AllowlistPolicy{},
		platformTrust: map[string]*security.AllowlistPolicy{},
		maxPromptLen:  opts.MaxChatPromptLen,
		commands:      map[string]*commandSpec{},
		aliases:       map[string]string{},
	}
	if r.maxPromptLen <= 0 {
		r.maxPromptLen = 2000
	}
	for class, ids := range opts.AllowFrom {
		if len(ids) > 0 {
			r.classAllow[class] = security.NewAllowlistPolicy(ids, true)
		}
	}
	for platform, ids := range opts.PlatformTrust {
		r.platformTrust[strings.ToLower(platform)] = security.NewAllowlistPolicy(ids, false)
	}
	if err := r.registerCommands(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) register(spec *commandSpec, aliases ...string) error {
	if _, exists := r.commands[spec.name]; exists {
		return fmt.Errorf("duplicate command: %s", spec.name)
	}
	r.commands[spec.name] = spec
	for _, alias := range append([]string{spec.name}, aliases...) {
		alias = strings.ToLower(alias)
		if existing, exists := r.aliases[alias]; exists {
			return fmt.Errorf("alias %q already bound to %s", alias, existing)
		}
		r.aliases[alias] = spec.name
	}
	return nil
}

// Handle implements gateway.Handler. A nil response means nothing to send.
func (r *Router) Handle(ctx context.Context, req gateway.CommandRequest) (*gateway.CommandResponse, error) {
	// Rate limit before any parsing cost is spent. Both the sender bucket
	// and the channel bucket must admit the request.
	if r.limits != nil && !r.limits.Allow(req.Platform+":"+req.SenderID, req.Platform+":"+req.ChannelID) {
		r.logger.Warn("rate limited",
			slog.String("platform", req.Platform),
			slog.String("sender", req.SenderID))
		return &gateway.CommandResponse{Text: "Rate limit exceeded. Please slow down and try again."}, nil
	}

	cmd, err := parseCommand(req.Text, r.botName)
	if err != nil {
		if errors.Is(err, ErrUnbalancedQuotes) {
			return &gateway.CommandResponse{Text: "Unbalanced quotes in command. Close every \" you open."}, nil
		}
		return &gateway.CommandResponse{Text: "Could not parse that command."}, nil
	}
	if cmd == nil {
		// Plain text is not routed. Use /chat for conversation.
		return nil, nil
	}

	canonical, ok := r.aliases[cmd.Name]
	if !ok {
		return &gateway.CommandResponse{Text: fmt.Sprintf("Unknown command /%s. Try /help.", cmd.Name)}, nil
	}
	spec := r.commands[canonical]

	if resp := r.authorize(req, spec); resp != nil {
		return resp, nil
	}

	resp, err := spec.handler(ctx, req, cmd)
	if err != nil {
		// Backend and handler failures become in-band text, never an
		// unhandled error back at the adapter.
		r.logger.Error("command failed",
			slog.String("command", spec.name),
			slog.String("platform", req.Platform),
			slog.Any("error", err))
		return &gateway.CommandResponse{Text: "Command failed: " + err.Error()}, nil
	}
	return resp, nil
}

// authorize returns a denial response, or nil when the request may proceed.
func (r *Router) authorize(req gateway.CommandRequest, spec *commandSpec) *gateway.CommandResponse {
	if spec.class == ClassAdmin {
		// Admin commands need a working admin channel to the backend,
		// independent of who is asking.
		if !r.client.HasAdminToken() {
			return &gateway.CommandResponse{Text: "Admin commands are not configured on this gateway."}
		}
		if !r.isAdmin(req) {
			return &gateway.CommandResponse{Text: "This command requires admin access."}
		}
	}
	if allow := r.classAllow[spec.class]; allow != nil {
		if allow.Evaluate(req.SenderID) != security.DecisionAllow &&
			allow.Evaluate(req.Platform+":"+req.SenderID) != security.DecisionAllow {
			return &gateway.CommandResponse{Text: "You are not allowed to use this command."}
		}
	}
	return nil
}

func (r *Router) isAdmin(req gateway.CommandRequest) bool {
	return r.admins.Contains(req.SenderID) ||
		r.admins.Contains(req.Platform+":"+req.SenderID) ||
		(req.Username != "" && r.admins.Contains(req.Username))
}

// IsTrusted reports whether the sender or channel is trusted on the platform.
// Trusted requests skip the human-approval requirement on /run. Unknown
// platforms trust only global admins.
func (r *Router) IsTrusted(req gateway.CommandRequest) bool {
	if r.isAdmin(req) {
		return true
	}
	trust, ok := r.platformTrust[strings.ToLower(req.Platform)]
	if !ok {
		return false
	}
	return trust.Contains(req.SenderID) || trust.Contains(req.ChannelID)
}

// commandNames returns the canonical command names, sorted, for /help.
func (r *Router) commandNames() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
