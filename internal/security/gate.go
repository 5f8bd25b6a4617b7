package security

import (
	"log/slog"

	"github.com/le-si/openclaw-gateway/internal/contract"
)

// GateRequest carries everything the gate needs to evaluate one inbound
// request: credentials for auth, a request id for replay, an identity for
// scope.
type GateRequest struct {
	Credentials Credentials
	RequestID   string
	Identity    string
}

// IngressGate is the composite fail-closed evaluator run in fixed order:
// auth, then replay, then scope. The first failure short-circuits with a
// contract.Error carrying a machine-readable code.
type IngressGate struct {
	logger *slog.Logger
	auth   AuthVerifier
	replay *ReplayGuard
	scope  *AllowlistPolicy
}

// NewIngressGate composes a gate from its parts. Any part may be nil, which
// disables that check entirely; partially-supplied inputs at evaluation time
// are rejected, never silently skipped.
func NewIngressGate(log *slog.Logger, auth AuthVerifier, replay *ReplayGuard, scope *AllowlistPolicy) *IngressGate {
	if log == nil {
		log = slog.Default()
	}
	return &IngressGate{
		logger: log.With(slog.String("component", "ingress_gate")),
		auth:   auth,
		replay: replay,
		scope:  scope,
	}
}

// Check evaluates the request against auth, replay, and scope in that order.
func (g *IngressGate) Check(req GateRequest) error {
	if g.auth != nil {
		if err := g.auth.Verify(req.Credentials); err != nil {
			return err
		}
	}
	if g.replay != nil {
		// A configured guard with no request id rejects: skip semantics
		// require the guard itself to be absent.
		if req.RequestID == "" {
			return contract.NewError("replay_missing_id", "replay guard configured but no request id supplied")
		}
		if !g.replay.CheckAndRecord(req.RequestID) {
			return contract.NewError("replay_detected", "duplicate request id: "+req.RequestID)
		}
	}
	if g.scope != nil && !g.scope.Empty() {
		if req.Identity == "" {
			return contract.NewError("scope_missing_identity", "allowlist configured but no identity supplied")
		}
		if g.scope.Evaluate(req.Identity) == DecisionDeny {
			g.logger.Warn("identity denied by allowlist", slog.String("identity", req.Identity))
			return contract.NewError("scope_denied", "identity not in allowlist: "+req.Identity)
		}
	}
	return nil
}
