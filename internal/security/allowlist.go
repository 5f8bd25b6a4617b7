package security

import "strings"

// AllowlistDecision is the outcome of evaluating an identifier.
type AllowlistDecision int

const (
	// DecisionSkip means no allowlist applies; downstream policy decides.
	DecisionSkip AllowlistDecision = iota
	DecisionAllow
	DecisionDeny
)

// AllowlistPolicy is an immutable, normalized set of identifiers. It is never
// mutated after construction; configuration changes rebuild the policy.
type AllowlistPolicy struct {
	entries map[string]struct{}
	strict  bool
}

// NewAllowlistPolicy builds a policy from raw identifiers. Entries are
// trimmed and lowercased; empties are dropped. In strict mode an empty list
// denies everyone; otherwise an empty list skips (no opinion).
func NewAllowlistPolicy(ids []string, strict bool) *AllowlistPolicy {
	entries := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		normalized := normalizeIdentifier(id)
		if normalized == "" {
			continue
		}
		entries[normalized] = struct{}{}
	}
	return &AllowlistPolicy{entries: entries, strict: strict}
}

// Evaluate returns allow, deny, or skip for the identifier.
func (p *AllowlistPolicy) Evaluate(id string) AllowlistDecision {
	if p == nil {
		return DecisionSkip
	}
	if len(p.entries) == 0 {
		if p.strict {
			return DecisionDeny
		}
		return DecisionSkip
	}
	if _, ok := p.entries[normalizeIdentifier(id)]; ok {
		return DecisionAllow
	}
	return DecisionDeny
}

// Contains reports whether the identifier is listed.
func (p *AllowlistPolicy) Contains(id string) bool {
	if p == nil {
		return false
	}
	_, ok := p.entries[normalizeIdentifier(id)]
	return ok
}

// Empty reports whether the policy lists no identifiers.
func (p *AllowlistPolicy) Empty() bool {
	return p == nil || len(p.entries) == 0
}

func normalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
