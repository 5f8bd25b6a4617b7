package contract

import (
	"sort"
	"strings"
)

// TokenValidity classifies the outcome of a token resolution.
type TokenValidity string

const (
	TokenValid   TokenValidity = "valid"
	TokenMissing TokenValidity = "missing"
	TokenInvalid TokenValidity = "invalid"
	TokenExpired TokenValidity = "expired"
)

// TokenSource is one place a credential may come from. Lower precedence
// values win.
type TokenSource struct {
	Name       string
	Precedence int
	Lookup     func() string
}

// TokenResult is the outcome of resolving a token chain. The raw value is
// unexported and never serialized; external representations use the masked
// projection.
type TokenResult struct {
	Validity    TokenValidity
	SourceName  string
	MaskedValue string

	raw string
}

// Raw returns the in-process secret value.
func (r TokenResult) Raw() string {
	return r.raw
}

// MaskToken masks a secret for display: first 4 and last 2 characters are
// visible when the value is longer than 8 characters, otherwise the value is
// fully masked.
func MaskToken(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 8 {
		return value[:4] + strings.Repeat("*", len(value)-6) + value[len(value)-2:]
	}
	return strings.Repeat("*", len(value))
}

// TokenContract resolves a credential from an ordered list of sources.
type TokenContract struct {
	sources  []TokenSource
	required bool
}

// NewTokenContract creates a TokenContract over the given sources, ordered by
// explicit precedence (lower wins).
func NewTokenContract(required bool, sources ...TokenSource) *TokenContract {
	ordered := make([]TokenSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Precedence < ordered[j].Precedence
	})
	return &TokenContract{sources: ordered, required: required}
}

// Resolve returns the first non-empty value in precedence order, masked for
// any external representation. When no source yields a value the result has
// TokenMissing validity.
func (c *TokenContract) Resolve() TokenResult {
	for _, source := range c.sources {
		if source.Lookup == nil {
			continue
		}
		value := strings.TrimSpace(source.Lookup())
		if value == "" {
			continue
		}
		return TokenResult{
			Validity:    TokenValid,
			SourceName:  source.Name,
			MaskedValue: MaskToken(value),
			raw:         value,
		}
	}
	return TokenResult{Validity: TokenMissing}
}

// ValidateOrReject resolves the chain and errors when the contract is
// required but no source yielded a value. Fail-closed: callers must not
// proceed without a token.
func (c *TokenContract) ValidateOrReject() (TokenResult, error) {
	result := c.Resolve()
	if c.required && result.Validity != TokenValid {
		return result, NewError("token_missing", "no token source yielded a value")
	}
	return result, nil
}
