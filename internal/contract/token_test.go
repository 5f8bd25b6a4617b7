package contract

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTokenPrecedence(t *testing.T) {
	t.Parallel()
	c := NewTokenContract(true,
		TokenSource{Name: "config", Precedence: 2, Lookup: func() string { return "from-config" }},
		TokenSource{Name: "env", Precedence: 1, Lookup: func() string { return "from-env" }},
	)
	result := c.Resolve()
	if result.SourceName != "env" || result.Raw() != "from-env" {
		t.Fatalf("Resolve picked %s (%q), want env", result.SourceName, result.Raw())
	}
}

func TestTokenSkipsEmptySources(t *testing.T) {
	t.Parallel()
	c := NewTokenContract(true,
		TokenSource{Name: "env", Precedence: 1, Lookup: func() string { return "  " }},
		TokenSource{Name: "config", Precedence: 2, Lookup: func() string { return "value-here" }},
	)
	result := c.Resolve()
	if result.SourceName != "config" {
		t.Fatalf("Resolve picked %s, want config", result.SourceName)
	}
}

func TestTokenValidateOrReject(t *testing.T) {
	t.Parallel()
	c := NewTokenContract(true, TokenSource{Name: "env", Precedence: 1, Lookup: func() string { return "" }})
	if _, err := c.ValidateOrReject(); CodeOf(err) != "token_missing" {
		t.Fatalf("ValidateOrReject err = %v, want token_missing", err)
	}
	optional := NewTokenContract(false, TokenSource{Name: "env", Precedence: 1, Lookup: func() string { return "" }})
	if _, err := optional.ValidateOrReject(); err != nil {
		t.Fatalf("optional ValidateOrReject: %v", err)
	}
}

func TestMaskToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "*****"},
		{"12345678", "********"},
		{"secret-token-value", "secr************ue"},
	}
	for _, tc := range cases {
		if got := MaskToken(tc.in); got != tc.want {
			t.Fatalf("MaskToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokenRawNeverSerialized(t *testing.T) {
	t.Parallel()
	c := NewTokenContract(true, TokenSource{Name: "env", Precedence: 1, Lookup: func() string { return "super-secret-raw" }})
	result := c.Resolve()
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(data), "super-secret-raw") {
		t.Fatalf("serialized result leaks raw value: %s", data)
	}
}
