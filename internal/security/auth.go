// Package security provides the ingress security primitives shared by the
// platform adapters: request authentication, replay protection, allowlist
// evaluation, and the composite fail-closed IngressGate.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/le-si/openclaw-gateway/internal/contract"
)

// SignatureEncoding selects how an HMAC digest is rendered on the wire.
type SignatureEncoding string

const (
	EncodingHex    SignatureEncoding = "hex"
	EncodingBase64 SignatureEncoding = "base64"
)

// Credentials carries the authentication material extracted from one inbound
// request. Body is the raw request body as received, before any parsing.
type Credentials struct {
	BearerToken string
	Signature   string
	Body        []byte
}

// AuthVerifier authenticates one inbound request.
type AuthVerifier interface {
	Verify(cred Credentials) error
}

// BearerVerifier compares a bearer token in constant time.
type BearerVerifier struct {
	token string
}

// NewBearerVerifier creates a BearerVerifier for the expected token.
func NewBearerVerifier(token string) *BearerVerifier {
	return &BearerVerifier{token: token}
}

// Verify checks the presented bearer token.
func (v *BearerVerifier) Verify(cred Credentials) error {
	presented := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cred.BearerToken), "Bearer "))
	if presented == "" {
		return contract.NewError("auth_missing", "bearer token not presented")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(v.token)) != 1 {
		return contract.NewError("auth_invalid", "bearer token mismatch")
	}
	return nil
}

// HMACVerifier checks an HMAC-SHA256 signature computed over the raw request
// body. Prefix, when set, is stripped from the presented signature before
// comparison (e.g. "sha256=").
type HMACVerifier struct {
	secret   []byte
	encoding SignatureEncoding
	prefix   string
}

// NewHMACVerifier creates an HMACVerifier with the given secret and encoding.
func NewHMACVerifier(secret []byte, encoding SignatureEncoding, prefix string) *HMACVerifier {
	return &HMACVerifier{secret: secret, encoding: encoding, prefix: prefix}
}

// Verify recomputes the body HMAC and compares it in constant time.
func (v *HMACVerifier) Verify(cred Credentials) error {
	presented := strings.TrimSpace(cred.Signature)
	if v.prefix != "" {
		if !strings.HasPrefix(presented, v.prefix) {
			return contract.NewError("auth_invalid", "signature prefix mismatch")
		}
		presented = presented[len(v.prefix):]
	}
	if presented == "" {
		return contract.NewError("auth_missing", "signature not presented")
	}
	expected := ComputeHMAC(v.secret, cred.Body, v.encoding)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return contract.NewError("auth_invalid", "signature mismatch")
	}
	return nil
}

// ComputeHMAC returns the HMAC-SHA256 of body under secret, encoded per enc.
func ComputeHMAC(secret, body []byte, enc SignatureEncoding) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sum := mac.Sum(nil)
	if enc == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// failClosedVerifier rejects everything. It is what you get when auth is
// required but no method is configured: never a silent pass.
type failClosedVerifier struct{}

func (failClosedVerifier) Verify(Credentials) error {
	return contract.NewError("auth_unconfigured", "auth required but no method configured")
}

// AuthConfig selects the authentication method for an ingress path.
type AuthConfig struct {
	Required     bool
	BearerToken  string
	HMACSecret   []byte
	HMACEncoding SignatureEncoding
	HMACPrefix   string
}

// NewAuthVerifier builds a verifier from configuration. A nil return means
// auth is not required for this path; required-but-unconfigured yields a
// verifier that fails by construction.
func NewAuthVerifier(cfg AuthConfig) AuthVerifier {
	switch {
	case cfg.BearerToken != "":
		return NewBearerVerifier(cfg.BearerToken)
	case len(cfg.HMACSecret) > 0:
		enc := cfg.HMACEncoding
		if enc == "" {
			enc = EncodingHex
		}
		return NewHMACVerifier(cfg.HMACSecret, enc, cfg.HMACPrefix)
	case cfg.Required:
		return failClosedVerifier{}
	default:
		return nil
	}
}
