package security

import (
	"testing"
	"time"

	"github.com/le-si/openclaw-gateway/internal/contract"
)

func TestReplayGuardOncePerWindow(t *testing.T) {
	t.Parallel()
	g := NewReplayGuard(time.Minute, 100)
	current := time.Unix(100, 0)
	g.now = func() time.Time { return current }

	if !g.CheckAndRecord("msg-1") {
		t.Fatalf("first CheckAndRecord = false, want true")
	}
	if g.CheckAndRecord("msg-1") {
		t.Fatalf("duplicate within window = true, want false")
	}
	current = current.Add(time.Minute)
	if !g.CheckAndRecord("msg-1") {
		t.Fatalf("CheckAndRecord after window = false, want true")
	}
}

func TestReplayGuardEvictsOldest(t *testing.T) {
	t.Parallel()
	g := NewReplayGuard(time.Hour, 2)
	g.CheckAndRecord("a")
	g.CheckAndRecord("b")
	g.CheckAndRecord("c")
	if g.Len() != 2 {
		t.Fatalf("Len = %d, want 2", g.Len())
	}
	// "a" was evicted, so it reads as fresh.
	if !g.CheckAndRecord("a") {
		t.Fatalf("evicted key = false, want true")
	}
}

func TestBearerVerifier(t *testing.T) {
	t.Parallel()
	v := NewBearerVerifier("secret-token")
	if err := v.Verify(Credentials{BearerToken: "Bearer secret-token"}); err != nil {
		t.Fatalf("valid bearer: %v", err)
	}
	if err := v.Verify(Credentials{BearerToken: "secret-token"}); err != nil {
		t.Fatalf("bare token: %v", err)
	}
	if err := v.Verify(Credentials{BearerToken: "Bearer wrong"}); contract.CodeOf(err) != "auth_invalid" {
		t.Fatalf("wrong token err = %v, want auth_invalid", err)
	}
	if err := v.Verify(Credentials{}); contract.CodeOf(err) != "auth_missing" {
		t.Fatalf("missing token err = %v, want auth_missing", err)
	}
}

func TestHMACVerifier(t *testing.T) {
	t.Parallel()
	secret := []byte("app-secret")
	body := []byte(`{"hello":"world"}`)
	v := NewHMACVerifier(secret, EncodingHex, "sha256=")
	good := "sha256=" + ComputeHMAC(secret, body, EncodingHex)
	if err := v.Verify(Credentials{Signature: good, Body: body}); err != nil {
		t.Fatalf("valid signature: %v", err)
	}
	mutated := append([]byte{}, body...)
	mutated[0] ^= 1
	if err := v.Verify(Credentials{Signature: good, Body: mutated}); contract.CodeOf(err) != "auth_invalid" {
		t.Fatalf("mutated body err = %v, want auth_invalid", err)
	}
	if err := v.Verify(Credentials{Signature: "md5=abc", Body: body}); contract.CodeOf(err) != "auth_invalid" {
		t.Fatalf("bad prefix err = %v, want auth_invalid", err)
	}
}

func TestAuthRequiredButUnconfiguredFailsClosed(t *testing.T) {
	t.Parallel()
	v := NewAuthVerifier(AuthConfig{Required: true})
	if v == nil {
		t.Fatalf("NewAuthVerifier returned nil for required config")
	}
	if err := v.Verify(Credentials{BearerToken: "anything"}); contract.CodeOf(err) != "auth_unconfigured" {
		t.Fatalf("err = %v, want auth_unconfigured", err)
	}
	if NewAuthVerifier(AuthConfig{}) != nil {
		t.Fatalf("optional unconfigured auth should be nil")
	}
}

func TestAllowlistPolicy(t *testing.T) {
	t.Parallel()
	p := NewAllowlistPolicy([]string{" Alice ", "BOB"}, false)
	if got := p.Evaluate("alice"); got != DecisionAllow {
		t.Fatalf("Evaluate(alice) = %v, want allow", got)
	}
	if got := p.Evaluate("mallory"); got != DecisionDeny {
		t.Fatalf("Evaluate(mallory) = %v, want deny", got)
	}
	empty := NewAllowlistPolicy(nil, false)
	if got := empty.Evaluate("anyone"); got != DecisionSkip {
		t.Fatalf("empty Evaluate = %v, want skip", got)
	}
	strictEmpty := NewAllowlistPolicy(nil, true)
	if got := strictEmpty.Evaluate("anyone"); got != DecisionDeny {
		t.Fatalf("strict empty Evaluate = %v, want deny", got)
	}
}

func TestIngressGateOrderAndFailClosed(t *testing.T) {
	t.Parallel()
	secret := []byte("s")
	body := []byte("payload")
	gate := NewIngressGate(nil,
		NewHMACVerifier(secret, EncodingHex, ""),
		NewReplayGuard(time.Minute, 10),
		NewAllowlistPolicy([]string{"alice"}, false),
	)
	good := GateRequest{
		Credentials: Credentials{Signature: ComputeHMAC(secret, body, EncodingHex), Body: body},
		RequestID:   "r1",
		Identity:    "alice",
	}
	if err := gate.Check(good); err != nil {
		t.Fatalf("valid request: %v", err)
	}
	// Auth failure wins over replay: same request id, broken signature.
	bad := good
	bad.Credentials.Signature = "deadbeef"
	if err := gate.Check(bad); contract.CodeOf(err) != "auth_invalid" {
		t.Fatalf("err = %v, want auth_invalid", err)
	}
	// Replay of r1.
	if err := gate.Check(good); contract.CodeOf(err) != "replay_detected" {
		t.Fatalf("err = %v, want replay_detected", err)
	}
	// Guard configured, id absent: reject, never skip.
	noID := good
	noID.RequestID = ""
	if err := gate.Check(noID); contract.CodeOf(err) != "replay_missing_id" {
		t.Fatalf("err = %v, want replay_missing_id", err)
	}
	// Allowlist configured, identity absent: reject.
	noIdentity := good
	noIdentity.RequestID = "r2"
	noIdentity.Identity = ""
	if err := gate.Check(noIdentity); contract.CodeOf(err) != "scope_missing_identity" {
		t.Fatalf("err = %v, want scope_missing_identity", err)
	}
	denied := good
	denied.RequestID = "r3"
	denied.Identity = "mallory"
	if err := gate.Check(denied); contract.CodeOf(err) != "scope_denied" {
		t.Fatalf("err = %v, want scope_denied", err)
	}
}
