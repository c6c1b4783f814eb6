package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJWTManager_GenerateAndVerify(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)

	token, exp, err := m.GenerateToken("uid-ada", "ada@example.com")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past: %v", exp)
	}

	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if claims.UserID != "uid-ada" || claims.Email != "ada@example.com" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestJWTManager_NormalizeEmailClaim(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)

	token, _, err := m.GenerateToken("uid-1", "  User.Case@Example.COM ")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	claims, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if claims.Email != "user.case@example.com" {
		t.Fatalf("expected normalized email in claims, got %s", claims.Email)
	}
}

func TestJWTManager_RejectsBadTokens(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)
	other := NewJWTManager("other-secret", 5*time.Minute)
	expired := NewJWTManager("test-secret", -time.Minute)

	foreign, _, _ := other.GenerateToken("uid-1", "a@example.com")
	stale, _, _ := expired.GenerateToken("uid-1", "a@example.com")

	for name, tok := range map[string]string{
		"garbage":      "not.a.token",
		"wrong secret": foreign,
		"expired":      stale,
	} {
		if _, err := m.VerifyToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	if _, _, err := m.GenerateToken("", "a@example.com"); err == nil {
		t.Fatal("expected error for empty uid")
	}
}

func TestJWTManager_Rotation(t *testing.T) {
	keys := map[string]string{"k1": "secret-one", "k2": "secret-two"}
	m := NewJWTManagerFromKeys(keys, "k2", 5*time.Minute)

	tkn2, _, err := m.GenerateToken("uid-rot", "rot@example.com")
	if err != nil {
		t.Fatalf("GenerateToken (k2) failed: %v", err)
	}
	if _, err := m.VerifyToken(tkn2); err != nil {
		t.Fatalf("VerifyToken (k2) failed: %v", err)
	}

	// a token issued while k1 was active must still verify
	mOld := NewJWTManagerFromKeys(keys, "k1", 5*time.Minute)
	tkn1, _, err := mOld.GenerateToken("uid-rot", "rot@example.com")
	if err != nil {
		t.Fatalf("GenerateToken (k1) failed: %v", err)
	}
	if _, err := m.VerifyToken(tkn1); err != nil {
		t.Fatalf("VerifyToken (old k1) failed: %v", err)
	}

	// once k1 is retired its tokens are rejected
	retired := NewJWTManagerFromKeys(map[string]string{"k2": "secret-two"}, "k2", 5*time.Minute)
	if _, err := retired.VerifyToken(tkn1); err == nil {
		t.Fatal("expected retired key to be rejected")
	}
}

func TestParseKeys(t *testing.T) {
	keys, err := ParseKeys("k1:one, k2:two,")
	if err != nil {
		t.Fatalf("ParseKeys failed: %v", err)
	}
	if len(keys) != 2 || keys["k1"] != "one" || keys["k2"] != "two" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	for _, bad := range []string{"", "novalue", ":secret", "k1:"} {
		if _, err := ParseKeys(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestPeekClaims(t *testing.T) {
	m := NewJWTManager("server-only", 5*time.Minute)
	token, _, err := m.GenerateToken("uid-ada", "ada@example.com")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := PeekClaims(token)
	if err != nil {
		t.Fatalf("PeekClaims failed: %v", err)
	}
	if claims.UserID != "uid-ada" || claims.Email != "ada@example.com" {
		t.Fatalf("claims mismatch: %+v", claims)
	}

	stale, _, _ := NewJWTManager("server-only", -time.Minute).GenerateToken("uid-ada", "ada@example.com")
	if _, err := PeekClaims(stale); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
	if _, err := PeekClaims("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected garbage to be rejected, got %v", err)
	}
}

func TestClaimsContext(t *testing.T) {
	if _, ok := ClaimsFromContext(context.Background()); ok {
		t.Fatal("unexpected claims in empty context")
	}
	ctx := WithClaims(context.Background(), &Claims{UserID: "uid-1"})
	c, ok := ClaimsFromContext(ctx)
	if !ok || c.UserID != "uid-1" {
		t.Fatalf("claims not found: %+v %v", c, ok)
	}
}
