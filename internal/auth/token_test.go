package auth

import (
	"strings"
	"testing"
	"time"
)

func validClaims() Claims {
	return Claims{
		Sub:   "usr_1",
		Email: "alice@example.com",
		Name:  "Alice",
		JTI:   "jti_1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	}
}

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	token, err := IssueToken(secret, validClaims())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Sub != "usr_1" || claims.Email != "alice@example.com" || claims.JTI != "jti_1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a"), validClaims())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken([]byte("secret-b"), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsTamperedPayload(t *testing.T) {
	secret := []byte("secret")
	token, err := IssueToken(secret, validClaims())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "x." + parts[1]
	if _, err := ParseToken(secret, tampered); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	secret := []byte("secret")
	claims := validClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken(secret, token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRejectsIncompleteClaims(t *testing.T) {
	secret := []byte("secret")
	claims := validClaims()
	claims.JTI = ""
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken(secret, token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for missing jti, got %v", err)
	}
}

func TestParseRejectsMalformedToken(t *testing.T) {
	for _, token := range []string{"", "just-one-part", "a.b.c"} {
		if _, err := ParseToken([]byte("secret"), token); err != ErrInvalidToken {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("value") != HashToken("value") {
		t.Fatalf("expected deterministic hash")
	}
	if HashToken("value") == HashToken("other") {
		t.Fatalf("expected distinct hashes for distinct values")
	}
}
