package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func newHS256Verifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{Algorithm: "HS256", SecretKey: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier() failed: %v", err)
	}
	return v
}

func TestNewVerifierConfigValidation(t *testing.T) {
	if _, err := NewVerifier(VerifierConfig{Algorithm: "HS256"}); err == nil {
		t.Error("NewVerifier accepted HS256 without a secret")
	}
	if _, err := NewVerifier(VerifierConfig{Algorithm: "RS256"}); err == nil {
		t.Error("NewVerifier accepted RS256 without a public key")
	}
	if _, err := NewVerifier(VerifierConfig{Algorithm: "none"}); err == nil {
		t.Error("NewVerifier accepted an unsupported algorithm")
	}
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	v := newHS256Verifier(t)
	token := signHS256(t, jwt.MapClaims{
		"sub":    "operator-1",
		"roles":  []string{RoleOperator},
		"scopes": []string{ScopeRead, ScopeControl},
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken() failed: %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Errorf("Subject = %q, want operator-1", claims.Subject)
	}
	if !claims.HasScope(ScopeControl) {
		t.Error("control scope missing from claims")
	}
	if claims.HasScope("admin") {
		t.Error("HasScope reported a scope the token does not carry")
	}
}

func TestVerifyTokenRejections(t *testing.T) {
	v := newHS256Verifier(t)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", "  "},
		{"garbage", "not.a.jwt"},
		{
			"expired",
			signHS256(t, jwt.MapClaims{
				"sub":    "operator-1",
				"roles":  []string{RoleOperator},
				"scopes": []string{ScopeRead},
				"exp":    time.Now().Add(-time.Hour).Unix(),
			}),
		},
		{
			"missing sub",
			signHS256(t, jwt.MapClaims{
				"roles":  []string{RoleViewer},
				"scopes": []string{ScopeRead},
			}),
		},
		{
			"unknown role",
			signHS256(t, jwt.MapClaims{
				"sub":    "x",
				"roles":  []string{"superuser"},
				"scopes": []string{ScopeRead},
			}),
		},
		{
			"unknown scope",
			signHS256(t, jwt.MapClaims{
				"sub":    "x",
				"roles":  []string{RoleViewer},
				"scopes": []string{"delete"},
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.VerifyToken(tt.token); err == nil {
				t.Error("VerifyToken() accepted the token")
			}
		})
	}
}

func TestVerifyTokenRejectsWrongSignature(t *testing.T) {
	v := newHS256Verifier(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "operator-1",
		"roles":  []string{RoleOperator},
		"scopes": []string{ScopeRead},
	})
	signed, err := token.SignedString([]byte("a-different-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	if _, err := v.VerifyToken(signed); err == nil {
		t.Error("VerifyToken() accepted a token signed with the wrong key")
	}
}
