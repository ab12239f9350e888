package auth

import (
	"testing"
	"time"
)

func TestTokenIssuerIssuesValidatableTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(" ops@example.com ", "admin")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("super-secret"), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Email() != "ops@example.com" || claims.UserRole != "admin" || claims.Subject != "ops@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}

func TestTokenIssuerRequiresEmail(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken("  ", "operator"); err == nil {
		t.Fatalf("expected error for blank email")
	}
}

func TestTokenIssuerExpiredTokensRejected(t *testing.T) {
	issued := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return issued },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	token, _, err := issuer.IssueSessionToken("ops@example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	validator, _ := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte("secret"),
		Clock:         func() time.Time { return issued.Add(time.Hour) },
	})
	if _, err := validator.ValidateToken(token); err != ErrExpiredSessionToken {
		t.Fatalf("expected expired token, got %v", err)
	}
}
