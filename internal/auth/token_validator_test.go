package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestPair(t *testing.T, clock func() time.Time) (*TokenIssuer, *TokenValidator) {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return issuer, validator
}

func TestTokenValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, validator := newTestPair(t, func() time.Time { return clockNow })

	signed, _, err := issuer.Issue(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if claims.HasRole(RoleAdmin) {
		t.Fatalf("did not expect admin role")
	}
}

func TestTokenValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := newTestPair(t, func() time.Time { return clockNow.Add(-2 * time.Hour) })
	_, validator := newTestPair(t, func() time.Time { return clockNow })

	signed, _, err := issuer.Issue(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredAccessToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenValidatorRejectsForeignIssuer(t *testing.T) {
	_, validator := newTestPair(t, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID: testUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testUserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidAccessToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestTokenValidatorValidateRequestUsesBearerHeader(t *testing.T) {
	issuer, validator := newTestPair(t, nil)
	signed, _, err := issuer.Issue(context.Background(), testUserID, RoleAdmin)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/_matrix/client/v3/user_directory/search", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if !claims.HasRole(RoleAdmin) {
		t.Fatalf("expected admin role")
	}

	queryRequest := httptest.NewRequest(http.MethodPost, "/_matrix/client/v3/user_directory/search?access_token="+signed, http.NoBody)
	if _, err := validator.ValidateRequest(queryRequest); err != nil {
		t.Fatalf("query token validation failed: %v", err)
	}

	bare := httptest.NewRequest(http.MethodPost, "/_matrix/client/v3/user_directory/search", http.NoBody)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingAccessToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
