package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

type fakeBots map[string]string

func (f fakeBots) ResolveBotToken(_ context.Context, token string) (string, error) {
	if token == "broken" {
		return "", errors.New("db down")
	}
	return f[token], nil
}

func TestVerify_UserToken(t *testing.T) {
	v := NewVerifier(testSecret, nil)

	id, err := v.Verify(context.Background(), signToken(t, testSecret, "u1", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || id.Bot {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerify_RejectsBadUserTokens(t *testing.T) {
	v := NewVerifier(testSecret, nil)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", signToken(t, "other", "u1", time.Now().Add(time.Hour))},
		{"expired", signToken(t, testSecret, "u1", time.Now().Add(-time.Minute))},
		{"no subject", signToken(t, testSecret, "", time.Now().Add(time.Hour))},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerify_NoSecretRejectsUsers(t *testing.T) {
	v := NewVerifier("", nil)
	token := signToken(t, "x", "u1", time.Now().Add(time.Hour))
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_BotToken(t *testing.T) {
	v := NewVerifier(testSecret, fakeBots{"abc123": "bot-1"})
	ctx := context.Background()

	id, err := v.Verify(ctx, "Bot abc123")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "bot-1" || !id.Bot {
		t.Errorf("identity = %+v", id)
	}

	if _, err := v.Verify(ctx, "Bot unknown"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown bot err = %v", err)
	}
	if _, err := v.Verify(ctx, "Bot "); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty bot err = %v", err)
	}
	if _, err := v.Verify(ctx, "Bot broken"); err == nil || errors.Is(err, ErrInvalidToken) {
		t.Errorf("store failure should surface, got %v", err)
	}
}

func TestVerify_BotWithoutStore(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	if _, err := v.Verify(context.Background(), "Bot abc123"); !errors.Is(err, ErrBotsUnavailable) {
		t.Errorf("err = %v, want ErrBotsUnavailable", err)
	}
}
