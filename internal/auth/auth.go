// Package auth resolves the credential presented in IDENTIFY to a user. User
// credentials are HMAC-signed JWTs; bot credentials carry a "Bot " prefix and
// are looked up in the bot store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// BotPrefix marks a bot credential.
const BotPrefix = "Bot "

var (
	// ErrInvalidToken is returned for any credential that does not resolve.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrBotsUnavailable is returned for bot credentials when no bot store
	// is configured.
	ErrBotsUnavailable = errors.New("auth: bot tokens not supported")
)

// Identity is a resolved credential.
type Identity struct {
	UserID string
	Bot    bool
}

// Claims is the JWT payload of a user token. The user id is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// BotResolver maps a raw bot token to its bot user id. It returns an empty
// id when the token is unknown.
type BotResolver interface {
	ResolveBotToken(ctx context.Context, token string) (string, error)
}

// Verifier checks IDENTIFY credentials.
type Verifier struct {
	secret []byte
	bots   BotResolver
}

// NewVerifier creates a Verifier for tokens signed with secret. bots may be
// nil, in which case bot credentials are rejected.
func NewVerifier(secret string, bots BotResolver) *Verifier {
	return &Verifier{secret: []byte(secret), bots: bots}
}

// Verify resolves token to an identity.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	if strings.HasPrefix(token, BotPrefix) {
		return v.verifyBot(ctx, strings.TrimSpace(strings.TrimPrefix(token, BotPrefix)))
	}
	return v.verifyUser(token)
}

func (v *Verifier) verifyUser(token string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject}, nil
}

func (v *Verifier) verifyBot(ctx context.Context, token string) (Identity, error) {
	if v.bots == nil {
		return Identity{}, ErrBotsUnavailable
	}
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	userID, err := v.bots.ResolveBotToken(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: resolve bot token: %w", err)
	}
	if userID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: userID, Bot: true}, nil
}
