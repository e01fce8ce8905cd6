package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSession    = errors.New("no valid session")
)

// Verifier resolves an opaque bearer token to a user identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// JWTVerifier validates HMAC-signed JWTs and returns the subject claim
// as the user identity. Expiry is enforced by the parser.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return sub, nil
}

// CachedVerifier memoizes successful verifications for a bounded TTL,
// so a chatty client reconnecting with the same token does not pay for
// signature checks on every handshake. Failures are never cached.
type CachedVerifier struct {
	inner Verifier
	cache geche.Geche[string, string]
}

func NewCachedVerifier(ctx context.Context, inner Verifier, ttl time.Duration) *CachedVerifier {
	return &CachedVerifier{
		inner: inner,
		cache: geche.NewMapTTLCache[string, string](ctx, ttl, time.Minute),
	}
}

func (v *CachedVerifier) Verify(ctx context.Context, token string) (string, error) {
	if userID, err := v.cache.Get(token); err == nil {
		return userID, nil
	}

	userID, err := v.inner.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	v.cache.Set(token, userID)

	return userID, nil
}
