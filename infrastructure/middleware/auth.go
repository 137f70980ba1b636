package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// ErrInvalidToken wraps every identity token rejection.
var ErrInvalidToken = ports.ErrInvalidToken

// identityKey is the echo context key holding the verified ports.Identity.
const identityKey = "identity"

type identityCtxKey struct{}

// JWTVerifier verifies HS256 identity tokens carrying sub and email claims.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ ports.IdentityVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secret []byte, issuer string) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret is not configured")
	}
	return &JWTVerifier{secret: secret, issuer: issuer, now: time.Now}, nil
}

// VerifyIdentityToken validates token and returns its identity.
func (v *JWTVerifier) VerifyIdentityToken(token string) (ports.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...)
	if err != nil || !parsed.Valid {
		return ports.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return ports.Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	email, _ := claims["email"].(string)
	return ports.Identity{UserID: sub, Email: email}, nil
}

// SignIdentityToken issues an HS256 token for identity that expires after ttl.
func SignIdentityToken(identity ports.Identity, secret []byte, issuer string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": identity.UserID,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	if identity.Email != "" {
		claims["email"] = identity.Email
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// EchoAuth rejects requests without a valid bearer token and stores the
// caller's identity on the echo and request contexts.
func EchoAuth(verifier ports.IdentityVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := bearerToken(c.Request())
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			identity, err := verifier.VerifyIdentityToken(tok)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(identityKey, identity)
			c.SetRequest(c.Request().WithContext(ContextWithIdentity(c.Request().Context(), identity)))
			return next(c)
		}
	}
}

// IdentityFrom returns the identity EchoAuth stored on c.
func IdentityFrom(c echo.Context) (ports.Identity, bool) {
	identity, ok := c.Get(identityKey).(ports.Identity)
	return identity, ok
}

// ContextWithIdentity attaches identity to ctx.
func ContextWithIdentity(ctx context.Context, identity ports.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

// IdentityFromContext returns the identity attached to ctx.
func IdentityFromContext(ctx context.Context) (ports.Identity, bool) {
	identity, ok := ctx.Value(identityCtxKey{}).(ports.Identity)
	return identity, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
