package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sandboxlabs/ssap/internal/httperr"
	"github.com/sandboxlabs/ssap/internal/session"
)

// Claims are the JWT claims of an SSAP access token. A token grants its
// capabilities against exactly one session (sid) for one principal (sub).
type Claims struct {
	jwt.RegisteredClaims
	SessionID    string   `json:"sid"`
	ThreadID     string   `json:"thread_id"`
	SandboxID    string   `json:"sandbox_id"`
	Capabilities []string `json:"caps"`
}

// HasCapability reports whether the token asserts cap.
func (c *Claims) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// TokenService mints and verifies HS256 session access tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	caps   []string
	now    func() time.Time
}

// NewTokenService creates a token service with the given signing secret,
// issuer, token lifetime, and capability set to assert on issued tokens.
func NewTokenService(secret, issuer string, ttl time.Duration, caps []string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		caps:   caps,
		now:    time.Now,
	}
}

// Issue creates an access token bound to the session record. Returns the
// signed token and its expiry.
func (t *TokenService) Issue(rec *session.Record) (string, time.Time, error) {
	now := t.now().UTC()
	exp := now.Add(t.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   rec.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        newJTI(),
		},
		SessionID:    rec.SessionID,
		ThreadID:     rec.ThreadID,
		SandboxID:    rec.SandboxName,
		Capabilities: t.caps,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses and validates an access token: HS256 signature, issuer,
// expiry, and presence of the sid/sub/iat claims. Expiry maps to
// TOKEN_EXPIRED, everything else to UNAUTHENTICATED.
func (t *TokenService) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(tok *jwt.Token) (interface{}, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return t.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, httperr.TokenExpired("token expired")
		}
		return nil, httperr.Unauthenticated("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, httperr.Unauthenticated("invalid token claims")
	}
	if claims.IssuedAt == nil || claims.SessionID == "" || claims.Subject == "" {
		return nil, httperr.Unauthenticated("token missing required claims")
	}
	return claims, nil
}

// RequireCapability returns CAPABILITY_DENIED when the token lacks cap.
func (t *TokenService) RequireCapability(claims *Claims, cap string) error {
	if !claims.HasCapability(cap) {
		return httperr.Newf(403, httperr.CodeCapabilityDenied, "missing capability: %s", cap)
	}
	return nil
}

// ExtractAccessToken pulls the access token from request headers. A Bearer
// Authorization header is preferred; X-Api-Key is accepted as a fallback for
// clients that cannot set Authorization (e.g. browser WebSocket handshakes).
func ExtractAccessToken(authorization, apiKey string) (string, error) {
	if authorization != "" {
		parts := strings.SplitN(authorization, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", httperr.Unauthenticated("expected Bearer token")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		return key, nil
	}
	return "", httperr.Unauthenticated("missing access token")
}

// newJTI returns a random URL-safe token identifier.
func newJTI() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
