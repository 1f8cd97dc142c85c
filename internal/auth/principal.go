package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// ContextKeyPrincipal is the echo context key under which an ingress
// authenticator stores the caller identity.
const ContextKeyPrincipal = "ssap_principal"

// AnonymousPrincipal is the stable fallback identity used when the ingress
// provides none, so agent and client still bind to the same shared session
// in local development.
const AnonymousPrincipal = "client:anonymous"

// SetPrincipal stores the caller identity in the echo context. Ingress auth
// middleware calls this after authenticating the request.
func SetPrincipal(c echo.Context, principalID string) {
	c.Set(ContextKeyPrincipal, principalID)
}

// Principal resolves the caller identity for a request. Order: identity set
// by the ingress authenticator, then the trusted X-Auth-Identity header,
// then the anonymous fallback. Principal strings are opaque.
func Principal(c echo.Context) string {
	if v, ok := c.Get(ContextKeyPrincipal).(string); ok {
		if id := strings.TrimSpace(v); id != "" {
			return id
		}
	}
	if id := strings.TrimSpace(c.Request().Header.Get("X-Auth-Identity")); id != "" {
		return id
	}
	return AnonymousPrincipal
}
