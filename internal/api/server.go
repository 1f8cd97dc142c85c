package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sandboxlabs/ssap/internal/auth"
	"github.com/sandboxlabs/ssap/internal/config"
	"github.com/sandboxlabs/ssap/internal/httperr"
	"github.com/sandboxlabs/ssap/internal/metrics"
	"github.com/sandboxlabs/ssap/internal/session"
)

// upstreamTimeout bounds every relayed data-plane HTTP call.
const upstreamTimeout = 120 * time.Second

// Server holds the SSAP API server dependencies.
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	manager *session.Manager
	tokens  *auth.TokenService

	// relayClient forwards HTTP relay requests to sandbox data planes.
	relayClient *http.Client
}

// NewServer creates the SSAP API server with all routes configured.
func NewServer(cfg *config.Config, mgr *session.Manager, tokens *auth.TokenService) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httperr.EchoHandler()

	s := &Server{
		echo:    e,
		cfg:     cfg,
		manager: mgr,
		tokens:  tokens,
		relayClient: &http.Client{
			Timeout: upstreamTimeout,
		},
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check and metrics (no auth, available even when disabled)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := e.Group("/v1/sandbox", s.requireEnabled)

	// Session lifecycle
	v1.POST("/sessions", s.acquireSession)
	v1.GET("/sessions/:sid", s.getSession)
	v1.POST("/sessions/:sid/refresh", s.refreshSession)
	v1.DELETE("/sessions/:sid", s.releaseSession)

	// Relay
	v1.POST("/relay/:sid/execute", s.relayExecute)
	v1.POST("/relay/:sid/upload", s.relayUpload)
	v1.GET("/relay/:sid/download", s.relayDownload)
	v1.GET("/relay/:sid/execute/ws", s.relayExecuteWS)

	return s
}

// requireEnabled hides every SSAP route behind the service toggle.
func (s *Server) requireEnabled(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.cfg.Enabled {
			return httperr.NotFound("sandbox sessions are disabled")
		}
		return next(c)
	}
}

// Echo exposes the underlying echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}

// relayHTTPBaseURL builds the client-facing relay base for a session from
// the request's own base URL, so responses are correct behind any ingress
// host or TLS terminator.
func relayHTTPBaseURL(c echo.Context, sessionID string) string {
	return fmt.Sprintf("%s://%s/v1/sandbox/relay/%s", c.Scheme(), c.Request().Host, sessionID)
}

// relayWSBaseURL is relayHTTPBaseURL with the scheme swapped to ws/wss.
func relayWSBaseURL(c echo.Context, sessionID string) string {
	scheme := "ws"
	if c.Scheme() == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/v1/sandbox/relay/%s", scheme, c.Request().Host, sessionID)
}

// requireSessionForToken authenticates a relay request: verify the token,
// pin it to the path session, gate on the capability, then load the record
// and check principal ownership and expiry.
func (s *Server) requireSessionForToken(c echo.Context, token, sessionID, requiredCap string) (*session.Record, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != sessionID {
		return nil, httperr.Forbidden("token session mismatch")
	}
	if requiredCap != "" {
		if err := s.tokens.RequireCapability(claims, requiredCap); err != nil {
			return nil, err
		}
	}

	rec, err := s.manager.GetOwned(c.Request().Context(), claims.Subject, sessionID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// accessToken extracts the relay access token from request headers.
func accessToken(r *http.Request) (string, error) {
	return auth.ExtractAccessToken(
		r.Header.Get("Authorization"),
		r.Header.Get("X-Api-Key"),
	)
}

// isoUTC renders a timestamp the way the wire contract expects: ISO-8601
// UTC with a trailing "Z".
func isoUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
