package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sandboxlabs/ssap/internal/httperr"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssap_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssap_sessions_created_total",
			Help: "Total sandbox sessions created",
		},
	)

	SessionsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssap_sessions_released_total",
			Help: "Total sandbox sessions explicitly released",
		},
	)

	RelayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssap_relay_requests_total",
			Help: "Total HTTP relay requests by operation and upstream status",
		},
		[]string{"op", "status"},
	)

	WSTunnelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssap_ws_tunnels_active",
			Help: "Number of open WebSocket relay tunnels",
		},
	)

	WSFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssap_ws_frames_total",
			Help: "Total WebSocket frames forwarded by direction",
		},
		[]string{"direction"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssap_provider_requests_total",
			Help: "Total provider control-plane calls",
		},
		[]string{"op", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		SessionsCreatedTotal,
		SessionsReleasedTotal,
		RelayRequestsTotal,
		WSTunnelsActive,
		WSFramesTotal,
		ProviderRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that counts HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			// Errors are rendered by the error handler after this
			// middleware unwinds, so the response status is not yet set.
			status := c.Response().Status
			if err != nil {
				var apiErr *httperr.Error
				var echoErr *echo.HTTPError
				switch {
				case errors.As(err, &apiErr):
					status = apiErr.Status
				case errors.As(err, &echoErr):
					status = echoErr.Code
				default:
					status = http.StatusInternalServerError
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}
