package api

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sandboxlabs/ssap/internal/httperr"
	"github.com/sandboxlabs/ssap/internal/metrics"
)

// closeAuthFailure is the close code sent when the handshake carries a
// missing, invalid, or under-privileged token.
const closeAuthFailure = 4401

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // relay auth happens via the access token, not origin
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsErrorFrame is the JSON frame sent before closing a tunnel that failed
// after the handshake was accepted.
type wsErrorFrame struct {
	Type      string `json:"type"`
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
}

// relayExecuteWS handles GET /v1/sandbox/relay/:sid/execute/ws: accept the
// client socket, authenticate the handshake token, dial the sandbox data
// plane with the server-held credential, then pump frames both ways until
// either side closes. Frames are forwarded opaquely, kind preserved; each
// direction keeps its own ordering.
func (s *Server) relayExecuteWS(c echo.Context) error {
	sessionID := c.Param("sid")

	client, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer client.Close()

	token, err := accessToken(c.Request())
	if err != nil {
		s.closeWithAuthError(client, err)
		return nil
	}
	rec, err := s.requireSessionForToken(c, token, sessionID, CapExecute)
	if err != nil {
		s.closeWithAuthError(client, err)
		return nil
	}

	upstreamURL := dataplaneWSExecuteURL(rec.DataplaneURL)
	headers := http.Header{}
	headers.Set("X-Api-Key", s.cfg.ProviderAPIKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	upstream, resp, err := dialer.Dial(upstreamURL, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		log.Printf("relay-ws: upstream dial failed for session %s (status=%d): %v", sessionID, status, err)
		_ = client.WriteJSON(wsErrorFrame{
			Type:      "error",
			ErrorType: "RelayError",
			Error:     "relay websocket failed: upstream unavailable",
		})
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""),
			time.Now().Add(time.Second))
		return nil
	}
	defer upstream.Close()

	metrics.WSTunnelsActive.Inc()
	defer metrics.WSTunnelsActive.Dec()

	// Dual pump: each goroutine owns all writes to its destination socket.
	// The first error from either direction tears down both sides; the
	// deferred Close calls unblock the surviving pump's blocked read.
	done := make(chan error, 2)
	go pump(client, upstream, "client_to_upstream", done)
	go pump(upstream, client, "upstream_to_client", done)

	<-done

	// Best-effort close notifications; errors on an already-dead socket are
	// expected and swallowed.
	deadline := time.Now().Add(time.Second)
	_ = upstream.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return nil
}

// closeWithAuthError sends the error envelope as a JSON frame and closes the
// client socket with the auth-failure code. Best effort on both writes.
func (s *Server) closeWithAuthError(client *websocket.Conn, err error) {
	var apiErr *httperr.Error
	if !errors.As(err, &apiErr) {
		apiErr = httperr.Unauthenticated(err.Error())
	}
	_ = client.WriteJSON(apiErr.EnvelopeFor())
	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeAuthFailure, apiErr.Code),
		time.Now().Add(time.Second))
}

// dataplaneWSExecuteURL converts a data plane HTTP URL to its WebSocket
// execute endpoint.
func dataplaneWSExecuteURL(dataplaneURL string) string {
	wsBase := strings.Replace(dataplaneURL, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)
	return strings.TrimRight(wsBase, "/") + "/execute/ws"
}

// pump forwards data frames from src to dst, preserving the frame kind.
// It exits on the first read or write error; the caller tears down both
// sides, which unblocks the peer pump.
func pump(src, dst *websocket.Conn, direction string, done chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			done <- err
			return
		}
		metrics.WSFramesTotal.WithLabelValues(direction).Inc()
	}
}
