package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxlabs/ssap/pkg/types"
)

// Client is an HTTP client for the SSAP API. Session calls authenticate
// with the caller's ingress credential; relay calls use the session access
// token returned by Acquire.
type Client struct {
	baseURL    string
	identity   string // optional X-Auth-Identity for dev/ingress-less setups
	httpClient *http.Client
}

// APIError is a non-2xx SSAP response decoded from the error envelope.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ssap API error (status %d, code %s): %s", e.Status, e.Code, e.Message)
}

// NewClient creates a new SSAP API client.
func NewClient(baseURL, identity string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		httpClient: &http.Client{
			Timeout: 130 * time.Second,
		},
	}
}

// doRequest performs an HTTP request, optionally carrying the identity
// header and a session token.
func (c *Client) doRequest(ctx context.Context, method, path, token string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.identity != "" {
		req.Header.Set("X-Auth-Identity", c.identity)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// decodeError turns a non-2xx response into an *APIError.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var envelope struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: string(raw)}
	}
	return &APIError{
		Status:    resp.StatusCode,
		Code:      envelope.Error.Code,
		Message:   envelope.Error.Message,
		Retryable: envelope.Error.Retryable,
	}
}

// Acquire binds (or looks up) the session for a thread and returns it with
// a fresh access token.
func (c *Client) Acquire(ctx context.Context, req types.AcquireRequest) (*types.AcquireResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/sandbox/sessions", "", bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out types.AcquireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// GetSession fetches an owned session by ID with a fresh token.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*types.AcquireResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/sandbox/sessions/"+url.PathEscape(sessionID), "", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out types.AcquireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Refresh re-mints a session token.
func (c *Client) Refresh(ctx context.Context, sessionID string) (*types.RefreshResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/sandbox/sessions/"+url.PathEscape(sessionID)+"/refresh", "", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out types.RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Release deletes a session.
func (c *Client) Release(ctx context.Context, sessionID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/v1/sandbox/sessions/"+url.PathEscape(sessionID), "", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Execute relays an execute payload to the sandbox and returns the raw
// upstream response body.
func (c *Client) Execute(ctx context.Context, sessionID, token string, payload []byte) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodPost,
		"/v1/sandbox/relay/"+url.PathEscape(sessionID)+"/execute",
		token, bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: string(out)}
	}
	return out, nil
}

// Upload writes bytes to a file inside the sandbox.
func (c *Client) Upload(ctx context.Context, sessionID, token, path string, data []byte) error {
	resp, err := c.doRequest(ctx, http.MethodPost,
		"/v1/sandbox/relay/"+url.PathEscape(sessionID)+"/upload?path="+url.QueryEscape(path),
		token, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	return nil
}

// Download streams a file out of the sandbox. The caller owns the returned
// reader and must close it.
func (c *Client) Download(ctx context.Context, sessionID, token, path string) (io.ReadCloser, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		"/v1/sandbox/relay/"+url.PathEscape(sessionID)+"/download?path="+url.QueryEscape(path),
		token, nil, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// ExecuteWS opens the full-duplex execute tunnel for a session. The caller
// owns the returned connection.
func (c *Client) ExecuteWS(ctx context.Context, sessionID, token string) (*websocket.Conn, error) {
	wsBase := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)
	wsURL := wsBase + "/v1/sandbox/relay/" + url.PathEscape(sessionID) + "/execute/ws"

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}
