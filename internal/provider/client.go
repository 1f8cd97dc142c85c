package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxlabs/ssap/internal/httperr"
	"github.com/sandboxlabs/ssap/internal/metrics"
)

// callTimeout bounds every control-plane call. No retries.
const callTimeout = 120 * time.Second

// Sandbox is the provider's view of a sandbox: the opaque name and the data
// plane URL the relay forwards to.
type Sandbox struct {
	Name         string `json:"name"`
	TemplateName string `json:"template_name,omitempty"`
	DataplaneURL string `json:"dataplane_url,omitempty"`
	ID           string `json:"id,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// Template is a provider sandbox template.
type Template struct {
	Name  string `json:"name"`
	Image string `json:"image"`
	ID    string `json:"id,omitempty"`
}

// TemplateSpec is the body for creating a template.
type TemplateSpec struct {
	Name    string `json:"name"`
	Image   string `json:"image"`
	CPU     string `json:"cpu,omitempty"`
	Memory  string `json:"memory,omitempty"`
	Storage string `json:"storage,omitempty"`
}

// Client is an HTTP client for the upstream sandbox control API. All errors
// it returns carry the SSAP taxonomy: not-found maps to SESSION_NOT_FOUND,
// template conflicts are swallowed, everything else is BACKEND_UNAVAILABLE.
type Client struct {
	controlBase string
	apiKey      string
	httpClient  *http.Client
}

// NewClient creates a provider client rooted at the control base URL
// (e.g. "https://api.smith.langchain.com/v2/sandboxes").
func NewClient(controlBase, apiKey string) *Client {
	return &Client{
		controlBase: strings.TrimRight(controlBase, "/"),
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
	}
}

// doRequest performs a control-plane request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.controlBase+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(opFromPath(path), "error").Inc()
		return nil, fmt.Errorf("execute request: %w", err)
	}
	metrics.ProviderRequestsTotal.WithLabelValues(opFromPath(path), strconv.Itoa(resp.StatusCode)).Inc()

	return resp, nil
}

// opFromPath labels a control call by its first path segment.
func opFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// ListTemplateNames returns the names of all templates the provider knows.
// The provider returns either a bare array or {"templates": [...]}.
func (c *Client) ListTemplateNames(ctx context.Context) ([]string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/templates", nil)
	if err != nil {
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"failed to list templates: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"failed to list templates (status %d): %s", resp.StatusCode, string(body))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"failed to read templates response: %v", err)
	}

	var direct []Template
	if err := json.Unmarshal(raw, &direct); err == nil {
		return templateNames(direct), nil
	}
	var wrapped struct {
		Templates []Template `json:"templates"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return templateNames(wrapped.Templates), nil
	}
	return nil, httperr.New(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
		"unrecognized templates response shape")
}

func templateNames(templates []Template) []string {
	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, t.Name)
	}
	return names
}

// EnsureTemplate creates a template, treating a conflict ("already exists")
// from the provider as success so the call is idempotent.
func (c *Client) EnsureTemplate(ctx context.Context, spec TemplateSpec) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/templates", spec)
	if err != nil {
		return httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"create template failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusConflict || isConflictMessage(string(body)) {
		return nil
	}
	return httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
		"create template failed (status %d): %s", resp.StatusCode, string(body))
}

// CreateSandbox creates a sandbox from a template. nameHint, when non-empty,
// asks the provider to use a specific sandbox name.
func (c *Client) CreateSandbox(ctx context.Context, templateName, nameHint string) (*Sandbox, error) {
	body := map[string]string{"template_name": templateName}
	if nameHint != "" {
		body["name"] = nameHint
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/boxes", body)
	if err != nil {
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"failed to create sandbox: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"failed to create sandbox (status %d): %s", resp.StatusCode, string(raw))
	}

	return decodeSandbox(resp.Body)
}

// GetSandbox fetches a sandbox descriptor by name. A provider 404 maps to
// SESSION_NOT_FOUND so an unknown sandbox_hint surfaces cleanly.
func (c *Client) GetSandbox(ctx context.Context, name string) (*Sandbox, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/boxes/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"failed to get sandbox: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, httperr.Newf(http.StatusNotFound, httperr.CodeSessionNotFound,
			"sandbox %q not found", name)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"failed to get sandbox (status %d): %s", resp.StatusCode, string(raw))
	}

	return decodeSandbox(resp.Body)
}

func decodeSandbox(r io.Reader) (*Sandbox, error) {
	var sb Sandbox
	if err := json.NewDecoder(r).Decode(&sb); err != nil {
		return nil, httperr.Newf(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"decode sandbox response: %v", err)
	}
	if sb.Name == "" {
		return nil, httperr.New(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"sandbox payload missing name")
	}
	if sb.DataplaneURL == "" {
		return nil, httperr.New(http.StatusServiceUnavailable, httperr.CodeBackendUnavailable,
			"sandbox missing dataplane_url")
	}
	sb.DataplaneURL = strings.TrimRight(sb.DataplaneURL, "/")
	return &sb, nil
}

func isConflictMessage(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "already exists") || strings.Contains(lower, "conflict")
}

// EnsureTemplateOnStartup makes sure the configured template exists before
// the server starts taking traffic. Failure here is fatal to service start.
func (c *Client) EnsureTemplateOnStartup(ctx context.Context, spec TemplateSpec) error {
	names, err := c.ListTemplateNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == spec.Name {
			return nil
		}
	}
	log.Printf("provider: template %q not found, creating (image=%s)", spec.Name, spec.Image)
	return c.EnsureTemplate(ctx, spec)
}
