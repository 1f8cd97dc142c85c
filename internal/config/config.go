package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Default control base for the upstream sandbox provider.
const defaultControlBase = "https://api.smith.langchain.com/v2/sandboxes"

// Config holds all configuration for the SSAP server. It is read once at
// startup and never mutated afterwards.
type Config struct {
	Enabled bool
	Port    int

	// Token service
	JWTSecret       string
	JWTIssuer       string
	TokenTTLMinutes int
	SessionMaxHours int
	Capabilities    []string

	// Session store
	CachePrefix string
	RedisURL    string // empty = in-process memory store

	// Upstream provider
	ProviderTag        string
	ProviderAPIKey     string
	ControlBase        string
	Endpoint           string
	TemplateName       string
	TemplateImage      string
	TemplateCPU        string
	TemplateMemory     string
	TemplateStorage    string
	AutoCreateTemplate bool

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM
	// credentials. The secret is a JSON object keyed by env var names; env
	// vars take precedence over secret values.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If SSAP_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top.
func Load() (*Config, error) {
	if arn := os.Getenv("SSAP_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Enabled: envOrDefaultBool("SSAP_ENABLED", true),
		Port:    envOrDefaultInt("SSAP_PORT", 8080),

		JWTSecret:       envOrDefault("SSAP_JWT_SECRET", "dev-only-ssap-secret-change-me"),
		JWTIssuer:       envOrDefault("SSAP_JWT_ISSUER", "ssap"),
		TokenTTLMinutes: atLeast(1, envOrDefaultInt("SSAP_TOKEN_TTL_MINUTES", 60)),
		SessionMaxHours: atLeast(1, envOrDefaultInt("SSAP_SESSION_MAX_HOURS", 8)),
		Capabilities:    splitList(envOrDefault("SSAP_CAPS", "execute,upload,download")),

		CachePrefix: envOrDefault("SSAP_CACHE_PREFIX", "ssap"),
		RedisURL:    os.Getenv("SSAP_REDIS_URL"),

		ProviderTag:        envOrDefault("SSAP_PROVIDER", "langsmith"),
		ProviderAPIKey:     providerAPIKey(),
		TemplateName:       envOrDefault("SSAP_TEMPLATE_NAME", "ssap-default"),
		TemplateImage:      envOrDefault("SSAP_TEMPLATE_IMAGE", "python:3.12-slim"),
		TemplateCPU:        strings.TrimSpace(os.Getenv("SSAP_TEMPLATE_CPU")),
		TemplateMemory:     strings.TrimSpace(os.Getenv("SSAP_TEMPLATE_MEMORY")),
		TemplateStorage:    strings.TrimSpace(os.Getenv("SSAP_TEMPLATE_STORAGE")),
		AutoCreateTemplate: envOrDefaultBool("SSAP_AUTO_CREATE_TEMPLATE", true),

		SecretsARN: os.Getenv("SSAP_SECRETS_ARN"),
	}

	cfg.ControlBase, cfg.Endpoint = resolveProviderURLs()

	return cfg, nil
}

// TokenTTL returns the access token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// SessionMaxAge returns the session lifetime.
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxHours) * time.Hour
}

// HasCapability reports whether cap is in the configured capability set.
func (c *Config) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// providerAPIKey resolves the upstream credential. SSAP_PROVIDER_API_KEY
// wins; the LangSmith env var chain is accepted as a fallback so the server
// works in environments already configured for the provider's own SDKs.
func providerAPIKey() string {
	for _, name := range []string{
		"SSAP_PROVIDER_API_KEY",
		"LANGSMITH_API_KEY",
		"LANGGRAPH_API_KEY",
		"LANGCHAIN_API_KEY",
	} {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key
		}
	}
	return ""
}

// resolveProviderURLs resolves the control base (where sandbox calls go) and
// the API root together, so either env var can stand alone. An explicit
// SSAP_PROVIDER_CONTROL_BASE wins for the base; otherwise an explicit
// SSAP_PROVIDER_ENDPOINT has /v2/sandboxes appended to it. The root is the
// base with that suffix stripped.
func resolveProviderURLs() (controlBase, endpoint string) {
	const suffix = "/v2/sandboxes"

	endpoint = strings.TrimRight(strings.TrimSpace(os.Getenv("SSAP_PROVIDER_ENDPOINT")), "/")
	controlBase = strings.TrimRight(strings.TrimSpace(os.Getenv("SSAP_PROVIDER_CONTROL_BASE")), "/")
	if controlBase == "" {
		if endpoint != "" {
			return endpoint + suffix, endpoint
		}
		controlBase = defaultControlBase
	}
	if endpoint == "" {
		if strings.HasSuffix(controlBase, suffix) {
			endpoint = strings.TrimSuffix(controlBase, suffix)
		} else {
			endpoint = controlBase
		}
	}
	return controlBase, endpoint
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envOrDefaultInt falls back to the default on unset or malformed values.
func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func atLeast(min, v int) int {
	if v < min {
		return min
	}
	return v
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
