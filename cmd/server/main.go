package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandboxlabs/ssap/internal/api"
	"github.com/sandboxlabs/ssap/internal/auth"
	"github.com/sandboxlabs/ssap/internal/config"
	"github.com/sandboxlabs/ssap/internal/provider"
	"github.com/sandboxlabs/ssap/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if !cfg.Enabled {
		log.Println("ssap: disabled by config, all sandbox routes will return 404")
	}

	prov := provider.NewClient(cfg.ControlBase, cfg.ProviderAPIKey)

	// Make sure the sandbox template exists before taking traffic.
	// Failure here is fatal: sessions could never be created anyway.
	if cfg.Enabled && cfg.AutoCreateTemplate {
		if cfg.ProviderAPIKey == "" {
			log.Fatal("ssap: provider API key is required (set SSAP_PROVIDER_API_KEY)")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		if err := prov.EnsureTemplateOnStartup(ctx, provider.TemplateSpec{
			Name:    cfg.TemplateName,
			Image:   cfg.TemplateImage,
			CPU:     cfg.TemplateCPU,
			Memory:  cfg.TemplateMemory,
			Storage: cfg.TemplateStorage,
		}); err != nil {
			cancel()
			log.Fatalf("ssap: template bootstrap failed: %v", err)
		}
		cancel()
		log.Printf("ssap: sandbox template %q ready", cfg.TemplateName)
	}

	// Session store: shared Redis when configured, in-process memory
	// otherwise.
	var store session.Store
	if cfg.RedisURL != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.CachePrefix)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
		log.Println("ssap: using Redis session store")
	} else {
		store = session.NewMemoryStore()
		log.Println("ssap: using in-memory session store")
	}

	mgr := session.NewManager(store, prov, session.ManagerConfig{
		ProviderTag:   cfg.ProviderTag,
		TemplateName:  cfg.TemplateName,
		SessionMaxAge: cfg.SessionMaxAge(),
	})
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL(), cfg.Capabilities)

	server := api.NewServer(cfg, mgr, tokens)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("ssap: starting server on %s (provider=%s, token_ttl=%dm, session_max=%dh)",
		addr, cfg.ProviderTag, cfg.TokenTTLMinutes, cfg.SessionMaxHours)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("ssap: shutting down...")
	if err := server.Close(); err != nil {
		log.Printf("error closing server: %v", err)
	}
}
