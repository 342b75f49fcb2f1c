package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/authfront/internal/config"
	"github.com/dgellow/authfront/internal/controller"
	"github.com/dgellow/authfront/internal/cooldown"
	"github.com/dgellow/authfront/internal/crypto"
	"github.com/dgellow/authfront/internal/flow"
	"github.com/dgellow/authfront/internal/flowhub"
	"github.com/dgellow/authfront/internal/gateway"
	"github.com/dgellow/authfront/internal/idp"
	"github.com/dgellow/authfront/internal/log"
	"github.com/dgellow/authfront/internal/server"
	"github.com/dgellow/authfront/internal/session"
	"github.com/dgellow/authfront/internal/storage"
	"github.com/redis/go-redis/v9"
)

// AuthFront is the complete auth front application
type AuthFront struct {
	config     config.Config
	httpServer *server.HTTPServer
	storage    storage.Storage
	cleanup    *storage.CleanupManager
}

// NewAuthFront builds the application with all dependencies wired
func NewAuthFront(ctx context.Context, cfg config.Config) (*AuthFront, error) {
	log.LogInfoWithFields("authfront", "Building auth front", map[string]any{
		"baseURL": cfg.Server.BaseURL,
		"storage": cfg.Flows.Storage,
		"oauth":   cfg.OAuth != nil,
	})

	// The Redis client is shared by flow storage and the resend cooldown
	var redisClient *redis.Client
	if cfg.Flows.Storage == config.StorageRedis {
		client, err := storage.NewRedisClient(ctx, string(cfg.Flows.RedisURL))
		if err != nil {
			return nil, fmt.Errorf("failed to setup redis: %w", err)
		}
		redisClient = client
	}

	store, err := setupStorage(ctx, cfg, redisClient)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	gw, err := setupGateway(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup identity gateway: %w", err)
	}

	opts := controller.Options{
		Gateway:        gw,
		Limiter:        setupLimiter(cfg, redisClient),
		Timeout:        cfg.Identity.Timeout,
		AfterSignInURL: cfg.Server.AfterSignInURL,
		AfterSignUpURL: cfg.Server.AfterSignUpURL,
	}

	hub := flowhub.New(store, opts, flowhub.WithTTL(cfg.Flows.TTL))
	cleanup := storage.NewCleanupManager(hub, cfg.Flows.CleanupInterval)

	handlers := server.NewFlowHandlers(server.FlowHandlersConfig{
		Hub:        hub,
		Sessions:   session.NewManager(cfg.Session.CookieTTL),
		CSRFKey:    []byte(cfg.Session.CSRFKey),
		Controller: opts,
		Providers:  gw.Providers(),
		BaseURL:    cfg.Server.BaseURL,
		AppName:    cfg.Server.Name,
		FlowTTL:    cfg.Flows.TTL,
	})

	handler := buildHTTPHandler(cfg, handlers)

	return &AuthFront{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		storage:    store,
		cleanup:    cleanup,
	}, nil
}

// Run starts the application and blocks until shutdown
func (a *AuthFront) Run() error {
	log.LogInfoWithFields("authfront", "Starting auth front", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Channel to signal errors that should trigger shutdown
	errChan := make(chan error, 1)

	go func() {
		if err := a.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	a.cleanup.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("authfront", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("authfront", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("authfront", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("authfront", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	a.cleanup.Stop()

	// Redis storage also closes the client shared with the resend cooldown
	if err := a.storage.Close(); err != nil {
		log.LogWarnWithFields("authfront", "Failed to close flow storage", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("authfront", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return nil
}

// setupStorage creates the flow snapshot store for the configured backend
func setupStorage(ctx context.Context, cfg config.Config, redisClient *redis.Client) (storage.Storage, error) {
	flows := cfg.Flows
	if flows.Storage == config.StorageMemory {
		log.LogInfoWithFields("storage", "Using in-memory flow storage", map[string]any{})
		return storage.NewMemoryStorage(), nil
	}

	encryptor, err := crypto.NewEncryptor([]byte(flows.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	switch flows.Storage {
	case config.StorageRedis:
		log.LogInfoWithFields("storage", "Using Redis flow storage", map[string]any{})
		return storage.NewRedisStorage(redisClient, encryptor)
	case config.StorageFirestore:
		return storage.NewFirestoreStorage(ctx, flows.GCPProject, flows.FirestoreDatabase, flows.FirestoreCollection, encryptor)
	default:
		return nil, fmt.Errorf("unsupported flow storage %q", flows.Storage)
	}
}

// setupLimiter picks the resend cooldown. With Redis storage the cooldown is
// shared across replicas.
func setupLimiter(cfg config.Config, redisClient *redis.Client) flow.ResendLimiter {
	if redisClient != nil {
		return cooldown.NewRedisLimiter(redisClient, cfg.Flows.ResendCooldown)
	}
	return cooldown.NewMemoryLimiter(cfg.Flows.ResendCooldown)
}

// setupGateway builds the identity API client and, when OAuth providers are
// configured, the redirect handshake on top of it.
func setupGateway(cfg config.Config) (*gateway.Gateway, error) {
	client := gateway.NewClient(cfg.Identity.APIURL, string(cfg.Identity.SecretKey), cfg.Identity.Timeout)
	if cfg.OAuth == nil {
		return gateway.New(client, nil), nil
	}

	signer := crypto.NewTokenSigner([]byte(cfg.OAuth.StateKey), cfg.OAuth.StateTTL)
	redirector := gateway.NewRedirector(signer, client)
	for _, pc := range cfg.OAuth.Providers {
		provider, err := idp.NewProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s provider: %w", pc.Provider, err)
		}
		redirector.Register(provider, pc)
		log.LogInfoWithFields("authfront", "Registered OAuth provider", map[string]any{
			"provider": provider.Type(),
		})
	}
	return gateway.New(client, redirector), nil
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(cfg config.Config, handlers *server.FlowHandlers) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", server.NewHealthHandler(cfg.Server.Name))

	pageMiddleware := []server.MiddlewareFunc{
		server.NewSecurityHeadersMiddleware(),
		server.NewRecoverMiddleware("flows"),
		server.NewLoggerMiddleware("flows"),
	}
	apiMiddleware := []server.MiddlewareFunc{
		server.NewSecurityHeadersMiddleware(),
		server.NewRecoverMiddleware("api"),
		server.NewCORSMiddleware(cfg.Server.AllowedOrigins),
		server.NewLoggerMiddleware("api"),
	}
	server.RegisterFlowRoutes(mux, handlers, pageMiddleware, apiMiddleware)

	return mux
}
