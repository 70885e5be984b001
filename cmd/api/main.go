package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"unifiedauth/internal/auth"
	"unifiedauth/internal/config"
	transporthttp "unifiedauth/internal/http"
	"unifiedauth/internal/metrics"
	"unifiedauth/internal/notify"
	"unifiedauth/internal/platform/database"
	"unifiedauth/internal/platform/logging"
	"unifiedauth/internal/platform/migrate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	if cfg.JWTSecretGenerated {
		logger.Warn("JWT_SECRET not set; using an ephemeral secret, sessions will not survive a restart")
	}

	repo, cleanup, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	notifier, closeNotifier, err := buildNotifier(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize notifier", "error", err)
		os.Exit(1)
	}
	if closeNotifier != nil {
		defer closeNotifier()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	tokens, err := auth.NewTokenCodec(cfg.JWTSecret)
	if err != nil {
		logger.Error("failed to initialize token codec", "error", err)
		os.Exit(1)
	}
	sessions := auth.NewSessionIssuer(tokens, cfg.SecureCookies())

	opts := []auth.Option{
		auth.WithHasher(auth.NewBcryptHasher(cfg.BcryptCost)),
		auth.WithNotifier(notifier),
		auth.WithRecorder(collector),
		auth.WithLogger(logger),
		auth.WithResetURL(cfg.ResetURL()),
		auth.WithOAuthTimeout(cfg.OAuthTimeout),
	}
	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize oauth providers", "error", err)
		os.Exit(1)
	}
	for _, p := range providers {
		opts = append(opts, auth.WithOAuthProvider(p))
	}
	authService := auth.NewService(repo, tokens, sessions, opts...)

	if cfg.UseInMemoryStore() && cfg.IsDevelopment() {
		seedDemoIdentity(ctx, authService, logger)
	}

	limiter := transporthttp.NewRateLimiter(cfg.RateLimitPerMinute, logger)
	defer limiter.Stop()

	router := transporthttp.NewRouter(cfg, transporthttp.RouterDeps{
		Auth:     authService,
		Sessions: sessions,
		Limiter:  limiter,
		Metrics:  metrics.Handler(registry),
		Statuses: collector,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	go func() {
		logger.Info("auth API listening", "addr", srv.Addr, "store", cfg.DataStore, "providers", authService.Providers())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (auth.Repository, func(), error) {
	switch cfg.DataStore {
	case "postgres":
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}

		cleanup := func() {
			_ = db.Close()
		}

		if err := migrate.Apply(ctx, db, logger); err != nil {
			cleanup()
			return nil, nil, err
		}

		logger.Info("connected to postgres")
		return auth.NewPostgresRepository(db), cleanup, nil

	case "mongo":
		client, db, err := database.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}

		cleanup := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}

		repo := auth.NewMongoRepository(db, "users")
		if err := repo.EnsureIndexes(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}

		logger.Info("connected to mongo", "database", cfg.MongoDB)
		return repo, cleanup, nil

	default:
		logger.Info("using in-memory repository")
		return auth.NewInMemoryRepository(), nil, nil
	}
}

func buildNotifier(cfg config.Config, logger *slog.Logger) (auth.Notifier, func(), error) {
	if cfg.Notifier != "nats" {
		return notify.NewLogNotifier(logger), nil, nil
	}

	nc, err := notify.Connect(cfg.NATSURL, "unifiedauth")
	if err != nil {
		return nil, nil, err
	}
	notifier, err := notify.NewNATSNotifier(nc, cfg.NATSSubjectPrefix)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	logger.Info("publishing notifications to nats", "url", nc.ConnectedUrlRedacted(), "prefix", cfg.NATSSubjectPrefix)
	return notifier, func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain failed", "error", err)
		}
	}, nil
}

func buildProviders(ctx context.Context, cfg config.Config) ([]auth.OAuthProvider, error) {
	var providers []auth.OAuthProvider

	if cfg.Google.Enabled() {
		google, err := auth.NewGoogleProvider(ctx, auth.GoogleConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.CallbackURL(string(auth.ProviderGoogle)),
		})
		if err != nil {
			return nil, fmt.Errorf("google: %w", err)
		}
		providers = append(providers, google)
	}

	if cfg.GitHub.Enabled() {
		providers = append(providers, auth.NewGitHubProvider(auth.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.CallbackURL(string(auth.ProviderGitHub)),
		}))
	}

	return providers, nil
}
