package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/user/linearpr/internal/admin"
	"github.com/user/linearpr/internal/config"
	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/linear"
	"github.com/user/linearpr/internal/matcher"
	"github.com/user/linearpr/internal/notifier"
	"github.com/user/linearpr/internal/pipeline"
	"github.com/user/linearpr/internal/reconcile"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/internal/telegram"
	"github.com/user/linearpr/internal/webhook"
	"github.com/user/linearpr/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_ = logger.Init(logger.Options{Level: "debug"})
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logger.Init(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File, Format: cfg.Log.Format}); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	logger.Info().Msg("Starting Linear PR automation")

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	store, err := storage.NewStore(db, cfg.Storage.TokenKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize store")
	}
	logger.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	app, err := github.NewApp(github.AppConfig{
		AppID:      cfg.GitHub.AppID,
		PrivateKey: cfg.GitHub.PrivateKey,
		Slug:       cfg.GitHub.AppSlug,
		BaseURL:    cfg.GitHub.APIURL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize GitHub App")
	}
	installs := webhook.AppInstallations{App: app}

	// A matcher without a Linear source reports every branch as unmatched.
	var issues matcher.IssueSource
	linearClient, err := linear.NewClient(linear.Config{
		APIKey:      cfg.Linear.APIKey,
		AccessToken: cfg.Linear.AccessToken,
		APIURL:      cfg.Linear.APIURL,
	})
	switch {
	case errors.Is(err, linear.ErrNoCredentials):
		logger.Warn().Msg("No Linear credentials configured, branches will not be matched")
	case err != nil:
		logger.Fatal().Err(err).Msg("Failed to initialize Linear client")
	default:
		issues = linearClient
	}

	var describer pipeline.Describer
	if cfg.Generator.URL != "" {
		describer = pipeline.NewHTTPDescriber(cfg.Generator.URL, cfg.Generator.CustomInstructions, cfg.GeneratorTimeout())
	}

	adminSvc := admin.NewService(app, admin.GitHubClients{App: app, BaseURL: cfg.GitHub.APIURL}, store, cfg.WebhookURL())

	var bot *telegram.Bot
	deps := pipeline.Deps{
		Matcher:   matcher.New(issues),
		Store:     store,
		Describer: describer,
		Clients:   installs,
	}
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(telegram.BotConfig{
			Token:      cfg.Telegram.Token,
			Debug:      cfg.Telegram.Debug,
			AdminChats: cfg.Telegram.AdminChats,
		}, adminSvc)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
		deps.Notifier = notifier.NewNotifier(bot.API(), cfg.Telegram.AdminChats)
	}

	orchestrator := pipeline.New(deps, pipeline.Options{
		BaseBranch: cfg.GitHub.BaseBranch,
		Dedupe:     cfg.GitHub.DedupePullRequests,
	})

	reconciler := reconcile.New(store, reconcile.AppClients{App: app, Tokens: store, BaseURL: cfg.GitHub.APIURL},
		cfg.ReconcileInterval(), cfg.Reconcile.EventRetentionDays)

	r := chi.NewRouter()
	if cfg.Server.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		if cfg.Admin.Token != "" {
			r.Mount("/api", adminSvc.Routes(cfg.Admin.Token))
			logger.Info().Msg("Admin API enabled at /api")
		}
	})

	// Deliveries outlive the request; the handler bounds them itself.
	r.Group(func(r chi.Router) {
		if cfg.GitHub.WebhookRejectsPerMin > 0 {
			r.Use(webhook.NewRateLimiter(cfg.GitHub.WebhookRejectsPerMin).Middleware)
		}
		r.Handle("/webhook/github", webhook.NewHandler(store, installs, orchestrator,
			webhook.WithProcessTimeout(cfg.GeneratorTimeout()+time.Minute)))
	})
	logger.Info().Msg("Webhook endpoint enabled at /webhook/github")

	server := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("address", cfg.ServerAddress()).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	reconciler.Start()
	if bot != nil {
		bot.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	reconciler.Stop()
	if bot != nil {
		bot.Stop()
	}

	logger.Info().Msg("Shutdown complete")
}
