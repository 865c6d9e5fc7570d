// Package main runs the payment reconciliation service: it terminates
// Stripe webhooks and keeps enrollments, the payment ledger, and
// learning plans consistent with what the payment provider reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guidepost-app/guidepost/internal/config"
	"github.com/guidepost-app/guidepost/pkg/billing"
	prommetrics "github.com/guidepost-app/guidepost/pkg/billing/metrics/prometheus"
	stripeprovider "github.com/guidepost-app/guidepost/pkg/billing/stripe"
	"github.com/guidepost-app/guidepost/pkg/notify"
	sendgridnotify "github.com/guidepost-app/guidepost/pkg/notify/sendgrid"
	"github.com/guidepost-app/guidepost/pkg/reconcile"
	zerologadapter "github.com/guidepost-app/guidepost/pkg/reconcile/logger/zerolog"
	"github.com/guidepost-app/guidepost/storage/postgres"
	redisdedup "github.com/guidepost-app/guidepost/storage/redis"
)

func main() {
	zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger := zerologadapter.NewLogger(zl)

	cfg, err := config.Parse()
	if err != nil {
		zl.Fatal().Err(err).Msg("configuration error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageConfig := postgres.DefaultConfig()
	storageConfig.ConnectionString = cfg.DatabaseURI
	storage, err := postgres.New(ctx, storageConfig)
	if err != nil {
		zl.Fatal().Err(err).Msg("database initialization error")
	}
	defer storage.Close()

	engine, err := reconcile.NewEngine(storage, &reconcile.Config{Logger: logger})
	if err != nil {
		zl.Fatal().Err(err).Msg("engine initialization error")
	}

	var deduper billing.Deduper
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			zl.Fatal().Err(err).Msg("redis initialization error")
		}
		defer client.Close()

		deduper, err = redisdedup.New(client, redisdedup.DefaultConfig())
		if err != nil {
			zl.Fatal().Err(err).Msg("deduper initialization error")
		}
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		zl.Fatal().Err(err).Msg("notifier initialization error")
	}

	metrics := prommetrics.NewMetrics(prometheus.DefaultRegisterer, "guidepost")

	provider, err := stripeprovider.NewProvider(stripeprovider.Config{
		Config: billing.Config{
			Engine:   engine,
			Logger:   logger,
			Metrics:  metrics,
			Notifier: notifier,
			Deduper:  deduper,
		},
		StripeAPIKey:        cfg.StripeAPIKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("stripe provider initialization error")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zl.Info().Str("addr", cfg.RunAddress).Msg("starting guidepost server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		zl.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		zl.Fatal().Err(err).Msg("application terminated with error")
	}
}

// buildNotifier wires SendGrid when configured, otherwise notifications
// are dropped.
func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	if cfg.SendGridAPIKey == "" {
		return &notify.NoopNotifier{}, nil
	}
	return sendgridnotify.New(sendgridnotify.Config{
		APIKey:    cfg.SendGridAPIKey,
		FromName:  cfg.EmailFromName,
		FromEmail: cfg.EmailFromAddress,
		Resolver:  emailResolver(cfg.UserEmailEndpoint, &http.Client{Timeout: 5 * time.Second}),
	})
}

// emailResolver looks up a user's address from the platform user
// service: GET {endpoint}/{userID} returning {"email": "..."}.
func emailResolver(endpoint string, client *http.Client) sendgridnotify.EmailResolver {
	return func(ctx context.Context, userID string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			endpoint+"/"+url.PathEscape(userID), http.NoBody)
		if err != nil {
			return "", fmt.Errorf("failed to build email lookup request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("email lookup failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("email lookup returned status %d", resp.StatusCode)
		}

		var payload struct {
			Email string `json:"email"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", fmt.Errorf("failed to decode email lookup response: %w", err)
		}
		if payload.Email == "" {
			return "", fmt.Errorf("no email on record for user %s", userID)
		}
		return payload.Email, nil
	}
}
