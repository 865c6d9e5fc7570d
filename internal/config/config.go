// Package config reads the service configuration from flags and the
// environment. Environment variables win over flags; secrets are
// env-only.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the guidepost service configuration.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	// RedisAddr enables the webhook event deduper when set.
	RedisAddr string `env:"REDIS_ADDR"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// SendGrid settings; notifications are disabled when the key is empty.
	SendGridAPIKey    string `env:"SENDGRID_API_KEY"`
	EmailFromName     string `env:"EMAIL_FROM_NAME" envDefault:"Guidepost"`
	EmailFromAddress  string `env:"EMAIL_FROM_ADDRESS"`
	UserEmailEndpoint string `env:"USER_EMAIL_ENDPOINT"`
}

// Parse reads configuration from command line flags and environment
// variables.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI

	flag.StringVar(&cfg.RunAddress, "a", ":8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}

	if cfg.DatabaseURI == "" {
		return nil, fmt.Errorf("database URI is required")
	}
	if cfg.StripeAPIKey == "" {
		return nil, fmt.Errorf("STRIPE_API_KEY is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if cfg.SendGridAPIKey != "" {
		if cfg.EmailFromAddress == "" {
			return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required when SendGrid is enabled")
		}
		if cfg.UserEmailEndpoint == "" {
			return nil, fmt.Errorf("USER_EMAIL_ENDPOINT is required when SendGrid is enabled")
		}
	}

	return cfg, nil
}
