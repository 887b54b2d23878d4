// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса толкования снов.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	InterpreterAddress string `env:"INTERPRETER_ADDRESS"`
	InterpreterAPIKey  string `env:"INTERPRETER_API_KEY"`
	AuthSecret         string `env:"AUTH_SECRET"`

	PaymobBaseURL       string `env:"PAYMOB_BASE_URL"`
	PaymobAPIKey        string `env:"PAYMOB_API_KEY"`
	PaymobIntegrationID string `env:"PAYMOB_INTEGRATION_ID"`
	PaymobIframeID      string `env:"PAYMOB_IFRAME_ID"`
	PaymobHMACSecret    string `env:"PAYMOB_HMAC_SECRET"`

	PayPalBaseURL      string `env:"PAYPAL_BASE_URL"`
	PayPalClientID     string `env:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `env:"PAYPAL_CLIENT_SECRET"`
	PayPalWebhookID    string `env:"PAYPAL_WEBHOOK_ID"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значение из окружения имеет приоритет над значением флага.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envInterpreterAddress := cfg.InterpreterAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.InterpreterAddress, "i", "", "interpretation provider address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envInterpreterAddress != "" {
		cfg.InterpreterAddress = envInterpreterAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.PaymobBaseURL == "" {
		cfg.PaymobBaseURL = "https://accept.paymob.com"
	}
	if cfg.PayPalBaseURL == "" {
		cfg.PayPalBaseURL = "https://api-m.paypal.com"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "dreamcredit-secret"
	}

	return cfg, nil
}
