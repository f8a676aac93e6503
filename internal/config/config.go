// Package config содержит логику чтения конфигурации сервиса пополнений.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса пополнений.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	BaseURL            string `env:"BASE_URL"`
	GatewayAddress     string `env:"PAYMENT_GATEWAY_ADDRESS"`
	GatewayMerchant    string `env:"PAYMENT_GATEWAY_MERCHANT"`
	GatewayAPIKey      string `env:"PAYMENT_GATEWAY_API_KEY"`
	CatalogAddress     string `env:"CATALOG_SERVICE_ADDRESS"`
	FulfillmentAddress string `env:"FULFILLMENT_ADDRESS"`
	FulfillmentAPIKey  string `env:"FULFILLMENT_API_KEY"`
	AuthSecret         string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения переменных окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BaseURL, "b", "http://localhost:8080", "public base URL for payment redirects")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "catalog service address")
	flag.StringVar(&cfg.FulfillmentAddress, "f", "", "fulfillment service address")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.BaseURL != "" {
		cfg.BaseURL = fromEnv.BaseURL
	}
	if fromEnv.GatewayAddress != "" {
		cfg.GatewayAddress = fromEnv.GatewayAddress
	}
	if fromEnv.CatalogAddress != "" {
		cfg.CatalogAddress = fromEnv.CatalogAddress
	}
	if fromEnv.FulfillmentAddress != "" {
		cfg.FulfillmentAddress = fromEnv.FulfillmentAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "topup-secret"
	}

	return cfg, nil
}
