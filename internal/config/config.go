// Package config содержит логику чтения конфигурации сервиса keyshop.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации сервиса keyshop.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	GatewayBaseURL    string `env:"EPUSDT_BASE_URL"`
	GatewayToken      string `env:"EPUSDT_TOKEN"`
	GatewayNotifyURL  string `env:"EPUSDT_NOTIFY_URL"`
	GatewayRedirect   string `env:"EPUSDT_REDIRECT_URL"`
	GatewayForcedRate string `env:"EPUSDT_FORCED_RATE"`
	BaseURL           string `env:"BASE_URL"`
	AdminToken        string `env:"ADMIN_TOKEN"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayBaseURL := cfg.GatewayBaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayBaseURL, "g", "", "payment gateway base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayBaseURL != "" {
		cfg.GatewayBaseURL = envGatewayBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// ForcedRate возвращает принудительный курс конвертации USDT в валюту шлюза.
// Если курс не задан или некорректен, используется 1:1.
func (c *Config) ForcedRate() decimal.Decimal {
	if c.GatewayForcedRate == "" {
		return decimal.NewFromInt(1)
	}
	rate, err := decimal.NewFromString(c.GatewayForcedRate)
	if err != nil || !rate.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return rate
}
