// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Broker connectivity
	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerBaseURL   string
	BrokerStreamURL string
	PaperTrading    bool // Use the in-process paper broker instead of a live venue

	// Accounting
	PortfolioID     string
	BaseCurrency    string
	OpeningCash     string // Opening cash balance for a fresh portfolio (decimal string)
	CostBasisMethod string // "average", "fifo" or "lifo"
	CommissionFixed string // Fixed commission per trade, in base currency (decimal string)
	CommissionRate  string // Variable commission as a decimal fraction, e.g. "0.002"

	// Orchestration intervals
	MonitorInterval  time.Duration // Position monitor tick
	StaleOrderAge    time.Duration // Age after which a PENDING order is requeried at the broker
	SweepSchedule    string        // Cron spec for the stale-order sweep
	SnapshotSchedule string        // Cron spec for periodic state snapshots
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("HELMSMAN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("HELMSMAN_PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		BrokerBaseURL:   getEnv("BROKER_BASE_URL", "https://api.binance.com"),
		BrokerStreamURL: getEnv("BROKER_STREAM_URL", "wss://stream.binance.com:9443/ws"),
		PaperTrading:    getEnvAsBool("PAPER_TRADING", true),

		PortfolioID:     getEnv("PORTFOLIO_ID", "main"),
		BaseCurrency:    getEnv("BASE_CURRENCY", "USD"),
		OpeningCash:     getEnv("OPENING_CASH", "10000"),
		CostBasisMethod: getEnv("COST_BASIS_METHOD", "average"),
		CommissionFixed: getEnv("COMMISSION_FIXED", "0"),
		CommissionRate:  getEnv("COMMISSION_RATE", "0.001"),

		MonitorInterval:  getEnvAsDuration("MONITOR_INTERVAL", 5*time.Second),
		StaleOrderAge:    getEnvAsDuration("STALE_ORDER_AGE", 10*time.Minute),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "@every 1m"),
		SnapshotSchedule: getEnv("SNAPSHOT_SCHEDULE", "@every 30s"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.CostBasisMethod {
	case "average", "fifo", "lifo":
	default:
		return fmt.Errorf("invalid COST_BASIS_METHOD %q: use average, fifo or lifo", c.CostBasisMethod)
	}

	if !c.PaperTrading && (c.BrokerAPIKey == "" || c.BrokerAPISecret == "") {
		return fmt.Errorf("broker credentials required when paper trading is disabled")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
