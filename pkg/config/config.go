package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the position engine.
type Config struct {
	Port string

	// Logging
	LogLevel string
	LogDev   bool

	// Instruments and their risk configuration (YAML)
	InstrumentsFile string

	// Market data
	UseMockFeed    bool
	BinanceTestnet bool
	KlineInterval  string

	// Paper gateway
	PaperInitialEquity float64
	PaperSlippageBps   float64

	// Order dispatch throttling
	GatewayRatePerSec float64
	GatewayBurst      int

	// How often coordinators expire slots and retry exits
	SweepInterval time.Duration

	// HTTP rate limit per client IP; 0 disables
	APIRateLimit float64

	// Database
	DBPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/positions.db")
	}

	return &Config{
		Port:               getEnv("HTTP_PORT", getEnv("PORT", "8080")),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogDev:             getEnv("LOG_DEV", "false") == "true",
		InstrumentsFile:    getEnv("INSTRUMENTS_FILE", "./instruments.yaml"),
		UseMockFeed:        getEnv("USE_MOCK_FEED", "true") == "true",
		BinanceTestnet:     getEnv("BINANCE_TESTNET", "false") == "true",
		KlineInterval:      getEnv("KLINE_INTERVAL", "1m"),
		PaperInitialEquity: getEnvFloat("PAPER_INITIAL_EQUITY", 10000.0),
		PaperSlippageBps:   getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		GatewayRatePerSec:  getEnvFloat("GATEWAY_RATE_PER_SEC", 10),
		GatewayBurst:       getEnvInt("GATEWAY_BURST", 20),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Second),
		APIRateLimit:       getEnvFloat("API_RATE_LIMIT", 20),
		DBPath:             dbPath,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
