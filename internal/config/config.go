// Package config loads the command-line tool's settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/thalesfsp/greenguard"
)

// Prefix of every environment variable read by Load.
const Prefix = "GREENGUARD_"

// Config holds the settings shared by every command. Flags override them.
type Config struct {
	Env string // development, staging, production

	// Logging.
	LogLevel  string
	LogFormat string // json, console

	// Data and history.
	DataDir   string
	HistoryDB string

	// Tuning defaults.
	Workers  int
	CVSplits int
	Seed     uint64
	Metric   string
}

// Load reads the configuration from the environment. Variables already set
// win over the ones in envFile. An empty envFile loads ".env" when present.
func Load(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	var errs []error

	cfg := &Config{
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		DataDir:   getEnv("DATA_DIR", "data"),
		HistoryDB: getEnv("HISTORY_DB", "greenguard.db"),
		Workers:   getEnvAsInt("WORKERS", 1, &errs),
		CVSplits:  getEnvAsInt("CV_SPLITS", 5, &errs),
		Seed:      getEnvAsUint("SEED", 0, &errs),
		Metric:    getEnv("METRIC", "accuracy"),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("%sENV must be one of: development, staging, production", Prefix)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err)
	}

	switch c.LogFormat {
	case "json", "console", "pretty":
	default:
		return fmt.Errorf("%sLOG_FORMAT must be one of: json, console", Prefix)
	}

	if c.Workers < 1 {
		return fmt.Errorf("%sWORKERS must be at least 1, got %d", Prefix, c.Workers)
	}

	if c.CVSplits < 2 {
		return fmt.Errorf("%sCV_SPLITS must be at least 2, got %d", Prefix, c.CVSplits)
	}

	if _, err := greenguard.LookupMetric(c.Metric); err != nil {
		return fmt.Errorf("%sMETRIC: %w", Prefix, err)
	}

	return nil
}

// Helper functions.

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}

		return nil
	}

	if _, err := os.Stat(".env"); err != nil {
		return nil
	}

	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(Prefix + key); ok && v != "" {
		return v
	}

	return fallback
}

func getEnvAsInt(key string, fallback int, errs *[]error) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", Prefix, key, err))

		return fallback
	}

	return v
}

func getEnvAsUint(key string, fallback uint64, errs *[]error) uint64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", Prefix, key, err))

		return fallback
	}

	return v
}
