// Package config loads the service configuration from defaults, an optional
// YAML file and AFP_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/lggm33/AFP-Project/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AFP_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load builds the configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (AFP_SERVER_PORT, AFP_SUGGEST_APIKEY, ...)
//  2. YAML config file at path, when path is not empty
//  3. Tier defaults (domain.DefaultConfig or domain.ProConfig)
//
// Environment keys are matched case-insensitively against the config
// field names, with underscores separating sections:
//
//	AFP_REPOSITORY_SQLITEPATH -> repository.sqlitePath
//	AFP_WORKER_TENANTIDS=a,b  -> worker.tenantIds
func Load(path string) (*domain.Config, error) {
	var content []byte
	if path != "" {
		b, err := readFile(path)
		if err != nil {
			return nil, err
		}
		content = b
	}

	// 1. Pick the tier defaults
	tier, err := detectTier(content)
	if err != nil {
		return nil, err
	}
	defaults := domain.DefaultConfig()
	if tier == domain.TierPro {
		defaults = domain.ProConfig()
	}

	k := koanf.New(".")

	// 2. Defaults, encoded with the same field names the file uses
	raw, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 3. File
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// 4. Environment
	canonical := make(map[string]string)
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return envKey(s, canonical)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := domain.DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Tier = tier

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps AFP_SECTION_FIELD to the canonical "section.field" key.
// Unknown keys are passed through lowercased.
func envKey(s string, canonical map[string]string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	key := strings.ReplaceAll(lower, "_", ".")
	if c, ok := canonical[key]; ok {
		return c
	}
	// Field names may themselves contain underscores: keep the section split only
	if parts := strings.SplitN(lower, "_", 2); len(parts) == 2 {
		alt := parts[0] + "." + strings.ReplaceAll(parts[1], "_", "")
		if c, ok := canonical[alt]; ok {
			return c
		}
	}
	return key
}

// detectTier reads the tier from AFP_TIER or the file, defaulting to community.
func detectTier(content []byte) (domain.Tier, error) {
	tier := domain.TierCommunity
	if content != nil {
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return "", fmt.Errorf("failed to parse config file: %w", err)
		}
		if t := k.String("tier"); t != "" {
			tier = domain.Tier(t)
		}
	}
	if t := os.Getenv(EnvPrefix + "TIER"); t != "" {
		tier = domain.Tier(t)
	}

	switch tier {
	case domain.TierCommunity, domain.TierPro:
		return tier, nil
	}
	return "", fmt.Errorf("unknown tier %q", tier)
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// Validate checks the loaded configuration.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			return fmt.Errorf("repository.sqlitePath is required for sqlite")
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" {
			return fmt.Errorf("repository.postgresHost is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type %q", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type %q", cfg.EventBus.Type)
	}

	if t := cfg.Extraction.DefaultThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("extraction.defaultThreshold must be in (0, 1], got %v", t)
	}
	if w := cfg.Extraction.CorrectionWeight; w <= 0 || w > 1 {
		return fmt.Errorf("extraction.correctionWeight must be in (0, 1], got %v", w)
	}

	if cfg.Suggest.Enabled {
		if cfg.Suggest.APIKey == "" {
			return fmt.Errorf("suggest.apiKey is required when suggestions are enabled")
		}
		if cfg.Suggest.BaseURL == "" {
			return fmt.Errorf("suggest.baseUrl is required when suggestions are enabled")
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", cfg.Logging.Level)
	}
	return nil
}
