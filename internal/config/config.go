// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string
	Port        string
	RulesFile   string

	NATSUrl       string
	NATSNKeySeed  string
	NATSQueue     string
	VaultAddr     string
	VaultToken    string
	VaultNKEYPath string

	SweepInterval   time.Duration
	TickInterval    time.Duration
	ProgramCacheTTL time.Duration

	Broadcaster string
	Bot         string
	Owners      []string

	IdentityAPIURL   string
	IdentityClientID string
	IdentityToken    string
}

// Load reads the environment. Only malformed values are errors; every
// setting has a default or is optional.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Port:             envOrDefault("PORT", "8080"),
		RulesFile:        os.Getenv("RULES_FILE"),
		NATSUrl:          os.Getenv("NATS_URL"),
		NATSNKeySeed:     os.Getenv("NATS_NKEY_SEED"),
		NATSQueue:        envOrDefault("NATS_QUEUE", "botevents"),
		VaultAddr:        envOrDefault("VAULT_ADDR", "http://127.0.0.1:8200"),
		VaultToken:       os.Getenv("VAULT_TOKEN"),
		VaultNKEYPath:    envOrDefault("VAULT_NKEY_PATH", "secret/data/botevents/nats"),
		Broadcaster:      strings.ToLower(os.Getenv("BROADCASTER_USERNAME")),
		Bot:              strings.ToLower(os.Getenv("BOT_USERNAME")),
		Owners:           splitList(os.Getenv("OWNER_USERNAMES")),
		IdentityAPIURL:   os.Getenv("IDENTITY_API_URL"),
		IdentityClientID: os.Getenv("IDENTITY_CLIENT_ID"),
		IdentityToken:    os.Getenv("IDENTITY_TOKEN"),
	}

	var err error
	if cfg.SweepInterval, err = durationOrDefault("SWEEP_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TickInterval, err = durationOrDefault("TICK_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ProgramCacheTTL, err = durationOrDefault("PROGRAM_CACHE_TTL", 5*time.Minute); err != nil {
		return Config{}, err
	}

	if len(cfg.Owners) == 0 && cfg.Broadcaster != "" {
		cfg.Owners = []string{cfg.Broadcaster}
	}
	return cfg, nil
}

// UsesVault reports whether the NATS seed has to be fetched from Vault.
func (c Config) UsesVault() bool {
	return c.NATSUrl != "" && c.NATSNKeySeed == "" && c.VaultToken != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
