// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// OAuthApp is one provider's OAuth client registration. A provider whose
// ClientID is empty is disabled.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether the provider is configured.
func (a OAuthApp) Enabled() bool {
	return a.ClientID != ""
}

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	// SecretKey is the 32-byte AES-256 key for token encryption at rest.
	SecretKey []byte

	SyncInterval    time.Duration
	SyncWindow      time.Duration
	RunTimeout      time.Duration
	ProviderTimeout time.Duration
	SyncConcurrency int
	MessageLimit    int
	WebhookSecret   string

	Google          OAuthApp
	Microsoft       OAuthApp
	MicrosoftTenant string
	Nylas           OAuthApp
	NylasAPIURL     string
}

// Load reads configuration from environment variables and returns a validated Config.
// CRMSYNC_SECRET_KEY is required: 64 hex characters. Everything else has a default;
// a provider is enabled by setting its client id.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      envOr("CRMSYNC_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:          envOr("CRMSYNC_DB_PATH", "crmsync.db"),
		WebhookSecret:   os.Getenv("CRMSYNC_WEBHOOK_SECRET"),
		MicrosoftTenant: envOr("CRMSYNC_MICROSOFT_TENANT", "common"),
		NylasAPIURL:     envOr("CRMSYNC_NYLAS_API_URL", "https://api.us.nylas.com"),
		Google: OAuthApp{
			ClientID:     os.Getenv("CRMSYNC_GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("CRMSYNC_GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("CRMSYNC_GOOGLE_REDIRECT_URL"),
		},
		Microsoft: OAuthApp{
			ClientID:     os.Getenv("CRMSYNC_MICROSOFT_CLIENT_ID"),
			ClientSecret: os.Getenv("CRMSYNC_MICROSOFT_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("CRMSYNC_MICROSOFT_REDIRECT_URL"),
		},
		Nylas: OAuthApp{
			ClientID:     os.Getenv("CRMSYNC_NYLAS_CLIENT_ID"),
			ClientSecret: os.Getenv("CRMSYNC_NYLAS_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("CRMSYNC_NYLAS_REDIRECT_URL"),
		},
	}

	rawKey := os.Getenv("CRMSYNC_SECRET_KEY")
	if rawKey == "" {
		return nil, errors.New("CRMSYNC_SECRET_KEY is required: 64 hex characters (32 bytes)")
	}
	key, err := hex.DecodeString(rawKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("CRMSYNC_SECRET_KEY must be 64 hex characters (32 bytes)")
	}
	cfg.SecretKey = key

	durations := []struct {
		name string
		dst  *time.Duration
		def  time.Duration
	}{
		{"CRMSYNC_SYNC_INTERVAL", &cfg.SyncInterval, 5 * time.Minute},
		{"CRMSYNC_SYNC_WINDOW", &cfg.SyncWindow, 30 * 24 * time.Hour},
		{"CRMSYNC_RUN_TIMEOUT", &cfg.RunTimeout, 10 * time.Minute},
		{"CRMSYNC_PROVIDER_TIMEOUT", &cfg.ProviderTimeout, 30 * time.Second},
	}
	for _, d := range durations {
		*d.dst = d.def
		v, ok := os.LookupEnv(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s has invalid duration %q: %w", d.name, v, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %q", d.name, v)
		}
		*d.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
		def  int
	}{
		{"CRMSYNC_SYNC_CONCURRENCY", &cfg.SyncConcurrency, 4},
		{"CRMSYNC_MESSAGE_LIMIT", &cfg.MessageLimit, 50},
	}
	for _, n := range ints {
		*n.dst = n.def
		v, ok := os.LookupEnv(n.name)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", n.name, v)
		}
		*n.dst = parsed
	}

	return cfg, nil
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}
