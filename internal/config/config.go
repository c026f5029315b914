// Package config loads the herald YAML configuration: session token
// parameters and the OAuth provider table.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 30 * 24 * time.Hour
	defaultRemoteTimeout = 15 * time.Second
	defaultIssuer        = "herald"
	defaultDatabasePath  = "herald.db"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// fileConfig is the raw YAML shape; durations arrive as strings.
type fileConfig struct {
	Database string `yaml:"database"`
	Listen   string `yaml:"listen"`
	Session  struct {
		SigningKey string `yaml:"signing_key"`
		AccessTTL  string `yaml:"access_ttl"`
		RefreshTTL string `yaml:"refresh_ttl"`
		Issuer     string `yaml:"issuer"`
	} `yaml:"session"`
	RemoteTimeout string           `yaml:"remote_timeout"`
	Providers     []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one OAuth provider entry.
type ProviderConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"userinfo_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	Enabled      *bool    `yaml:"enabled"`
	Default      bool     `yaml:"default"`
	// TrustEmail allows linking a callback to an existing local account by
	// email match. Leave false for providers that do not verify addresses,
	// otherwise two providers returning the same email merge accounts.
	TrustEmail bool `yaml:"trust_email"`
}

// Config is the validated runtime configuration.
type Config struct {
	Database      string
	Listen        string
	SigningKey    string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	RemoteTimeout time.Duration
	Providers     []ProviderConfig
}

// Load reads and validates the YAML config at path. A missing file yields
// defaults with no providers, so the server can boot before first setup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return build(raw)
}

func defaults() *Config {
	return &Config{
		Database:      defaultDatabasePath,
		AccessTTL:     defaultAccessTTL,
		RefreshTTL:    defaultRefreshTTL,
		Issuer:        defaultIssuer,
		RemoteTimeout: defaultRemoteTimeout,
	}
}

func build(raw fileConfig) (*Config, error) {
	cfg := defaults()
	if raw.Database != "" {
		cfg.Database = raw.Database
	}
	cfg.Listen = raw.Listen
	cfg.SigningKey = raw.Session.SigningKey
	if raw.Session.Issuer != "" {
		cfg.Issuer = raw.Session.Issuer
	}

	var err error
	if cfg.AccessTTL, err = parseDuration(raw.Session.AccessTTL, defaultAccessTTL); err != nil {
		return nil, fmt.Errorf("session.access_ttl: %w", err)
	}
	if cfg.RefreshTTL, err = parseDuration(raw.Session.RefreshTTL, defaultRefreshTTL); err != nil {
		return nil, fmt.Errorf("session.refresh_ttl: %w", err)
	}
	if cfg.RemoteTimeout, err = parseDuration(raw.RemoteTimeout, defaultRemoteTimeout); err != nil {
		return nil, fmt.Errorf("remote_timeout: %w", err)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.RemoteTimeout <= 0 {
		return nil, fmt.Errorf("durations must be positive")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, fmt.Errorf("session.access_ttl must be shorter than session.refresh_ttl")
	}

	seen := make(map[string]bool, len(raw.Providers))
	defaultCount := 0
	for i, p := range raw.Providers {
		if !providerIDRegexp.MatchString(p.ID) {
			return nil, fmt.Errorf("providers[%d]: invalid id %q", i, p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.ClientID == "" || p.ClientSecret == "" {
			return nil, fmt.Errorf("provider %q: client_id and client_secret are required", p.ID)
		}
		if p.AuthURL == "" || p.TokenURL == "" || p.UserInfoURL == "" {
			return nil, fmt.Errorf("provider %q: auth_url, token_url and userinfo_url are required", p.ID)
		}
		if p.Default {
			defaultCount++
		}
	}
	if defaultCount > 1 {
		return nil, fmt.Errorf("at most one provider may be marked default")
	}
	cfg.Providers = raw.Providers
	return cfg, nil
}

// IsEnabled reports whether the provider entry is active. Absent flag
// means enabled, matching the YAML table's common case.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}
