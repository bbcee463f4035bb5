package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Config holds client configuration for the Estately services.
type Config struct {
	// Base URL of the property/auth API.
	APIBaseURL string `yaml:"api_base_url"`

	// Base URL of the image verification service.
	VerifyURL string `yaml:"verify_url"`

	// Base URL of the Nominatim-compatible geocoding service.
	GeocodeURL string `yaml:"geocode_url"`

	// Path for persisting the credential pair between runs.
	// Empty disables persistence.
	TokenPath string `yaml:"token_path"`
}

// Default service endpoints.
const (
	DefaultAPIBaseURL = "http://localhost:8000"
	DefaultVerifyURL  = "http://localhost:8001"
	DefaultGeocodeURL = "https://nominatim.openstreetmap.org"
)

var ErrMissingAPIBaseURL = errors.New("api base URL is required")

// LoadFromEnv loads configuration from environment variables.
//
// Environment variables:
//   - ESTATELY_API_URL: property/auth API base URL (default: http://localhost:8000)
//   - ESTATELY_VERIFY_URL: verification service base URL (default: http://localhost:8001)
//   - ESTATELY_GEOCODE_URL: geocoding service base URL (default: https://nominatim.openstreetmap.org)
//   - ESTATELY_TOKEN_PATH: file for persisting tokens (default: none)
func LoadFromEnv() Config {
	cfg := Config{
		APIBaseURL: strings.TrimSpace(os.Getenv("ESTATELY_API_URL")),
		VerifyURL:  strings.TrimSpace(os.Getenv("ESTATELY_VERIFY_URL")),
		GeocodeURL: strings.TrimSpace(os.Getenv("ESTATELY_GEOCODE_URL")),
		TokenPath:  strings.TrimSpace(os.Getenv("ESTATELY_TOKEN_PATH")),
	}
	cfg.applyDefaults()
	return cfg
}

// LoadFile loads configuration from a YAML file, then lets environment
// variables override individual fields.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	env := LoadFromEnv()
	if v := os.Getenv("ESTATELY_API_URL"); v != "" {
		cfg.APIBaseURL = env.APIBaseURL
	}
	if v := os.Getenv("ESTATELY_VERIFY_URL"); v != "" {
		cfg.VerifyURL = env.VerifyURL
	}
	if v := os.Getenv("ESTATELY_GEOCODE_URL"); v != "" {
		cfg.GeocodeURL = env.GeocodeURL
	}
	if v := os.Getenv("ESTATELY_TOKEN_PATH"); v != "" {
		cfg.TokenPath = env.TokenPath
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.VerifyURL == "" {
		c.VerifyURL = DefaultVerifyURL
	}
	if c.GeocodeURL == "" {
		c.GeocodeURL = DefaultGeocodeURL
	}
}

// Validate checks that the configured endpoints are usable URLs.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return ErrMissingAPIBaseURL
	}
	for name, raw := range map[string]string{
		"api_base_url": c.APIBaseURL,
		"verify_url":   c.VerifyURL,
		"geocode_url":  c.GeocodeURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
	}
	return nil
}
