package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBaseURL is the iFixit API 2.0 root
	DefaultBaseURL = "https://www.ifixit.com/api/2.0"
	// DefaultTimeout bounds every outbound call, including reading the body
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies this client to the upstream API
	DefaultUserAgent = "fixos-mcp/1.0 (+https://github.com/fixos/fixos-mcp)"
	// DefaultSearchLimit is the number of guides requested per search
	DefaultSearchLimit = 5
	// DefaultMaxResponseBytes caps the size of an upstream body (8MB)
	DefaultMaxResponseBytes = 8 * 1024 * 1024

	// ConfigPathEnvVar overrides the default config file location
	ConfigPathEnvVar = "FIXOS_CONFIG"
)

// Config is the complete on-disk configuration
type Config struct {
	Upstream Upstream `yaml:"upstream"`
}

// Upstream configures the repair guide API client
type Upstream struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	UserAgent        string        `yaml:"user_agent"`
	SearchLimit      int           `yaml:"search_limit"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
}

// Default returns the configuration used when nothing else is provided
func Default() Config {
	return Config{
		Upstream: DefaultUpstream(),
	}
}

// DefaultUpstream returns the default upstream settings
func DefaultUpstream() Upstream {
	return Upstream{
		BaseURL:          DefaultBaseURL,
		Timeout:          DefaultTimeout,
		UserAgent:        DefaultUserAgent,
		SearchLimit:      DefaultSearchLimit,
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// Load reads the configuration file at path on top of the defaults.
// An empty path falls back to the default location, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, nil
	}

	expanded, err := expandHome(path)
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", expanded, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", expanded, err)
	}

	cfg.Upstream.fillDefaults()
	return cfg, nil
}

// DefaultPath returns ~/.fixos-mcp/config.yaml, or the FIXOS_CONFIG override
func DefaultPath() string {
	if custom := os.Getenv(ConfigPathEnvVar); custom != "" {
		return custom
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".fixos-mcp", "config.yaml")
}

// fillDefaults replaces zero values left by a partial config file
func (u *Upstream) fillDefaults() {
	def := DefaultUpstream()
	if u.BaseURL == "" {
		u.BaseURL = def.BaseURL
	}
	if u.Timeout == 0 {
		u.Timeout = def.Timeout
	}
	if u.UserAgent == "" {
		u.UserAgent = def.UserAgent
	}
	if u.SearchLimit == 0 {
		u.SearchLimit = def.SearchLimit
	}
	if u.MaxResponseBytes == 0 {
		u.MaxResponseBytes = def.MaxResponseBytes
	}
}

// Validate reports the first invalid upstream setting
func (u Upstream) Validate() error {
	parsed, err := url.Parse(u.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", u.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("base_url must use http or https, got %q", u.BaseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("base_url must include a host, got %q", u.BaseURL)
	}
	if u.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", u.Timeout)
	}
	if strings.TrimSpace(u.UserAgent) == "" {
		return errors.New("user_agent cannot be empty")
	}
	if u.SearchLimit < 1 || u.SearchLimit > 100 {
		return fmt.Errorf("search_limit must be between 1 and 100, got %d", u.SearchLimit)
	}
	if u.MaxResponseBytes <= 0 {
		return fmt.Errorf("max_response_bytes must be positive, got %d", u.MaxResponseBytes)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[1:]), nil
}
