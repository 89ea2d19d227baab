package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultUpstream(t *testing.T) {
	u := DefaultUpstream()

	assert.Equal(t, "https://www.ifixit.com/api/2.0", u.BaseURL)
	assert.Equal(t, 30*time.Second, u.Timeout)
	assert.Equal(t, DefaultUserAgent, u.UserAgent)
	assert.Equal(t, 5, u.SearchLimit)
	assert.NoError(t, u.Validate())
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "upstream:\n  base_url: http://127.0.0.1:9999/api\n  timeout: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9999/api", cfg.Upstream.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, DefaultUserAgent, cfg.Upstream.UserAgent)
	assert.Equal(t, DefaultSearchLimit, cfg.Upstream.SearchLimit)
	assert.Equal(t, int64(DefaultMaxResponseBytes), cfg.Upstream.MaxResponseBytes)
}

func TestLoad_EnvOverridesDefaultPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  search_limit: 10\n"), 0600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Upstream.SearchLimit)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream: [unclosed"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestUpstream_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(u *Upstream)
		errMsg string
	}{
		{"relative url", func(u *Upstream) { u.BaseURL = "/api/2.0" }, "http or https"},
		{"ftp scheme", func(u *Upstream) { u.BaseURL = "ftp://example.com" }, "http or https"},
		{"no host", func(u *Upstream) { u.BaseURL = "https://" }, "must include a host"},
		{"zero timeout", func(u *Upstream) { u.Timeout = 0 }, "timeout must be positive"},
		{"blank agent", func(u *Upstream) { u.UserAgent = "  " }, "user_agent"},
		{"limit too high", func(u *Upstream) { u.SearchLimit = 500 }, "search_limit"},
		{"negative max body", func(u *Upstream) { u.MaxResponseBytes = -1 }, "max_response_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := DefaultUpstream()
			tt.mutate(&u)
			err := u.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := map[string]string{
		"~":                   home,
		"~/conf/fixos.yaml":   filepath.Join(home, "conf", "fixos.yaml"),
		"~alice/fixos.yaml":   "~alice/fixos.yaml",
		"/etc/fixos.yaml":     "/etc/fixos.yaml",
		"relative/fixos.yaml": "relative/fixos.yaml",
	}
	for in, want := range tests {
		got, err := expandHome(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
