package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identityhttp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server_url: https://login.example.com
oauth2:
  client_id: from-file
refresh_retry_count: 3
timeout: 10s
burst: 2
`)
	t.Setenv("IDENTITYHTTP_OAUTH2_CLIENT_SECRET", "shh")
	t.Setenv("IDENTITYHTTP_BURST", "5")

	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)

	require.Equal(t, "https://login.example.com", cfg.ServerURL)
	require.Equal(t, "https://login.example.com/oauth/token", cfg.OAuth2Config.TokenURL)
	require.Equal(t, "https://login.example.com/oauth/authorize", cfg.OAuth2Config.AuthURL)
	require.Equal(t, "from-file", cfg.OAuth2Config.ClientID)
	require.Equal(t, "shh", cfg.OAuth2Config.ClientSecret)
	require.Equal(t, 3, cfg.RefreshRetryCount)
	require.Equal(t, 10*time.Second, cfg.Timeout)
	require.Equal(t, 5, cfg.Burst)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "oauth2:\n  client_id: c\n"), nil)
	require.NoError(t, err)

	require.Equal(t, 1, cfg.RefreshRetryCount)
	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.True(t, cfg.FollowRedirects)
	require.NotEmpty(t, cfg.OAuth2Config.Scopes)
}

func TestLoadConfigExplicitTokenURL(t *testing.T) {
	path := writeConfig(t, `
server_url: https://login.example.com
oauth2:
  client_id: c
  token_url: https://tokens.example.com/token
`)

	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)
	require.Equal(t, "https://tokens.example.com/token", cfg.OAuth2Config.TokenURL)
	require.Equal(t, "https://login.example.com/oauth/authorize", cfg.OAuth2Config.AuthURL)
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	path := writeConfig(t, "server_url: https://login.example.com\noauth2:\n  client_id: from-file\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("server-url", "", "")
	flags.String("client-id", "", "")
	flags.Duration("timeout", 30*time.Second, "")
	require.NoError(t, flags.Parse([]string{"--server-url", "https://other.example.com", "--client-id", "from-flag"}))

	cfg, err := loadConfig(path, flags)
	require.NoError(t, err)
	require.Equal(t, "https://other.example.com", cfg.ServerURL)
	require.Equal(t, "https://other.example.com/oauth/token", cfg.OAuth2Config.TokenURL)
	require.Equal(t, "from-flag", cfg.OAuth2Config.ClientID)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}
