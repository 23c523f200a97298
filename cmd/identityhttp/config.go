package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/d-kuro/identityhttp"
	"github.com/d-kuro/identityhttp/pkg/constants"
)

const envPrefix = "IDENTITYHTTP"

// configKeys are bound to environment variables, e.g. oauth2.client_id is
// read from IDENTITYHTTP_OAUTH2_CLIENT_ID.
var configKeys = []string{
	"server_url",
	"oauth2.client_id",
	"oauth2.client_secret",
	"oauth2.auth_url",
	"oauth2.token_url",
	"oauth2.scopes",
	"refresh_retry_count",
	"unbounded_refresh_retries",
	"timeout",
	"max_content_size",
	"user_agent",
	"follow_redirects",
	"auth_failure_statuses",
	"requests_per_second",
	"burst",
}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"server-url": "server_url",
	"client-id":  "oauth2.client_id",
	"timeout":    "timeout",
}

// loadConfig reads the client configuration from an optional config file,
// the environment and the command line, in increasing precedence.
func loadConfig(path string, flags *pflag.FlagSet) (*identityhttp.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(constants.LibraryName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := defaultStoreDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := identityhttp.NewConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// The OAuth2 endpoints follow the server URL unless set explicitly.
	explicit := cfg.OAuth2Config
	identityhttp.WithServerURL(cfg.ServerURL)(cfg)
	if v.IsSet("oauth2.auth_url") {
		cfg.OAuth2Config.AuthURL = explicit.AuthURL
	}
	if v.IsSet("oauth2.token_url") {
		cfg.OAuth2Config.TokenURL = explicit.TokenURL
	}
	return cfg, nil
}

// withConfig replaces the client configuration with cfg.
func withConfig(cfg *identityhttp.Config) identityhttp.ConfigOption {
	return func(c *identityhttp.Config) {
		*c = *cfg
	}
}
