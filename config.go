package identityhttp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/d-kuro/identityhttp/pkg/auth"
	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/storage"
	"github.com/d-kuro/identityhttp/pkg/taskmanager"
)

// Config holds all configuration options for the client.
type Config struct {
	// Identity backend
	ServerURL    string            `json:"serverUrl,omitempty" mapstructure:"server_url" default:"https://login.schibsted.com" validate:"required,url"`
	OAuth2Config auth.OAuth2Config `json:"oauth2Config,omitempty" mapstructure:"oauth2"`

	// Refresh behavior. RefreshRetryCount is the number of refresh-and-retry
	// cycles one request may use; UnboundedRefreshRetries lifts the limit.
	RefreshRetryCount       int  `json:"refreshRetryCount,omitempty" mapstructure:"refresh_retry_count" default:"1" validate:"gte=0"`
	UnboundedRefreshRetries bool `json:"unboundedRefreshRetries,omitempty" mapstructure:"unbounded_refresh_retries"`

	// HTTP Configuration
	Timeout         time.Duration `json:"timeout,omitempty" mapstructure:"timeout" default:"30s" validate:"gt=0"`
	MaxContentSize  int64         `json:"maxContentSize,omitempty" mapstructure:"max_content_size" default:"10485760" validate:"gt=0"`
	UserAgent       string        `json:"userAgent,omitempty" mapstructure:"user_agent" default:"identityhttp/0.1"`
	FollowRedirects bool          `json:"followRedirects,omitempty" mapstructure:"follow_redirects" default:"true"`

	// AuthFailureStatuses are response statuses treated like 401.
	AuthFailureStatuses []int `json:"authFailureStatuses,omitempty" mapstructure:"auth_failure_statuses" validate:"dive,gte=100,lte=599"`

	// Client-side rate limit for API requests. Zero disables it.
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `json:"burst,omitempty" mapstructure:"burst" default:"1" validate:"gte=1"`

	// Credential Storage. Nil keeps tokens in memory only.
	CredentialStore storage.CredentialStore `json:"-" mapstructure:"-"`

	Logger            logr.Logger           `json:"-" mapstructure:"-"`
	MetricsRegisterer prometheus.Registerer `json:"-" mapstructure:"-"`

	// TokenProvider replaces the OAuth2 refresh grant.
	TokenProvider auth.TokenProvider `json:"-" mapstructure:"-"`
	// Transport replaces the built-in HTTP transport.
	Transport taskmanager.Transport `json:"-" mapstructure:"-"`
}

// ConfigOption defines a functional option for configuring the Config.
type ConfigOption func(*Config)

// WithServerURL sets the identity backend and derives the OAuth2 endpoints
// from it.
func WithServerURL(serverURL string) ConfigOption {
	return func(c *Config) {
		serverURL = strings.TrimSuffix(serverURL, "/")
		c.ServerURL = serverURL
		c.OAuth2Config.AuthURL = serverURL + constants.DefaultOAuthAuthPath
		c.OAuth2Config.TokenURL = serverURL + constants.DefaultOAuthTokenPath
	}
}

// WithClientCredentials sets the OAuth2 client.
func WithClientCredentials(clientID, clientSecret string) ConfigOption {
	return func(c *Config) {
		c.OAuth2Config.ClientID = clientID
		c.OAuth2Config.ClientSecret = clientSecret
	}
}

// WithCredentialStore sets a custom credential store.
func WithCredentialStore(store storage.CredentialStore) ConfigOption {
	return func(c *Config) {
		c.CredentialStore = store
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxContentSize sets the maximum response body size.
func WithMaxContentSize(size int64) ConfigOption {
	return func(c *Config) {
		c.MaxContentSize = size
	}
}

// WithRefreshRetryCount sets how many refresh-and-retry cycles one request
// may use.
func WithRefreshRetryCount(n int) ConfigOption {
	return func(c *Config) {
		c.RefreshRetryCount = n
		c.UnboundedRefreshRetries = false
	}
}

// WithUnboundedRefreshRetries lets requests refresh and retry indefinitely.
func WithUnboundedRefreshRetries() ConfigOption {
	return func(c *Config) {
		c.UnboundedRefreshRetries = true
	}
}

// WithAuthFailureStatuses treats the given statuses like 401.
func WithAuthFailureStatuses(statuses ...int) ConfigOption {
	return func(c *Config) {
		c.AuthFailureStatuses = statuses
	}
}

// WithRateLimit limits API requests per client.
func WithRateLimit(requestsPerSecond float64, burst int) ConfigOption {
	return func(c *Config) {
		c.RequestsPerSecond = requestsPerSecond
		c.Burst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetricsRegisterer registers task and refresh metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) ConfigOption {
	return func(c *Config) {
		c.MetricsRegisterer = reg
	}
}

// WithTokenProvider replaces the OAuth2 refresh grant.
func WithTokenProvider(provider auth.TokenProvider) ConfigOption {
	return func(c *Config) {
		c.TokenProvider = provider
	}
}

// WithTransport replaces the built-in HTTP transport.
func WithTransport(transport taskmanager.Transport) ConfigOption {
	return func(c *Config) {
		c.Transport = transport
	}
}

// NewConfig creates a configuration with defaults applied before opts.
func NewConfig(opts ...ConfigOption) *Config {
	config := &Config{}
	if err := defaults.Set(config); err != nil {
		panic("failed to set config defaults: " + err.Error())
	}
	config.OAuth2Config.AuthURL = config.ServerURL + constants.DefaultOAuthAuthPath
	config.OAuth2Config.TokenURL = config.ServerURL + constants.DefaultOAuthTokenPath
	config.OAuth2Config.Scopes = append([]string(nil), constants.DefaultOAuthScopes...)

	for _, opt := range opts {
		opt(config)
	}
	return config
}

var validate = validator.New()

// Validate ensures the configuration is valid and complete. The OAuth2
// settings are only checked when no custom TokenProvider is set.
func (c *Config) Validate() error {
	var err error
	if c.TokenProvider != nil {
		err = validate.StructExcept(c, "OAuth2Config")
	} else {
		err = validate.Struct(c)
	}
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ConfigError{Field: "Config", Message: err.Error()}
	}
	fe := fieldErrs[0]
	return &ConfigError{
		Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
		Message: validationMessage(fe),
	}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return constants.ValidationErrorEmpty
	case "url":
		return constants.ValidationErrorInvalid + " (not a URL)"
	default:
		return fmt.Sprintf("%s (%s=%s)", constants.ValidationErrorInvalid, fe.Tag(), fe.Param())
	}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return constants.ConfigErrorPrefix + e.Field + ": " + e.Message
}
