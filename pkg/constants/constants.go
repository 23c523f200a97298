package constants

import "time"

const (
	LibraryVersion = "0.1.0"
	LibraryName    = "identityhttp"

	DefaultServerURL     = "https://login.schibsted.com"
	DefaultOAuthAuthPath = "/oauth/authorize"
	// DefaultOAuthTokenPath is the path of the token endpoint used for
	// refresh_token grants.
	DefaultOAuthTokenPath = "/oauth/token"

	DefaultHTTPTimeout        = 30 * time.Second
	DefaultDialerTimeout      = 10 * time.Second
	DefaultHTTPMaxContentSize = 10 * 1024 * 1024
	DefaultUserAgent          = "identityhttp/0.1"
	MaxRedirects              = 5    // Maximum redirects to follow
	MaxURLLength              = 2048 // Maximum URL length accepted by the CLI

	// Connection pool optimizations
	MaxIdleConns        = 100              // Maximum number of idle connections across all hosts
	MaxIdleConnsPerHost = 10               // Maximum idle connections per host
	MaxConnsPerHost     = 100              // Maximum connections per host
	IdleConnTimeout     = 90 * time.Second // How long an idle connection can remain idle

	// Fine-grained timeouts
	TLSHandshakeTimeout   = 10 * time.Second // TLS handshake timeout
	ResponseHeaderTimeout = 30 * time.Second // Response header timeout
	ExpectContinueTimeout = 1 * time.Second  // Expect: 100-continue timeout
	KeepAliveTimeout      = 30 * time.Second // Connection keep-alive timeout

	// DefaultRefreshRetryCount is how many refresh-and-retry cycles a single
	// request may consume before failing with a retry-exceeded error.
	DefaultRefreshRetryCount = 1

	HeaderAuthorization = "Authorization"
	HeaderUserAgent     = "User-Agent"
	BearerPrefix        = "Bearer "

	// SessionHeaderPrefix prefixes the per-interceptor random header key that
	// carries the session reference.
	SessionHeaderPrefix = "X-Identityhttp-Ref-"
	SessionHeaderRandom = 8 // Random characters appended to SessionHeaderPrefix

	DirPermissions  = 0700
	FilePermissions = 0600

	AuthTimeout           = 5 * time.Minute
	TokenRefreshTimeout   = 30 * time.Second // Timeout for token refresh operations
	ServerShutdownTimeout = 5 * time.Second
	StateRandomBytes      = 32
	MinTokenLength        = 1    // Minimum token length
	MaxTokenLength        = 8192 // Maximum token length

	DefaultStorageDir = ".identityhttp"
	TokenFileName     = "tokens.json"

	// OAuth2 error code returned by the token endpoint for a revoked or
	// unknown refresh token.
	OAuthErrorInvalidGrant = "invalid_grant"

	ValidationErrorEmpty   = "cannot be empty"
	ValidationErrorInvalid = "is invalid"
	ConfigErrorPrefix      = "config error in "

	MetricsNamespace = "identityhttp"
)

// FatalRefreshStatuses lists refresh endpoint statuses after which the
// session cannot recover and is logged out.
var FatalRefreshStatuses = []int{400, 401, 403}

var DefaultOAuthScopes = []string{"openid"}

var BrowserCommands = map[string][]string{
	"windows": {"cmd", "/c", "start"},
	"darwin":  {"open"},
	"linux":   {"xdg-open"},
}
