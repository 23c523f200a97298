// Package identityhttp provides an authenticated HTTP client for identity
// backends. Requests made for a logged-in session carry its bearer token.
// When the backend rejects a stale token, exactly one refresh runs per
// session and every affected request is replayed with the new token.
//
// Example usage:
//
//	client, err := identityhttp.NewClient(
//		identityhttp.WithServerURL("https://login.example.com"),
//		identityhttp.WithClientCredentials(clientID, clientSecret),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	sess := client.NewSession()
//	if err := client.LoginWithBrowser(ctx, sess, browser.Options{}); err != nil {
//		log.Fatal(err)
//	}
//
//	resp, err := client.HTTPClient(sess).Get("https://api.example.com/me")
package identityhttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/d-kuro/identityhttp/pkg/auth"
	"github.com/d-kuro/identityhttp/pkg/browser"
	"github.com/d-kuro/identityhttp/pkg/interceptor"
	"github.com/d-kuro/identityhttp/pkg/session"
	"github.com/d-kuro/identityhttp/pkg/taskmanager"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// Client owns the sessions, their task managers and the interceptor that
// routes requests between them.
type Client struct {
	config      *Config
	logger      logr.Logger
	transport   taskmanager.Transport
	provider    auth.TokenProvider
	metrics     *taskmanager.Metrics
	httpClient  *http.Client
	pool        *ClientPool
	registry    *interceptor.Registry
	interceptor *interceptor.Interceptor
}

// NewClient creates a new client with the provided configuration options.
func NewClient(opts ...ConfigOption) (*Client, error) {
	config := NewConfig(opts...)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	pool := NewClientPool()
	httpTransport := pool.NewTransport(&HTTPTransportConfig{
		Timeout:             config.Timeout,
		FollowRedirects:     config.FollowRedirects,
		MaxContentSize:      config.MaxContentSize,
		UserAgent:           config.UserAgent,
		AuthFailureStatuses: config.AuthFailureStatuses,
		RequestsPerSecond:   config.RequestsPerSecond,
		Burst:               config.Burst,
	}, logger)

	c := &Client{
		config:     config,
		logger:     logger,
		transport:  config.Transport,
		provider:   config.TokenProvider,
		httpClient: httpTransport.Client(),
		pool:       pool,
	}
	if c.transport == nil {
		c.transport = httpTransport
	}
	if c.provider == nil {
		c.provider = auth.NewOAuth2TokenProvider(config.OAuth2Config, c.httpClient, logger)
	}
	if config.MetricsRegisterer != nil {
		c.metrics = taskmanager.NewMetrics(config.MetricsRegisterer)
	}

	c.registry = interceptor.NewRegistry(c.newManager, logger)
	c.interceptor = interceptor.New(c.registry, logger)
	return c, nil
}

func (c *Client) newManager(s *session.Session) *taskmanager.Manager {
	return taskmanager.New(taskmanager.Options{
		Session:      s,
		Transport:    c.transport,
		Provider:     c.provider,
		Logger:       c.logger,
		Metrics:      c.metrics,
		StripHeaders: []string{c.interceptor.HeaderKey()},
	})
}

// NewSession creates a logged-out session owned by the client.
func (c *Client) NewSession() *session.Session {
	s := session.New(session.Options{
		Store:                   c.config.CredentialStore,
		Logger:                  c.logger,
		RefreshRetryCount:       c.config.RefreshRetryCount,
		UnboundedRefreshRetries: c.config.UnboundedRefreshRetries,
	})
	if !c.config.UnboundedRefreshRetries {
		s.SetRefreshRetryCount(c.config.RefreshRetryCount)
	}
	c.registry.Register(s)
	return s
}

// RestoreSession creates a session from the tokens in the credential store.
func (c *Client) RestoreSession() (*session.Session, error) {
	s := c.NewSession()
	if err := s.LoadStoredTokens(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	return s, nil
}

// CloseSession destroys s. Its pending requests fail and later requests for
// it are rejected without reaching the network.
func (c *Client) CloseSession(s *session.Session) {
	s.Close()
}

// HTTPClient returns an *http.Client whose requests are made for s.
func (c *Client) HTTPClient(s *session.Session) *http.Client {
	return &http.Client{
		Transport: &interceptor.RoundTripper{Interceptor: c.interceptor, Session: s},
	}
}

// Do submits req for s and returns immediately. completion receives the
// result unless the returned handle is cancelled first.
func (c *Client) Do(s *session.Session, req *http.Request, completion taskmanager.Completion) taskmanager.TaskHandle {
	call := c.interceptor.Intercept(c.interceptor.Attach(req, s), completion)
	call.Resume()
	return call
}

// Interceptor returns the interceptor that routes requests to sessions.
func (c *Client) Interceptor() *interceptor.Interceptor {
	return c.interceptor
}

// Manager returns the task manager of s, creating it if needed.
func (c *Client) Manager(s *session.Session) (*taskmanager.Manager, bool) {
	return c.registry.Manager(s.ID())
}

// LoginWithBrowser runs the authorization code flow and logs s in.
func (c *Client) LoginWithBrowser(ctx context.Context, s *session.Session, opts browser.Options) error {
	if opts.HTTPClient == nil {
		opts.HTTPClient = c.httpClient
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = c.logger
	}

	tokens, err := browser.NewBrowserAuth(c.config.OAuth2Config, opts).Authenticate(ctx)
	if err != nil {
		return &auth.AuthError{Op: "browser_login", Message: "browser authentication failed", Err: err}
	}
	return s.SetTokens(tokens)
}

// Login logs s in with tokens obtained elsewhere.
func (c *Client) Login(s *session.Session, tokens types.TokenBundle) error {
	if err := auth.ValidateTokenBundle(tokens); err != nil {
		return &auth.AuthError{Op: "login", Message: "invalid tokens", Err: err}
	}
	return s.SetTokens(tokens)
}

// Logout logs s out and clears its stored tokens.
func (c *Client) Logout(s *session.Session) bool {
	return s.Logout()
}

// GetAuthStatus returns the current authentication status of s.
func (c *Client) GetAuthStatus(s *session.Session) *auth.AuthStatus {
	status := &auth.AuthStatus{
		State:       s.State().String(),
		StoragePath: s.StoragePath(),
	}
	if n, bounded := s.RefreshRetryCount(); bounded {
		status.RefreshRetryCount = &n
	}

	tokens, ok := s.Tokens()
	if !ok || s.Closed() {
		return status
	}
	status.Authenticated = true
	status.UserID = s.UserID()
	status.HasRefreshToken = tokens.RefreshToken != ""
	status.HasIDToken = tokens.IDToken != ""
	return status
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// Close closes every session's task manager and drops idle connections.
// Sessions stay usable as token holders but no longer route requests.
func (c *Client) Close() error {
	c.registry.Close()
	c.pool.CloseIdleConnections()
	return nil
}

