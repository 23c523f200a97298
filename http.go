package identityhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/d-kuro/identityhttp/pkg/clienterror"
	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/taskmanager"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// ErrContentTooLarge is reported with the truncated body of responses larger
// than the configured maximum.
var ErrContentTooLarge = errors.New("content truncated")

// HTTPTransport executes authenticated requests over net/http.
type HTTPTransport struct {
	client  *http.Client
	config  *HTTPTransportConfig
	limiter *rate.Limiter
	logger  logr.Logger
}

var _ taskmanager.Transport = (*HTTPTransport)(nil)

// ClientPool manages a pool of reusable HTTP clients for different configurations.
// Each Client owns one pool, so connections are never shared between Clients.
type ClientPool struct {
	clients map[string]*http.Client
	mutex   sync.RWMutex
}

// NewClientPool creates an empty pool.
func NewClientPool() *ClientPool {
	return &ClientPool{clients: make(map[string]*http.Client)}
}

// HTTPTransportConfig contains configuration for the HTTP transport.
type HTTPTransportConfig struct {
	Timeout         time.Duration
	FollowRedirects bool
	MaxContentSize  int64
	UserAgent       string

	// AuthFailureStatuses are treated like 401.
	AuthFailureStatuses []int

	// RequestsPerSecond enables a client-side rate limit when positive.
	RequestsPerSecond float64
	Burst             int
}

// DefaultHTTPTransportConfig returns a default HTTP transport configuration.
func DefaultHTTPTransportConfig() *HTTPTransportConfig {
	return &HTTPTransportConfig{
		Timeout:         constants.DefaultHTTPTimeout,
		FollowRedirects: true,
		MaxContentSize:  constants.DefaultHTTPMaxContentSize,
		UserAgent:       constants.DefaultUserAgent,
	}
}

// getOrCreateClient retrieves or creates an HTTP client from the pool.
func (cp *ClientPool) getOrCreateClient(config *HTTPTransportConfig) *http.Client {
	key := cp.configKey(config)

	cp.mutex.RLock()
	if client, exists := cp.clients[key]; exists {
		cp.mutex.RUnlock()
		return client
	}
	cp.mutex.RUnlock()

	cp.mutex.Lock()
	defer cp.mutex.Unlock()

	// Double-check after acquiring write lock
	if client, exists := cp.clients[key]; exists {
		return client
	}

	client := &http.Client{
		Timeout: config.Timeout,
	}

	if !config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= constants.MaxRedirects {
				return fmt.Errorf("too many redirects (max: %d)", constants.MaxRedirects)
			}
			if err := validateRedirectURL(req.URL, via); err != nil {
				return fmt.Errorf("redirect validation failed: %w", err)
			}
			return nil
		}
	}

	dialer := &net.Dialer{
		Timeout:   constants.DefaultDialerTimeout,
		KeepAlive: constants.KeepAliveTimeout,
	}
	client.Transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        constants.MaxIdleConns,
		MaxIdleConnsPerHost: constants.MaxIdleConnsPerHost,
		MaxConnsPerHost:     constants.MaxConnsPerHost,
		IdleConnTimeout:     constants.IdleConnTimeout,

		TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.ResponseHeaderTimeout,
		ExpectContinueTimeout: constants.ExpectContinueTimeout,

		ForceAttemptHTTP2: true,
		WriteBufferSize:   32 * 1024,
		ReadBufferSize:    32 * 1024,
	}

	cp.clients[key] = client
	return client
}

// configKey generates a unique key for the client configuration. Only the
// fields that shape the *http.Client take part; the rest live on HTTPTransport.
func (cp *ClientPool) configKey(config *HTTPTransportConfig) string {
	return fmt.Sprintf("%v_%v", config.Timeout, config.FollowRedirects)
}

// CloseIdleConnections closes the idle connections of every pooled client.
func (cp *ClientPool) CloseIdleConnections() {
	cp.mutex.RLock()
	defer cp.mutex.RUnlock()
	for _, client := range cp.clients {
		client.CloseIdleConnections()
	}
}

// NewHTTPTransport creates a transport backed by a client from a private pool.
func NewHTTPTransport(config *HTTPTransportConfig, logger logr.Logger) *HTTPTransport {
	return NewClientPool().NewTransport(config, logger)
}

// NewTransport creates a transport backed by a client from cp.
func (cp *ClientPool) NewTransport(config *HTTPTransportConfig, logger logr.Logger) *HTTPTransport {
	if config == nil {
		config = DefaultHTTPTransportConfig()
	}
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	t := &HTTPTransport{
		client: cp.getOrCreateClient(config),
		config: config,
		logger: logger.WithName("transport"),
	}
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return t
}

// Client returns the underlying pooled client. It carries no credentials.
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

// Execute implements taskmanager.Transport.
func (t *HTTPTransport) Execute(ctx context.Context, req *http.Request) types.Result {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return types.Result{Err: clienterror.NetworkingError(err)}
		}
	}

	req = req.WithContext(ctx)
	if req.Header.Get(constants.HeaderUserAgent) == "" && t.config.UserAgent != "" {
		req.Header.Set(constants.HeaderUserAgent, t.config.UserAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.V(1).Info("request failed", "url", req.URL.Redacted(), "error", err.Error())
		return types.Result{Err: clienterror.NetworkingError(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := t.readBody(ctx, resp)
	result := types.Result{
		Data:                 data,
		Response:             resp,
		AuthorizationFailure: slices.Contains(t.config.AuthFailureStatuses, resp.StatusCode),
	}
	if err != nil {
		result.Err = clienterror.NetworkingError(err)
	}
	return result
}

// readBody reads the response in chunks up to the configured maximum.
func (t *HTTPTransport) readBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	maxSize := t.config.MaxContentSize
	if maxSize <= 0 {
		maxSize = constants.DefaultHTTPMaxContentSize
	}

	// Use a limited reader to avoid reading more than necessary
	reader := io.LimitReader(resp.Body, maxSize+1) // +1 to detect truncation

	var buf []byte
	if contentLength := resp.Header.Get("Content-Length"); contentLength != "" {
		if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil && size > 0 {
			buf = make([]byte, 0, min(size, maxSize))
		}
	}
	if buf == nil {
		buf = make([]byte, 0, min(int64(64*1024), maxSize))
	}

	const chunkSize = 32 * 1024
	chunk := make([]byte, chunkSize)
	totalRead := int64(0)

	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			if totalRead+int64(n) > maxSize {
				remaining := maxSize - totalRead
				if remaining > 0 {
					buf = append(buf, chunk[:remaining]...)
				}
				return buf, fmt.Errorf("%w: exceeded maximum size of %d bytes", ErrContentTooLarge, maxSize)
			}
			buf = append(buf, chunk[:n]...)
			totalRead += int64(n)
		}

		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// validateRedirectURL refuses redirects that downgrade HTTPS to HTTP, which
// would send the bearer token in clear text.
func validateRedirectURL(redirectURL *url.URL, via []*http.Request) error {
	if len(via) == 0 {
		return nil
	}
	originalScheme := via[0].URL.Scheme
	if redirectURL.Scheme != originalScheme {
		if originalScheme != "http" || redirectURL.Scheme != "https" {
			return fmt.Errorf("scheme change not allowed: %s -> %s", originalScheme, redirectURL.Scheme)
		}
	}
	return nil
}
