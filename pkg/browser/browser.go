// Package browser provides the browser-based authorization code login that
// produces a session's first token bundle.
package browser

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"

	"github.com/d-kuro/identityhttp/pkg/auth"
	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/types"
)

const callbackPath = "/oauth2callback"

// AuthResult represents the result of browser authentication.
type AuthResult struct {
	Tokens types.TokenBundle
	Error  error
}

// Options customizes a BrowserAuth.
type Options struct {
	// OpenURL opens the authorization page. Defaults to the platform browser.
	OpenURL func(url string) error
	// Output receives the instructions shown to the user. Defaults to stdout.
	Output io.Writer
	// HTTPClient is used for the code exchange.
	HTTPClient *http.Client
	Logger     logr.Logger
	// Timeout bounds the whole login. Defaults to constants.AuthTimeout.
	Timeout time.Duration
}

// BrowserAuth handles the OAuth2 authorization code flow with PKCE.
type BrowserAuth struct {
	config   *oauth2.Config
	state    string
	verifier string
	opts     Options
	server   *http.Server
}

// NewBrowserAuth creates a new browser authentication handler.
func NewBrowserAuth(config auth.OAuth2Config, opts Options) *BrowserAuth {
	if opts.OpenURL == nil {
		opts.OpenURL = openBrowser
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.AuthTimeout
	}
	opts.Logger = opts.Logger.WithName("browser")

	return &BrowserAuth{
		config:   config.OAuth2(),
		state:    generateState(),
		verifier: oauth2.GenerateVerifier(),
		opts:     opts,
	}
}

// Authenticate runs the login and returns the tokens issued for the code.
func (ba *BrowserAuth) Authenticate(ctx context.Context) (types.TokenBundle, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return types.TokenBundle{}, fmt.Errorf("failed to listen for callback: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	ba.config.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath)

	authURL := ba.config.AuthCodeURL(ba.state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(ba.verifier),
	)

	resultChan := make(chan AuthResult, 1)
	ba.startServer(ctx, listener, resultChan)
	defer ba.shutdown()

	out := ba.opts.Output
	_, _ = fmt.Fprintf(out, "\n%s authentication required.\n", constants.LibraryName)
	_, _ = fmt.Fprintf(out, "Opening authentication page in your browser...\n")
	_, _ = fmt.Fprintf(out, "If the browser doesn't open automatically, visit:\n\n%s\n\n", authURL)

	if err := ba.opts.OpenURL(authURL); err != nil {
		_, _ = fmt.Fprintf(out, "Failed to open browser automatically: %v\n", err)
		_, _ = fmt.Fprintf(out, "Please manually open the URL above.\n")
	}
	_, _ = fmt.Fprintln(out, "Waiting for authentication...")

	timer := time.NewTimer(ba.opts.Timeout)
	defer timer.Stop()

	select {
	case result := <-resultChan:
		if result.Error != nil {
			return types.TokenBundle{}, result.Error
		}
		return result.Tokens, nil
	case <-ctx.Done():
		return types.TokenBundle{}, ctx.Err()
	case <-timer.C:
		return types.TokenBundle{}, errors.New("authentication timeout")
	}
}

// startServer serves the OAuth callback on listener.
func (ba *BrowserAuth) startServer(ctx context.Context, listener net.Listener, resultChan chan<- AuthResult) {
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, ba.handleCallback(ctx, resultChan))

	ba.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: constants.ResponseHeaderTimeout,
	}

	go func() {
		if err := ba.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deliver(resultChan, AuthResult{Error: fmt.Errorf("server error: %w", err)})
		}
	}()
}

// deliver keeps the first result; the browser may hit the callback twice.
func deliver(resultChan chan<- AuthResult, result AuthResult) {
	select {
	case resultChan <- result:
	default:
	}
}

// handleCallback handles the OAuth2 callback.
func (ba *BrowserAuth) handleCallback(ctx context.Context, resultChan chan<- AuthResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errMsg := query.Get("error"); errMsg != "" {
			deliver(resultChan, AuthResult{Error: fmt.Errorf("authentication error: %s", errMsg)})
			http.Error(w, "Authentication failed. You can close this window.", http.StatusUnauthorized)
			return
		}

		// Verify state parameter (CSRF protection)
		if state := query.Get("state"); state != ba.state {
			deliver(resultChan, AuthResult{Error: errors.New("state mismatch, possible CSRF attack")})
			http.Error(w, "State mismatch. Possible CSRF attack", http.StatusBadRequest)
			return
		}

		code := query.Get("code")
		if code == "" {
			deliver(resultChan, AuthResult{Error: errors.New("no authorization code received")})
			http.Error(w, "No authorization code found", http.StatusBadRequest)
			return
		}

		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.TokenRefreshTimeout)
		defer cancel()
		if ba.opts.HTTPClient != nil {
			exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, ba.opts.HTTPClient)
		}

		token, err := ba.config.Exchange(exchangeCtx, code, oauth2.VerifierOption(ba.verifier))
		if err != nil {
			deliver(resultChan, AuthResult{Error: fmt.Errorf("failed to exchange token: %w", err)})
			http.Error(w, "Authentication failed. You can close this window.", http.StatusBadGateway)
			return
		}

		bundle := auth.BundleFromOAuth2(token)
		if err := auth.ValidateTokenBundle(bundle); err != nil {
			deliver(resultChan, AuthResult{Error: fmt.Errorf("invalid token response: %w", err)})
			http.Error(w, "Authentication failed. You can close this window.", http.StatusBadGateway)
			return
		}

		ba.opts.Logger.V(1).Info("authorization code exchanged")
		deliver(resultChan, AuthResult{Tokens: bundle})
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "Authentication complete. You can close this window.\n")
	}
}

// shutdown gracefully shuts down the server.
func (ba *BrowserAuth) shutdown() {
	if ba.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
		defer cancel()
		_ = ba.server.Shutdown(ctx) // Ignore error during shutdown
	}
}

// generateState generates a random state parameter for CSRF protection.
func generateState() string {
	bytes := make([]byte, constants.StateRandomBytes)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to time-based state if crypto/rand fails
		return fmt.Sprintf("state_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// openBrowser opens the given URL in the default browser.
func openBrowser(url string) error {
	var cmd string
	var args []string

	if commands, exists := constants.BrowserCommands[runtime.GOOS]; exists {
		cmd = commands[0]
		if len(commands) > 1 {
			args = commands[1:]
		}
	} else {
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}
