// Package session holds the logged-in identity that authenticated requests
// are made on behalf of.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/storage"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// State is the login state of a session.
type State int

const (
	LoggedOut State = iota
	LoggedIn
)

func (s State) String() string {
	switch s {
	case LoggedIn:
		return "logged_in"
	case LoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrMissingToken is returned by SetTokens when neither the new nor the
	// previous bundle supplies an access and a refresh token.
	ErrMissingToken = errors.New("session: access token and refresh token are required")

	// ErrMissingUserID is returned by SetTokens when the resulting bundle has
	// neither an id token nor a user id.
	ErrMissingUserID = errors.New("session: id token or user id is required")

	// ErrTokensChanged is returned by ReplaceTokens when the session no longer
	// holds the refresh token the new bundle was derived from.
	ErrTokensChanged = errors.New("session: tokens changed")
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// Options configures a new session.
type Options struct {
	// Store persists the token bundle. Nil keeps tokens in memory only.
	Store storage.CredentialStore

	Logger logr.Logger

	// RefreshRetryCount is the number of refresh-and-retry cycles a single
	// request may consume. Zero selects constants.DefaultRefreshRetryCount.
	RefreshRetryCount int

	// UnboundedRefreshRetries disables the retry budget entirely.
	UnboundedRefreshRetries bool
}

// Session is a logical logged-in or logged-out identity with a token bundle.
// All methods are safe for concurrent use.
type Session struct {
	id     string
	store  storage.CredentialStore
	logger logr.Logger

	mu           sync.RWMutex
	tokens       *types.TokenBundle
	retryCount   int
	retryBounded bool
	listeners    []func(State)
	closeHooks   []func()
	closed       bool
}

// New creates a logged-out session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	retries := opts.RefreshRetryCount
	if retries <= 0 {
		retries = constants.DefaultRefreshRetryCount
	}

	id := newID()
	return &Session{
		id:           id,
		store:        opts.Store,
		logger:       logger.WithName("session").WithValues("session", id),
		retryCount:   retries,
		retryBounded: !opts.UnboundedRefreshRetries,
	}
}

// ID returns the session reference. It is unique for the life of the process.
func (s *Session) ID() string {
	return s.id
}

// State returns LoggedIn while the session holds tokens.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return LoggedOut
	}
	return LoggedIn
}

// Tokens returns a copy of the current bundle.
func (s *Session) Tokens() (types.TokenBundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return types.TokenBundle{}, false
	}
	return *s.tokens, true
}

// AccessToken returns the current access token or "" when logged out.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return ""
	}
	return s.tokens.AccessToken
}

// LegacyUserID returns the user id issued by the token endpoint, if any.
func (s *Session) LegacyUserID() string {
	tokens, _ := s.Tokens()
	return tokens.UserID
}

// UserID returns the subject of the id token, falling back to the legacy
// user id. The id token signature is not verified; it was received directly
// from the token endpoint over TLS.
func (s *Session) UserID() string {
	tokens, ok := s.Tokens()
	if !ok {
		return ""
	}
	return anyUserID(tokens)
}

func anyUserID(tokens types.TokenBundle) string {
	if tokens.IDToken != "" {
		if sub, err := subject(tokens.IDToken); err == nil && sub != "" {
			return sub
		}
	}
	return tokens.UserID
}

func subject(idToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", err
	}
	return claims.GetSubject()
}

// SetTokens merges bundle into the current tokens and moves the session to
// LoggedIn. Empty access or refresh tokens keep their previous values. The id
// token and user id are replaced together when either is set, so they always
// describe the same user. Setting an identical bundle is a no-op.
func (s *Session) SetTokens(bundle types.TokenBundle) error {
	return s.setTokens(bundle, nil)
}

// ReplaceTokens is SetTokens for a bundle obtained by refreshing current. It
// returns ErrTokensChanged without touching the session when the session
// logged out or moved to another refresh token in the meantime.
func (s *Session) ReplaceTokens(current, bundle types.TokenBundle) error {
	return s.setTokens(bundle, &current)
}

func (s *Session) setTokens(bundle types.TokenBundle, expect *types.TokenBundle) error {
	s.mu.Lock()
	if expect != nil && !s.holds(*expect) {
		s.mu.Unlock()
		s.logger.V(1).Info("dropping tokens derived from a replaced bundle")
		return ErrTokensChanged
	}
	var old types.TokenBundle
	if s.tokens != nil {
		old = *s.tokens
	}

	merged := types.TokenBundle{
		AccessToken:  firstNonEmpty(bundle.AccessToken, old.AccessToken),
		RefreshToken: firstNonEmpty(bundle.RefreshToken, old.RefreshToken),
		IDToken:      old.IDToken,
		UserID:       old.UserID,
	}
	if bundle.IDToken != "" || bundle.UserID != "" {
		merged.IDToken = bundle.IDToken
		merged.UserID = bundle.UserID
	}

	if merged.AccessToken == "" || merged.RefreshToken == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w (access %s, refresh %s)", ErrMissingToken,
			types.Gut(merged.AccessToken), types.Gut(merged.RefreshToken))
	}
	if merged.IDToken == "" && merged.UserID == "" {
		s.mu.Unlock()
		return ErrMissingUserID
	}
	if s.tokens != nil && s.tokens.Equal(merged) {
		s.mu.Unlock()
		s.logger.V(2).Info("no new tokens to set")
		return nil
	}

	wasLoggedIn := s.tokens != nil
	s.tokens = &merged
	listeners := append([]func(State){}, s.listeners...)
	s.mu.Unlock()

	s.logger.V(1).Info("new tokens", "tokens", merged.String())

	if s.store != nil {
		if err := s.store.StoreTokens(&merged); err != nil {
			s.logger.Error(err, "failed to persist tokens", "path", s.store.GetStoragePath())
		}
	}

	newUser := anyUserID(merged)
	if newUser != "" && (!wasLoggedIn || newUser != anyUserID(old)) {
		for _, fn := range listeners {
			fn(LoggedIn)
		}
	}
	return nil
}

// LoadStoredTokens restores the bundle from the credential store.
func (s *Session) LoadStoredTokens() error {
	if s.store == nil {
		return storage.ErrStorageNotFound
	}
	tokens, err := s.store.LoadTokens()
	if err != nil {
		return err
	}
	return s.SetTokens(*tokens)
}

// holds reports whether the session still uses the refresh token of tokens.
// Callers hold s.mu.
func (s *Session) holds(tokens types.TokenBundle) bool {
	return s.tokens != nil && s.tokens.RefreshToken == tokens.RefreshToken
}

// Logout clears the tokens and moves the session to LoggedOut. It reports
// whether this call performed the transition; later calls are no-ops.
func (s *Session) Logout() bool {
	return s.logout(nil)
}

// LogoutTokens logs out only while the session still holds the refresh token
// of tokens. A session that logged in again since keeps its new tokens.
func (s *Session) LogoutTokens(tokens types.TokenBundle) bool {
	return s.logout(&tokens)
}

func (s *Session) logout(expect *types.TokenBundle) bool {
	s.mu.Lock()
	if s.tokens == nil || (expect != nil && !s.holds(*expect)) {
		s.mu.Unlock()
		return false
	}
	s.tokens = nil
	listeners := append([]func(State){}, s.listeners...)
	s.mu.Unlock()

	s.logger.V(1).Info("logged out")

	if s.store != nil {
		if err := s.store.ClearTokens(); err != nil {
			s.logger.Error(err, "failed to clear stored tokens", "path", s.store.GetStoragePath())
		}
	}
	for _, fn := range listeners {
		fn(LoggedOut)
	}
	return true
}

// OnStateChange registers fn to be called when a new user logs in and when
// the session logs out. fn runs on the goroutine that changed the state.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// RefreshRetryCount returns the retry budget given to each request and
// whether the budget is enforced at all.
func (s *Session) RefreshRetryCount() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount, s.retryBounded
}

// SetRefreshRetryCount bounds the retry budget of requests submitted after
// this call. Negative values are treated as zero.
func (s *Session) SetRefreshRetryCount(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.retryCount = n
	s.retryBounded = true
	s.mu.Unlock()
}

// DisableRefreshRetryLimit lets requests refresh and retry indefinitely.
func (s *Session) DisableRefreshRetryLimit() {
	s.mu.Lock()
	s.retryBounded = false
	s.mu.Unlock()
}

// StoragePath describes where the session persists tokens.
func (s *Session) StoragePath() string {
	if s.store == nil {
		return ""
	}
	return s.store.GetStoragePath()
}

// OnClose registers fn to run when the session is closed. If the session is
// already closed fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closeHooks = append(s.closeHooks, fn)
	s.mu.Unlock()
}

// Close destroys the session. Close hooks run once, in registration order.
// Tokens are kept in the store so a later session can restore them.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.closeHooks
	s.closeHooks = nil
	s.mu.Unlock()

	s.logger.V(1).Info("closed")
	for _, fn := range hooks {
		fn()
	}
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
