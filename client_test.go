package identityhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/d-kuro/identityhttp/pkg/clienterror"
	"github.com/d-kuro/identityhttp/pkg/session"
	"github.com/d-kuro/identityhttp/pkg/storage"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// identityBackend serves /api/* behind bearer auth and the refresh grant on
// /oauth/token.
type identityBackend struct {
	mu          sync.Mutex
	validToken  string
	issued      int
	apiCalls    atomic.Int32
	tokenCalls  atomic.Int32
	tokenStatus int
	tokenError  string
	rejectWith  int
}

func newIdentityBackend(t *testing.T) (*identityBackend, *httptest.Server) {
	t.Helper()
	b := &identityBackend{validToken: "access-1", rejectWith: http.StatusUnauthorized}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", b.serveAPI)
	mux.HandleFunc("/oauth/token", b.serveToken)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *identityBackend) serveAPI(w http.ResponseWriter, r *http.Request) {
	b.apiCalls.Add(1)
	b.mu.Lock()
	valid := "Bearer " + b.validToken
	reject := b.rejectWith
	b.mu.Unlock()

	if r.Header.Get("Authorization") != valid {
		w.WriteHeader(reject)
		return
	}
	for name := range r.Header {
		if strings.HasPrefix(name, "X-Identityhttp-Ref-") {
			w.WriteHeader(http.StatusTeapot)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "hello "+r.URL.Path)
}

func (b *identityBackend) serveToken(w http.ResponseWriter, r *http.Request) {
	b.tokenCalls.Add(1)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokenStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(b.tokenStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": b.tokenError})
		return
	}

	b.issued++
	b.validToken = "access-" + strconv.Itoa(b.issued+1)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  b.validToken,
		"refresh_token": "refresh-" + strconv.Itoa(b.issued+1),
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func (b *identityBackend) expire() {
	b.mu.Lock()
	b.validToken = "rotated-server-side"
	b.mu.Unlock()
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...ConfigOption) *Client {
	t.Helper()
	opts = append([]ConfigOption{
		WithServerURL(srv.URL),
		WithClientCredentials("client", "secret"),
		WithTimeout(5 * time.Second),
	}, opts...)
	client, err := NewClient(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func loggedIn(t *testing.T, client *Client, access string) *session.Session {
	t.Helper()
	s := client.NewSession()
	require.NoError(t, client.Login(s, types.TokenBundle{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		UserID:       "12345",
	}))
	return s
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string, error) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body), nil
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	_, err := NewClient(WithServerURL("https://login.example.com"))
	require.Error(t, err)

	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	require.Equal(t, "OAuth2Config.ClientID", configErr.Field)
}

func TestClientAuthenticatedRequest(t *testing.T) {
	backend, srv := newIdentityBackend(t)
	client := newTestClient(t, srv)
	s := loggedIn(t, client, "access-1")

	resp, body, err := get(t, client.HTTPClient(s), srv.URL+"/api/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello /api/me", body)
	require.Equal(t, int32(1), backend.apiCalls.Load())
	require.Equal(t, int32(0), backend.tokenCalls.Load())
}

func TestClientRefreshesStaleToken(t *testing.T) {
	backend, srv := newIdentityBackend(t)
	store := storage.NewMemoryStore()
	client := newTestClient(t, srv, WithCredentialStore(store))
	s := loggedIn(t, client, "stale")

	resp, body, err := get(t, client.HTTPClient(s), srv.URL+"/api/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello /api/me", body)

	require.Equal(t, int32(2), backend.apiCalls.Load())
	require.Equal(t, int32(1), backend.tokenCalls.Load())

	tokens, ok := s.Tokens()
	require.True(t, ok)
	require.Equal(t, "access-2", tokens.AccessToken)
	require.Equal(t, "refresh-2", tokens.RefreshToken)
	require.Equal(t, "12345", tokens.UserID)

	stored, err := store.LoadTokens()
	require.NoError(t, err)
	require.Equal(t, tokens, *stored)
}

func TestClientSingleRefreshForConcurrentRequests(t *testing.T) {
	backend, srv := newIdentityBackend(t)
	client := newTestClient(t, srv, WithUnboundedRefreshRetries())
	s := loggedIn(t, client, "access-1")
	backend.expire()

	httpClient := client.HTTPClient(s)
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			resp, err := httpClient.Get(srv.URL + "/api/items")
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, int32(1), backend.tokenCalls.Load())
}

func TestClientRefreshFailure(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		errorCode   string
		expectState session.State
	}{
		{name: "invalid grant logs out", status: http.StatusBadRequest, errorCode: "invalid_grant", expectState: session.LoggedOut},
		{name: "forbidden logs out", status: http.StatusForbidden, errorCode: "access_denied", expectState: session.LoggedOut},
		{name: "server error keeps session", status: http.StatusInternalServerError, errorCode: "server_error", expectState: session.LoggedIn},
		{name: "unavailable keeps session", status: http.StatusServiceUnavailable, errorCode: "temporarily_unavailable", expectState: session.LoggedIn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, srv := newIdentityBackend(t)
			backend.tokenStatus = tt.status
			backend.tokenError = tt.errorCode
			client := newTestClient(t, srv)
			s := loggedIn(t, client, "stale")

			_, _, err := get(t, client.HTTPClient(s), srv.URL+"/api/me")
			require.Error(t, err)
			require.True(t, clienterror.IsCode(err, clienterror.CodeUserRefreshFailed))
			require.Equal(t, tt.expectState, s.State())

			var statusErr *clienterror.StatusError
			require.ErrorAs(t, err, &statusErr)
			require.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestClientAuthFailureStatuses(t *testing.T) {
	backend, srv := newIdentityBackend(t)
	backend.rejectWith = 419
	client := newTestClient(t, srv, WithAuthFailureStatuses(419))
	s := loggedIn(t, client, "stale")

	resp, _, err := get(t, client.HTTPClient(s), srv.URL+"/api/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(1), backend.tokenCalls.Load())
}

func TestClientUnlistedStatusIsNotRefreshed(t *testing.T) {
	backend, srv := newIdentityBackend(t)
	backend.rejectWith = 419
	client := newTestClient(t, srv)
	s := loggedIn(t, client, "stale")

	resp, _, err := get(t, client.HTTPClient(s), srv.URL+"/api/me")
	require.NoError(t, err)
	require.Equal(t, 419, resp.StatusCode)
	require.Equal(t, int32(0), backend.tokenCalls.Load())
}

func TestClientRefreshRetryExceeded(t *testing.T) {
	backend, srv := newIdentityBackend(t)
	client := newTestClient(t, srv, WithRefreshRetryCount(0))
	s := loggedIn(t, client, "stale")

	_, _, err := get(t, client.HTTPClient(s), srv.URL+"/api/me")
	require.ErrorIs(t, err, clienterror.ErrRefreshRetryExceeded)
	require.Equal(t, int32(1), backend.apiCalls.Load())
	require.Equal(t, int32(0), backend.tokenCalls.Load())
}

func TestClientClosedSession(t *testing.T) {
	backend, srv := newIdentityBackend(t)
	client := newTestClient(t, srv)
	s := loggedIn(t, client, "access-1")
	client.CloseSession(s)

	_, _, err := get(t, client.HTTPClient(s), srv.URL+"/api/me")
	require.ErrorIs(t, err, clienterror.ErrInvalidUser)
	require.Equal(t, int32(0), backend.apiCalls.Load())
}

func TestClientDo(t *testing.T) {
	_, srv := newIdentityBackend(t)
	client := newTestClient(t, srv)
	s := loggedIn(t, client, "access-1")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/async", nil)
	require.NoError(t, err)

	done := make(chan types.Result, 1)
	handle := client.Do(s, req, func(result types.Result) { done <- result })
	require.NotEmpty(t, handle.ID())

	select {
	case result := <-done:
		require.NoError(t, result.Err)
		require.Equal(t, http.StatusOK, result.StatusCode())
		require.Equal(t, "hello /api/async", string(result.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("completion not called")
	}
}

func TestClientRequestContextCancel(t *testing.T) {
	_, srv := newIdentityBackend(t)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(slow.Close)

	client := newTestClient(t, srv)
	s := loggedIn(t, client, "access-1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, slow.URL+"/api/slow", nil)
	require.NoError(t, err)

	_, err = client.HTTPClient(s).Do(req)
	require.Error(t, err)
	require.True(t, clienterror.IsCode(err, clienterror.CodeCancelled))
}

func TestClientRestoreSession(t *testing.T) {
	_, srv := newIdentityBackend(t)
	store, err := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	client := newTestClient(t, srv, WithCredentialStore(store))

	_, err = client.RestoreSession()
	require.ErrorIs(t, err, storage.ErrStorageNotFound)

	first := loggedIn(t, client, "access-1")
	client.CloseSession(first)

	restored, err := client.RestoreSession()
	require.NoError(t, err)
	require.Equal(t, session.LoggedIn, restored.State())
	require.Equal(t, "access-1", restored.AccessToken())

	resp, _, err := get(t, client.HTTPClient(restored), srv.URL+"/api/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.True(t, client.Logout(restored))
	require.False(t, store.HasTokens())
}

func TestClientGetAuthStatus(t *testing.T) {
	_, srv := newIdentityBackend(t)
	client := newTestClient(t, srv, WithRefreshRetryCount(2))

	s := client.NewSession()
	status := client.GetAuthStatus(s)
	require.False(t, status.Authenticated)
	require.Equal(t, "logged_out", status.State)
	require.NotNil(t, status.RefreshRetryCount)
	require.Equal(t, 2, *status.RefreshRetryCount)

	require.NoError(t, client.Login(s, types.TokenBundle{AccessToken: "a", RefreshToken: "r", UserID: "7"}))
	status = client.GetAuthStatus(s)
	require.True(t, status.Authenticated)
	require.Equal(t, "logged_in", status.State)
	require.Equal(t, "7", status.UserID)
	require.True(t, status.HasRefreshToken)
	require.False(t, status.HasIDToken)

	unbounded := newTestClient(t, srv, WithUnboundedRefreshRetries())
	require.Nil(t, unbounded.GetAuthStatus(unbounded.NewSession()).RefreshRetryCount)
}

func TestClientLoginValidatesTokens(t *testing.T) {
	_, srv := newIdentityBackend(t)
	client := newTestClient(t, srv)
	s := client.NewSession()

	err := client.Login(s, types.TokenBundle{AccessToken: "a\r\nX-Evil: 1", RefreshToken: "r", UserID: "1"})
	require.Error(t, err)
	require.Equal(t, session.LoggedOut, s.State())
}

func TestClientMetrics(t *testing.T) {
	_, srv := newIdentityBackend(t)
	reg := prometheus.NewRegistry()
	client := newTestClient(t, srv, WithMetricsRegisterer(reg))
	s := loggedIn(t, client, "stale")

	_, _, err := get(t, client.HTTPClient(s), srv.URL+"/api/me")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Positive(t, count)
}
