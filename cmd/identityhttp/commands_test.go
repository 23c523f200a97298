package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/d-kuro/identityhttp/pkg/storage"
	"github.com/d-kuro/identityhttp/pkg/types"
)

type cliEnv struct {
	srv        *httptest.Server
	storeDir   string
	configPath string
	refreshes  atomic.Int32
}

// newCLIEnv serves an API that accepts "fresh" and a token endpoint that
// issues it.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	env := &cliEnv{storeDir: t.TempDir()}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Accept", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, "body of "+r.URL.Path)
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		env.refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"fresh","refresh_token":"refresh-2","token_type":"Bearer"}`)
	})
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)

	env.configPath = filepath.Join(t.TempDir(), "identityhttp.yaml")
	config := "server_url: " + env.srv.URL + "\noauth2:\n  client_id: cli\n"
	require.NoError(t, os.WriteFile(env.configPath, []byte(config), 0o600))
	return env
}

func (e *cliEnv) store(t *testing.T, tokens types.TokenBundle) *storage.FileSystemStore {
	t.Helper()
	store, err := storage.NewFileSystemStore(e.storeDir)
	require.NoError(t, err)
	require.NoError(t, store.StoreTokens(&tokens))
	return store
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.configPath, "--store-dir", e.storeDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "identityhttp dev")
}

func TestStatusCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "status")
	require.NoError(t, err)

	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, false, status["authenticated"])
	require.Equal(t, "logged_out", status["state"])

	env.store(t, types.TokenBundle{AccessToken: "fresh", RefreshToken: "r", UserID: "99"})
	out, err = env.run(t, "status")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, true, status["authenticated"])
	require.Equal(t, "99", status["userId"])
}

func TestGetCommand(t *testing.T) {
	env := newCLIEnv(t)
	store := env.store(t, types.TokenBundle{AccessToken: "stale", RefreshToken: "refresh-1", UserID: "99"})

	out, err := env.run(t, "get", "-i", "-H", "Accept: text/plain", env.srv.URL+"/api/a", env.srv.URL+"/api/b")
	require.NoError(t, err)
	require.Contains(t, out, "==> "+env.srv.URL+"/api/a <==")
	require.Contains(t, out, "body of /api/a")
	require.Contains(t, out, "body of /api/b")
	require.Contains(t, out, "X-Accept: text/plain")
	require.Equal(t, int32(1), env.refreshes.Load())

	tokens, err := store.LoadTokens()
	require.NoError(t, err)
	require.Equal(t, "fresh", tokens.AccessToken)
	require.Equal(t, "refresh-2", tokens.RefreshToken)
	require.Equal(t, "99", tokens.UserID)
}

func TestGetCommandNotLoggedIn(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "get", env.srv.URL+"/api/a")
	require.ErrorIs(t, err, errNotLoggedIn)
}

func TestLogoutCommand(t *testing.T) {
	env := newCLIEnv(t)
	store := env.store(t, types.TokenBundle{AccessToken: "fresh", RefreshToken: "r", UserID: "99"})

	out, err := env.run(t, "logout")
	require.NoError(t, err)
	require.Contains(t, out, "Logged out")
	require.False(t, store.HasTokens())

	out, err = env.run(t, "logout")
	require.NoError(t, err)
	require.Contains(t, out, "Not logged in")
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name        string
		raw         []string
		expect      http.Header
		expectError bool
	}{
		{name: "empty", raw: nil, expect: http.Header{}},
		{name: "single", raw: []string{"Accept: application/json"}, expect: http.Header{"Accept": {"application/json"}}},
		{name: "repeated", raw: []string{"x-a: 1", "X-A: 2"}, expect: http.Header{"X-A": {"1", "2"}}},
		{name: "missing colon", raw: []string{"Accept"}, expectError: true},
		{name: "invalid name", raw: []string{"Bad Name: 1"}, expectError: true},
		{name: "invalid value", raw: []string{"X-A: a\x00b"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, err := parseHeaders(tt.raw)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expect, header)
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		expectError bool
	}{
		{name: "https", raw: "https://api.example.com/me"},
		{name: "http with port", raw: "http://127.0.0.1:8080/"},
		{name: "ftp", raw: "ftp://example.com/file", expectError: true},
		{name: "relative", raw: "/api/me", expectError: true},
		{name: "missing host", raw: "https:///me", expectError: true},
		{name: "too long", raw: "https://example.com/" + strings.Repeat("a", 2048), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.raw)
			if tt.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
