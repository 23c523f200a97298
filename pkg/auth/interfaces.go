// Package auth provides token refresh for authenticated sessions.
package auth

import (
	"context"
	"fmt"

	"github.com/d-kuro/identityhttp/pkg/types"
)

// TokenProvider exchanges a session's current token bundle for a new one.
// Implementations perform the actual refresh HTTP call; they must be safe for
// concurrent use across sessions.
type TokenProvider interface {
	// Refresh returns a new bundle or an error describing why the refresh
	// failed. Unexpected HTTP statuses are reported as *clienterror.StatusError
	// somewhere in the error chain so callers can classify them.
	Refresh(ctx context.Context, current types.TokenBundle) (types.TokenBundle, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context, current types.TokenBundle) (types.TokenBundle, error)

// Refresh calls f(ctx, current).
func (f TokenProviderFunc) Refresh(ctx context.Context, current types.TokenBundle) (types.TokenBundle, error) {
	return f(ctx, current)
}

// AuthStatus represents the current authentication status of a session.
type AuthStatus struct {
	Authenticated     bool   `json:"authenticated"`
	State             string `json:"state"`
	UserID            string `json:"userId,omitempty"`
	HasRefreshToken   bool   `json:"hasRefreshToken,omitempty"`
	HasIDToken        bool   `json:"hasIdToken,omitempty"`
	RefreshRetryCount *int   `json:"refreshRetryCount,omitempty"`
	StoragePath       string `json:"storagePath,omitempty"`
}

// AuthError represents an authentication error.
type AuthError struct {
	Op      string // The operation that failed
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Op, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
