package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/d-kuro/identityhttp/pkg/types"
)

func TestTokenProviderFunc(t *testing.T) {
	var got types.TokenBundle
	var provider TokenProvider = TokenProviderFunc(func(_ context.Context, current types.TokenBundle) (types.TokenBundle, error) {
		got = current
		return types.TokenBundle{AccessToken: "new", RefreshToken: current.RefreshToken}, nil
	})

	bundle, err := provider.Refresh(context.Background(), types.TokenBundle{AccessToken: "old", RefreshToken: "r"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.AccessToken != "old" {
		t.Errorf("Provider should receive the current bundle, got %v", got)
	}
	if bundle.AccessToken != "new" || bundle.RefreshToken != "r" {
		t.Errorf("Unexpected bundle %v", bundle)
	}
}

func TestAuthError(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name     string
		err      *AuthError
		expected string
		unwrap   error
	}{
		{
			name:     "with cause",
			err:      &AuthError{Op: "refresh_token", Message: "failed to refresh token", Err: cause},
			expected: "auth refresh_token: failed to refresh token: connection reset",
			unwrap:   cause,
		},
		{
			name:     "without cause",
			err:      &AuthError{Op: "refresh_token", Message: "no refresh token available"},
			expected: "auth refresh_token: no refresh token available",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, tt.err.Error())
			}
			if !errors.Is(tt.err, tt.unwrap) && tt.unwrap != nil {
				t.Errorf("Expected %v in chain", tt.unwrap)
			}
			if tt.unwrap == nil && tt.err.Unwrap() != nil {
				t.Error("Unwrap should be nil without a cause")
			}
		})
	}
}
