// Package types provides the data structures shared between the session,
// task manager, transport and token provider layers.
package types

import "fmt"

// TokenBundle holds the credentials of one logged-in session.
type TokenBundle struct {
	// AccessToken is sent as the bearer token on every request.
	AccessToken string `json:"access_token"`

	// RefreshToken is exchanged for a new bundle when the access token goes stale.
	RefreshToken string `json:"refresh_token"`

	// IDToken is the OpenID Connect id token, if the backend issued one.
	IDToken string `json:"id_token,omitempty"`

	// UserID is the legacy user identifier, if the backend issued one.
	UserID string `json:"user_id,omitempty"`
}

// Equal reports whether two bundles carry the same credentials.
func (b TokenBundle) Equal(other TokenBundle) bool {
	return b == other
}

// String redacts the token values.
func (b TokenBundle) String() string {
	return fmt.Sprintf("TokenBundle{access:%s refresh:%s id:%t user:%q}",
		Gut(b.AccessToken), Gut(b.RefreshToken), b.IDToken != "", b.UserID)
}

// Gut shortens a secret to its first and last characters for logging.
func Gut(secret string) string {
	if len(secret) <= 6 {
		return "***"
	}
	return secret[:3] + "..." + secret[len(secret)-3:]
}
