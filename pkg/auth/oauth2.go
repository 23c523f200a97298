package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/oauth2"

	"github.com/d-kuro/identityhttp/pkg/clienterror"
	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/types"
)

// OAuth2Config holds OAuth2 client configuration.
type OAuth2Config struct {
	ClientID     string   `json:"clientId,omitempty" mapstructure:"client_id" validate:"required"`
	ClientSecret string   `json:"clientSecret,omitempty" mapstructure:"client_secret" secret:"true"`
	AuthURL      string   `json:"authUrl,omitempty" mapstructure:"auth_url" validate:"omitempty,url"`
	TokenURL     string   `json:"tokenUrl,omitempty" mapstructure:"token_url" validate:"required,url"`
	Scopes       []string `json:"scopes,omitempty" mapstructure:"scopes"`
}

// OAuth2 returns the golang.org/x/oauth2 form of the configuration.
// Client credentials are always sent in the form body, which keeps every
// refresh to a single round trip.
func (c OAuth2Config) OAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: c.Scopes,
	}
}

// OAuth2TokenProvider refreshes sessions with the refresh_token grant.
type OAuth2TokenProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
	logger     logr.Logger
}

var _ TokenProvider = (*OAuth2TokenProvider)(nil)

// NewOAuth2TokenProvider creates a provider for the given token endpoint.
// A nil httpClient uses http.DefaultClient.
func NewOAuth2TokenProvider(config OAuth2Config, httpClient *http.Client, logger logr.Logger) *OAuth2TokenProvider {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &OAuth2TokenProvider{
		config:     config.OAuth2(),
		httpClient: httpClient,
		logger:     logger.WithName("oauth2"),
	}
}

// Refresh implements TokenProvider.
func (p *OAuth2TokenProvider) Refresh(ctx context.Context, current types.TokenBundle) (types.TokenBundle, error) {
	if current.RefreshToken == "" {
		return types.TokenBundle{}, &AuthError{
			Op:      "refresh_token",
			Message: "no refresh token available",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, constants.TokenRefreshTimeout)
	defer cancel()
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	p.logger.V(1).Info("refreshing", "refreshToken", types.Gut(current.RefreshToken))

	// An empty access token is never valid, so the source always hits the
	// token endpoint.
	source := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	token, err := source.Token()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.TokenBundle{}, &AuthError{
				Op:      "refresh_token",
				Message: "token refresh timeout",
				Err:     err,
			}
		}
		return types.TokenBundle{}, &AuthError{
			Op:      "refresh_token",
			Message: "failed to refresh token",
			Err:     translateRetrieveError(err),
		}
	}

	bundle := BundleFromOAuth2(token)
	if err := ValidateTokenBundle(bundle); err != nil {
		return types.TokenBundle{}, &AuthError{
			Op:      "validate_refreshed_token",
			Message: "refreshed token validation failed",
			Err:     err,
		}
	}

	p.logger.V(1).Info("refreshed", "refreshToken", types.Gut(bundle.RefreshToken))
	return bundle, nil
}

// BundleFromOAuth2 converts an oauth2 token response into a token bundle,
// picking up the id_token and user_id extras when present.
func BundleFromOAuth2(token *oauth2.Token) types.TokenBundle {
	bundle := types.TokenBundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		bundle.IDToken = idToken
	}
	switch userID := token.Extra("user_id").(type) {
	case string:
		bundle.UserID = userID
	case float64:
		bundle.UserID = fmt.Sprintf("%.0f", userID)
	}
	return bundle
}

// translateRetrieveError exposes the token endpoint's status as a
// *clienterror.StatusError while keeping the original error in the chain.
func translateRetrieveError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return err
	}
	return fmt.Errorf("%w: %w", &clienterror.StatusError{
		StatusCode: retrieveErr.Response.StatusCode,
		ErrorCode:  retrieveErr.ErrorCode,
		Body:       retrieveErr.Body,
	}, err)
}

// ValidateTokenBundle validates the structure and content of a bundle.
func ValidateTokenBundle(bundle types.TokenBundle) error {
	if bundle.AccessToken == "" {
		return fmt.Errorf("access token is empty")
	}
	if err := validateToken("access token", bundle.AccessToken); err != nil {
		return err
	}
	if bundle.RefreshToken == "" {
		return fmt.Errorf("refresh token is empty")
	}
	return validateToken("refresh token", bundle.RefreshToken)
}

func validateToken(name, token string) error {
	if len(token) < constants.MinTokenLength {
		return fmt.Errorf("%s too short", name)
	}
	if len(token) > constants.MaxTokenLength {
		return fmt.Errorf("%s too long", name)
	}
	// Header injection guard: the access token ends up in a request header.
	if strings.ContainsAny(token, "\x00\r\n") {
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}
