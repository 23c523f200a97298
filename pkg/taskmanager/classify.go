package taskmanager

import (
	"errors"
	"slices"

	"github.com/d-kuro/identityhttp/pkg/clienterror"
	"github.com/d-kuro/identityhttp/pkg/constants"
)

// IsFatalRefreshError reports whether a refresh failure means the refresh
// token can never work again, in which case the session is logged out.
// Network errors, redirects, server errors and anything without a status
// leave the session logged in.
func IsFatalRefreshError(err error) bool {
	var statusErr *clienterror.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	if statusErr.ErrorCode == constants.OAuthErrorInvalidGrant {
		return true
	}
	return slices.Contains(constants.FatalRefreshStatuses, statusErr.StatusCode)
}
