package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"marketgate/pkg/types"
)

// HTTPAuth verifies API keys against the platform's auth service over HTTP.
// It is the production AuthPort; tests substitute a fake.
type HTTPAuth struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewHTTPAuth creates an auth client with retry on transient server errors.
func NewHTTPAuth(verifyURL string, timeout time.Duration, logger *slog.Logger) *HTTPAuth {
	httpClient := resty.New().
		SetBaseURL(verifyURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTPAuth{
		http:   httpClient,
		logger: logger.With("component", "auth"),
	}
}

// Verify maps an API key to (user_id, broker_name). A 401/403 yields
// INVALID_API_KEY; transport failures yield AUTHENTICATION_ERROR.
func (a *HTTPAuth) Verify(ctx context.Context, apiKey string) (Identity, error) {
	var ident Identity
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"api_key": apiKey}).
		SetResult(&ident).
		Post("/verify")
	if err != nil {
		return Identity{}, WrapError(types.CodeAuthenticationError, err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
		if ident.UserID == "" {
			return Identity{}, NewError(types.CodeAuthenticationError, "auth service returned empty identity")
		}
		return ident, nil
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return Identity{}, NewError(types.CodeInvalidAPIKey, "invalid api key")
	default:
		a.logger.Error("auth service error", "status", resp.StatusCode())
		return Identity{}, NewError(types.CodeAuthenticationError,
			fmt.Sprintf("auth service status %d", resp.StatusCode()))
	}
}
