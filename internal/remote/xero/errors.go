package xero

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ternarybob/ledgerlink/internal/models"
	"golang.org/x/oauth2"
)

// APIError represents an error response from the accounting API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xero API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Unwrap maps the HTTP status class onto the typed failure taxonomy so
// callers can branch with errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return models.ErrUnauthorized
	case e.StatusCode == http.StatusTooManyRequests:
		return models.ErrRateLimited
	case e.StatusCode >= 500:
		return models.ErrRemoteUnavailable
	default:
		return nil
	}
}

// mapTransportError classifies transport-level failures. A timeout is a
// transient failure; it never trips the circuit breaker by itself.
func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	return err
}

// mapTokenError translates OAuth2 token endpoint rejections into the typed
// handshake errors the connection state machine surfaces verbatim.
func mapTokenError(err error) error {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		return mapTransportError(err)
	}

	code := retrieve.ErrorCode
	desc := strings.ToLower(retrieve.ErrorDescription)

	switch {
	case code == "invalid_client" || code == "unauthorized_client":
		return fmt.Errorf("%w: %s", models.ErrUnauthorizedClient, retrieve.ErrorDescription)
	case strings.Contains(desc, "redirect"):
		return fmt.Errorf("%w: %s", models.ErrRedirectURIMismatch, retrieve.ErrorDescription)
	case code == "invalid_grant":
		return fmt.Errorf("%w: %s", models.ErrExpiredCode, retrieve.ErrorDescription)
	case retrieve.Response != nil && retrieve.Response.StatusCode >= 500:
		return fmt.Errorf("%w: token endpoint returned %d", models.ErrRemoteUnavailable, retrieve.Response.StatusCode)
	default:
		return err
	}
}
