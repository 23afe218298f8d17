package connectors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nexasec/shadowbot/internal/models"
)

// AuthError indicates the credential was rejected or has expired. The
// scheduler suspends the connection instead of retrying.
type AuthError struct {
	Platform models.Platform
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: authentication failed: %s: %v", e.Platform, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: authentication failed: %s", e.Platform, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UnsupportedOperationError indicates the platform does not expose the
// requested capability. The connection is skipped for that capability only.
type UnsupportedOperationError struct {
	Platform  models.Platform
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: operation %q not supported", e.Platform, e.Operation)
}

// TransientError indicates a retryable network or server-side failure
// (timeouts, 5xx, 429). RetryAfter carries the platform's backoff hint when
// it sent one.
type TransientError struct {
	Platform   models.Platform
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure (status %d): %v", e.Platform, e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsUnsupported reports whether err is (or wraps) an UnsupportedOperationError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedOperationError
	return errors.As(err, &ue)
}

// RetryAfterHint extracts the platform backoff hint from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}

// ClassifyHTTPStatus maps an HTTP response status onto the connector error
// taxonomy. Adapters call it after every platform request so raw transport
// errors never escape.
func ClassifyHTTPStatus(platform models.Platform, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &AuthError{
			Platform: platform,
			Reason:   fmt.Sprintf("platform returned %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{
			Platform:   platform,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New("rate limited"),
		}
	case resp.StatusCode >= 500:
		return &TransientError{
			Platform:   platform,
			StatusCode: resp.StatusCode,
			Err:        errors.New("server error"),
		}
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: unexpected status %d", platform, resp.StatusCode)
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
