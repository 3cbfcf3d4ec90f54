package homeassistant

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nugget/ha-area-bridge/internal/result"
)

// ErrTokenMissing is returned by every remote call when no token is
// configured. Callers compare with errors.Is.
var ErrTokenMissing error = &result.Error{Kind: result.UpstreamAuthFailed, Message: "HA token missing"}

// ErrAuthInvalid is returned when the session handshake rejects the token.
var ErrAuthInvalid error = &result.Error{Kind: result.UpstreamAuthFailed, Message: "HA authentication failed"}

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// CommandError is a session result with success:false. The session
// stays usable after one.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ConnError is a transport failure: dial, read, write or timeout. A
// session that returns one is broken and every later command fails
// with the same error.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsConnError reports whether err is a transport-level failure.
func IsConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// Kind maps a platform error onto the shared error taxonomy.
func Kind(err error) result.Kind {
	if err == nil {
		return ""
	}
	if k := result.KindOf(err); k != "" {
		return k
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return result.UpstreamAuthFailed
		}
		if apiErr.StatusCode >= 500 {
			return result.UpstreamUnavailable
		}
		return ""
	}
	if IsConnError(err) {
		return result.UpstreamUnavailable
	}
	return ""
}
