package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/superfly/litedelta"
)

// StatusError is returned by Client when the server responds with a non-2xx status.
type StatusError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (code=%d)", e.Message, e.Code)
}

// Is matches the sentinel error that the server reported by message.
func (e *StatusError) Is(target error) bool {
	for _, err := range sentinelErrors {
		if target == err && e.Message == err.Error() {
			return true
		}
	}
	return false
}

// sentinelErrors are passed through the API by message.
var sentinelErrors = []error{
	litedelta.ErrDatabaseNotFound,
	litedelta.ErrBackupActive,
	litedelta.ErrCryptInProgress,
	litedelta.ErrLockConflict,
	litedelta.ErrRawDeviceNoDelta,
	litedelta.ErrDatabaseDamaged,
}

// ErrorStatusCode returns the HTTP status code for an error returned by the store.
func ErrorStatusCode(err error) int {
	switch {
	case errors.Is(err, litedelta.ErrDatabaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, litedelta.ErrBackupActive),
		errors.Is(err, litedelta.ErrCryptInProgress),
		errors.Is(err, litedelta.ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, litedelta.ErrRawDeviceNoDelta):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage returns the sentinel message if err wraps one so the client
// can match it with errors.Is().
func errorMessage(err error) string {
	for _, e := range sentinelErrors {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return err.Error()
}

// readError decodes an error response body.
func readError(resp *http.Response) error {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read error response: code=%d err=%w", resp.StatusCode, err)
	}

	e := &StatusError{Code: resp.StatusCode}
	if err := json.Unmarshal(buf, e); err != nil || e.Message == "" {
		e.Message = fmt.Sprintf("invalid response: %q", buf)
	}
	return e
}
