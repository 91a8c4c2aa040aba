package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrQuantityBelowMinimum is returned when a close quantity, after step
// rounding, falls under the symbol's minimum lot size. The caller skips
// the action without setting any hit flag.
var ErrQuantityBelowMinimum = errors.New("binance: quantity below minimum lot size")

// APIError is a tagged exchange error. Every non-2xx response and every
// transport failure is wrapped in one so callers can classify it without
// string matching.
type APIError struct {
	Status  int    // HTTP status, 0 for transport errors
	Code    int    // Binance error code, 0 when absent
	Message string
	Err     error // underlying transport error, if any
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("binance: %v", e.Err)
	}
	return fmt.Sprintf("binance: status %d code %d: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Transient reports whether the error is worth retrying on a later tick:
// transport failures, timeouts, rate limits and server-side errors.
func (e *APIError) Transient() bool {
	if e.Err != nil {
		return true
	}
	if e.Status == http.StatusTooManyRequests || e.Status == 418 || e.Status >= 500 {
		return true
	}
	switch e.Code {
	case -1001, -1003, -1015, -1016: // DISCONNECTED, TOO_MANY_REQUESTS, TOO_MANY_ORDERS, SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

// IsTransient reports whether err is a retryable exchange error.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Transient()
}

// IsPermanent reports whether err is an exchange rejection that will not
// go away on retry (bad symbol, bad parameters, auth failure).
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Transient()
}

// parseAPIError builds an APIError from a non-2xx response body.
// Binance error bodies look like {"code":-1121,"msg":"Invalid symbol."}.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: string(body)}

	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != 0 {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Msg
	}
	return apiErr
}
