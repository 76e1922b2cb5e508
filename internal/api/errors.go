// Package api is the HTTP+WebSocket supervising layer: a REST surface
// over the transport and forward registries, event bus streaming over
// WebSocket, JWT auth, rate limiting, and Prometheus metrics. It never
// reaches past the registry APIs into a Forwarder or Session directly.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorCode enumerates the stable machine-readable codes in an APIError
// body.
type ErrorCode string

const (
	ErrCodeInternal           ErrorCode = "internal_error"
	ErrCodeNotFound           ErrorCode = "not_found"
	ErrCodeUnauthorized       ErrorCode = "unauthorized"
	ErrCodeForbidden          ErrorCode = "forbidden"
	ErrCodeBadRequest         ErrorCode = "bad_request"
	ErrCodeValidation         ErrorCode = "validation_error"
	ErrCodeRateLimit          ErrorCode = "rate_limited"
	ErrCodeConflict           ErrorCode = "conflict"
	ErrCodeServiceUnavailable ErrorCode = "service_unavailable"
	ErrCodeTimeout            ErrorCode = "timeout"

	// Core forwarding-engine error taxonomy mapping.
	ErrCodeAuthError           ErrorCode = "auth_error"
	ErrCodeNetworkError        ErrorCode = "network_error"
	ErrCodeBindError           ErrorCode = "bind_error"
	ErrCodeChannelError        ErrorCode = "channel_error"
	ErrCodeCircuitBreakerOpen  ErrorCode = "circuit_breaker_open"
	ErrCodeTokenExpired        ErrorCode = "token_expired"
	ErrCodeTokenInvalid        ErrorCode = "token_invalid"
	ErrCodeMissingAuth         ErrorCode = "missing_auth"
)

// ErrorDetail annotates one field-level validation failure.
type ErrorDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is the JSON body returned for every non-2xx response.
type APIError struct {
	status    int
	Code      ErrorCode     `json:"code"`
	Message   string        `json:"message"`
	Details   []ErrorDetail `json:"details,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e *APIError) Error() string { return e.Message }

func newAPIError(status int, code ErrorCode, message string) *APIError {
	return &APIError{status: status, Code: code, Message: message, Timestamp: time.Now().UTC()}
}

// WithDetails attaches field-level validation details.
func (e *APIError) WithDetails(details []ErrorDetail) *APIError {
	e.Details = details
	return e
}

// WithRequestID stamps the request ID for correlation with logs.
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

func InternalError(message string) *APIError {
	return newAPIError(http.StatusInternalServerError, ErrCodeInternal, message)
}

func NotFoundError(message string) *APIError {
	return newAPIError(http.StatusNotFound, ErrCodeNotFound, message)
}

func UnauthorizedError(message string) *APIError {
	return newAPIError(http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func BadRequestError(message string) *APIError {
	return newAPIError(http.StatusBadRequest, ErrCodeBadRequest, message)
}

func ValidationError(message string) *APIError {
	return newAPIError(http.StatusUnprocessableEntity, ErrCodeValidation, message)
}

func RateLimitError(message string) *APIError {
	return newAPIError(http.StatusTooManyRequests, ErrCodeRateLimit, message)
}

func ConflictError(message string) *APIError {
	return newAPIError(http.StatusConflict, ErrCodeConflict, message)
}

// SessionNotFoundError maps transport.NotFoundError to an HTTP 404.
func SessionNotFoundError(identity string) *APIError {
	return NotFoundError("session " + identity + " not found")
}

// ForwarderExistsError maps forward.DuplicateError to an HTTP 409.
func ForwarderExistsError(id string) *APIError {
	return ConflictError("forwarder " + id + " already exists")
}

// AuthRefusedError reports the SSH peer refusing the supplied
// credentials, distinct from the API's own bearer-token 401s by code.
func AuthRefusedError(message string) *APIError {
	return newAPIError(http.StatusUnauthorized, ErrCodeAuthError, message)
}

func NetworkFailureError(message string) *APIError {
	return newAPIError(http.StatusBadGateway, ErrCodeNetworkError, message)
}

func BindRefusedError(message string) *APIError {
	return newAPIError(http.StatusConflict, ErrCodeBindError, message)
}

func ChannelRefusedError(message string) *APIError {
	return newAPIError(http.StatusBadGateway, ErrCodeChannelError, message)
}

func CircuitBreakerOpenError(message string) *APIError {
	return newAPIError(http.StatusServiceUnavailable, ErrCodeCircuitBreakerOpen, message)
}

func TokenExpiredError() *APIError {
	return newAPIError(http.StatusUnauthorized, ErrCodeTokenExpired, "token has expired")
}

func TokenInvalidError() *APIError {
	return newAPIError(http.StatusUnauthorized, ErrCodeTokenInvalid, "token is invalid")
}

func MissingAuthError() *APIError {
	return newAPIError(http.StatusUnauthorized, ErrCodeMissingAuth, "missing authorization header")
}

// respondError writes err as a JSON APIError body with the correct
// status code.
func respondError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.status)
	json.NewEncoder(w).Encode(err)
}

// respondJSON writes v as a JSON body with the given status code.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
