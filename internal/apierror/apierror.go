// Package apierror provides the error response format of the cache proxy.
// The proxy front end, middleware and admin API all use WriteJSON to
// produce consistent, machine-readable error responses with stable codes.
package apierror

import (
	"encoding/json"
	"net/http"

	"github.com/dskow/cacheproxy/internal/mc"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes form a public API contract. Clients program against them; do
// not rename or remove existing codes.
const (
	KeyNotFound            ErrorCode = "CACHE_KEY_NOT_FOUND"
	InvalidKey             ErrorCode = "CACHE_INVALID_KEY"
	InvalidHeader          ErrorCode = "CACHE_INVALID_HEADER"
	NotStored              ErrorCode = "CACHE_NOT_STORED"
	RouteNotFound          ErrorCode = "CACHE_ROUTE_NOT_FOUND"
	MethodNotAllowed       ErrorCode = "CACHE_METHOD_NOT_ALLOWED"
	DestinationUnavailable ErrorCode = "CACHE_DESTINATION_UNAVAILABLE"
	DestinationTko         ErrorCode = "CACHE_DESTINATION_TKO"
	DestinationBusy        ErrorCode = "CACHE_DESTINATION_BUSY"
	BackendTimeout         ErrorCode = "CACHE_BACKEND_TIMEOUT"
	BackendError           ErrorCode = "CACHE_BACKEND_ERROR"
	RequestRejected        ErrorCode = "CACHE_REQUEST_REJECTED"
	RequestCancelled       ErrorCode = "CACHE_REQUEST_CANCELLED"
	AuthMissingToken       ErrorCode = "CACHE_AUTH_MISSING_TOKEN"
	AuthInvalidToken       ErrorCode = "CACHE_AUTH_INVALID_TOKEN"
	AuthInsufficientScope  ErrorCode = "CACHE_AUTH_INSUFFICIENT_SCOPE"
	IPNotAllowed           ErrorCode = "CACHE_IP_NOT_ALLOWED"
	RateLimitExceeded      ErrorCode = "CACHE_RATE_LIMIT_EXCEEDED"
	InternalError          ErrorCode = "CACHE_INTERNAL_ERROR"
	BodyTooLarge           ErrorCode = "CACHE_BODY_TOO_LARGE"
	DeadlineExceeded       ErrorCode = "CACHE_DEADLINE_EXCEEDED"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// These do NOT include request_id since it varies per request.
var (
	preKeyNotFound       = mustMarshal(http.StatusNotFound, KeyNotFound, "key not found")
	preDestinationTko    = mustMarshal(http.StatusServiceUnavailable, DestinationTko, "destination marked down")
	preRequestRejected   = mustMarshal(http.StatusTooManyRequests, RequestRejected, "request rejected by admission control")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used. When a request
// id is available (X-Request-ID header) it is included in the response. The
// request parameter may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == KeyNotFound && status == http.StatusNotFound && message == "key not found":
		return preKeyNotFound
	case code == DestinationTko && status == http.StatusServiceUnavailable && message == "destination marked down":
		return preDestinationTko
	case code == RequestRejected && status == http.StatusTooManyRequests && message == "request rejected by admission control":
		return preRequestRejected
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	}
	return nil
}

// ForResult maps an error reply result to an HTTP status and error code.
// Success results map to 200 with an empty code.
func ForResult(res mc.Result) (int, ErrorCode) {
	switch res {
	case mc.ResultFound, mc.ResultStored, mc.ResultDeleted:
		return http.StatusOK, ""
	case mc.ResultNotFound:
		return http.StatusNotFound, KeyNotFound
	case mc.ResultNotStored:
		return http.StatusConflict, NotStored
	case mc.ResultTko:
		return http.StatusServiceUnavailable, DestinationTko
	case mc.ResultBusy:
		return http.StatusServiceUnavailable, DestinationBusy
	case mc.ResultConnectError:
		return http.StatusBadGateway, DestinationUnavailable
	case mc.ResultTimeout:
		return http.StatusGatewayTimeout, BackendTimeout
	case mc.ResultRemoteError:
		return http.StatusBadGateway, BackendError
	case mc.ResultRejected:
		return http.StatusTooManyRequests, RequestRejected
	case mc.ResultCancelled:
		return http.StatusGatewayTimeout, RequestCancelled
	case mc.ResultClientError:
		return http.StatusBadRequest, InvalidKey
	default:
		return http.StatusInternalServerError, InternalError
	}
}

// DefaultMessage is the message used for a result when the reply has none.
func DefaultMessage(res mc.Result) string {
	switch res {
	case mc.ResultNotFound:
		return "key not found"
	case mc.ResultTko:
		return "destination marked down"
	case mc.ResultRejected:
		return "request rejected by admission control"
	default:
		return res.String()
	}
}
