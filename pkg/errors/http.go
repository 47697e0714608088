package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTP status code mappings
var errorStatusCodes = map[error]int{
	ErrNotFound:           http.StatusNotFound,
	ErrInvalidInput:       http.StatusBadRequest,
	ErrInternalError:      http.StatusInternalServerError,
	ErrTimeout:            http.StatusGatewayTimeout,
	ErrUnavailable:        http.StatusServiceUnavailable,
	ErrAlreadyExists:      http.StatusConflict,
	ErrFailedPrecondition: http.StatusPreconditionFailed,
	ErrCanceled:           http.StatusRequestTimeout,

	// Audit service errors
	ErrMalformedFact:    http.StatusBadRequest,
	ErrInvalidRule:      http.StatusBadRequest,
	ErrRuleNotFound:     http.StatusNotFound,
	ErrAuditNotFound:    http.StatusNotFound,
	ErrStillCorrelating: http.StatusAccepted, // still joining facts, not failed
	ErrAuditExpired:     http.StatusGone,
	ErrAuditFailed:      http.StatusUnprocessableEntity,
	ErrStorageFailure:   http.StatusServiceUnavailable,
	ErrTransportFailure: http.StatusBadGateway,
}

// WriteError writes a standardized error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	// Extract structured error if possible
	var serr *Error
	if err == nil {
		// Handle nil error case
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{
			"error": "Unknown error",
		}
	} else if errors.As(err, &serr) {
		// Map on the sentinel the structured error wraps
		statusCode = HTTPStatusFromError(serr.original)
		response = serr.AsJSON()
	} else {
		// Plain error
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{
			"error": err.Error(),
		}
	}

	// Set content type and status code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// Write the response
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	// Walk the wrap chain until a mapped sentinel is found
	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}

		// Try unwrapping
		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}

	// Default to internal server error
	return http.StatusInternalServerError
}
