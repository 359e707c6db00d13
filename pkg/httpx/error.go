package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int    `json:"retryAfterSec,omitempty"`
	Details       any    `json:"details,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with a consistent shape:
// {"error": {"code":"...","message":"..."}}
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, map[string]any{"error": ErrorPayload{Code: http.StatusText(statusCode), Message: message}})
}

// WriteTypedError writes a JSON error with explicit code and optional retryAfterSec.
func WriteTypedError(w http.ResponseWriter, statusCode int, code, message string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	WriteJSON(w, statusCode, map[string]any{"error": ErrorPayload{Code: code, Message: message, RetryAfterSec: retryAfter}})
}

// WriteErrorWithDetails writes a JSON error with a stable code and additional details.
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details any) {
	WriteJSON(w, statusCode, map[string]any{"error": ErrorPayload{Code: code, Message: message, Details: details}})
}
