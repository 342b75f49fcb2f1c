package json

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/authfront/internal/log"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error       string            `json:"error"`
	Message     string            `json:"message,omitempty"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, code string, message string) {
	writeErrorResponse(w, statusCode, ErrorResponse{Error: code, Message: message})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse) {
	if err := WriteResponse(w, statusCode, response); err != nil {
		// Fallback to plain text error if JSON encoding fails
		http.Error(w, response.Error+": "+response.Message, statusCode)
	}
}

// WriteValidationError reports per-field problems with a 422.
func WriteValidationError(w http.ResponseWriter, fieldErrors map[string]string) {
	writeErrorResponse(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:       "invalid_fields",
		Message:     "One or more fields are invalid",
		FieldErrors: fieldErrors,
	})
}

// Common error responses
func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "conflict", message)
}

