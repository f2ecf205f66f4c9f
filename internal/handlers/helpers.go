package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ternarybob/atelier/internal/models"
)

type contextKey string

// ClientIDKey carries the authenticated client identity through the
// request context; the auth middleware sets it.
const ClientIDKey contextKey = "client_id"

// ClientID returns the authenticated client for the request.
func ClientID(r *http.Request) string {
	if id, ok := r.Context().Value(ClientIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithClientID stores the client identity on a context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a structured error payload {kind, message, details?}.
func WriteError(w http.ResponseWriter, statusCode int, kind models.ErrorKind, message string) error {
	return WriteJSON(w, statusCode, &models.JobError{Kind: kind, Message: message})
}

// WriteJobError maps an error's kind to a status code and writes it.
func WriteJobError(w http.ResponseWriter, err error) error {
	je := models.AsJobError(err)
	return WriteJSON(w, statusForKind(je.Kind), je)
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrKindValidation:
		return http.StatusBadRequest
	case models.ErrKindAuth:
		return http.StatusUnauthorized
	case models.ErrKindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GetPaginationParams extracts limit/offset from the query string.
// Defaults: limit 50, max 200.
func GetPaginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
