package json

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	Write(w, status, ErrorResponse{Error: msg})
}

func WriteErrorCode(w http.ResponseWriter, status int, code, msg string) {
	Write(w, status, ErrorResponse{Error: msg, Code: code})
}

func WriteBadRequestError(w http.ResponseWriter, msg string) {
	WriteErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", msg)
}

func WriteUnauthorizedError(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusUnauthorized, msg)
}

func WriteNotFoundError(w http.ResponseWriter) {
	WriteErrorCode(w, http.StatusNotFound, "NOT_FOUND", http.StatusText(http.StatusNotFound))
}

func WriteInternalError(w http.ResponseWriter) {
	WriteErrorCode(w, http.StatusInternalServerError, "INTERNAL", "An unexpected error occurred")
}

func WriteRateLimitError(w http.ResponseWriter, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	WriteErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.")
}

// Read decodes a JSON body of at most maxBytes.
func Read(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
