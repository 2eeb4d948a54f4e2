package httpserver

import (
	"encoding/json"
	"net/http"
)

const (
	ErrInvalidToken = "Invalid or expired token."
	ErrInvalidJSON  = "invalid json"
	ErrMissingID    = "missing id"
	ErrDependency   = "dependency error"
	ErrNotFound     = "not found"
	ErrBadUpload    = "missing or invalid file"
	ErrTooLarge     = "file too large"
	ErrUnexpected   = "unexpected error"
	ErrRateLimited  = "too many requests"
	ErrUnauthorized = "unauthorized"
)

// detail mirrors the public API's error envelope: {"detail": "..."}.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
