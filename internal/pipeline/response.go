package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Response is a fully specified handler result. The pipeline writes it
// untouched instead of wrapping it in the default success envelope.
type Response struct {
	Status int
	Body   any
}

// Error is a terminal request error carrying the client-facing status and
// message. Anything else reaching the pipeline boundary is treated as
// unexpected and sanitized.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds a client-facing error with the given status.
func Errorf(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
