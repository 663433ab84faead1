package http

import (
	"encoding/json"
	"errors"
	"net/http"

	agents "dispatchd/internal/agents/domain"
	commands "dispatchd/internal/commands/domain"
)

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// respondCommandError maps the domain error taxonomy onto HTTP status codes.
// Validation failures are 400, missing resources 404, ownership violations
// 403, and every lost race or illegal transition 409.
func respondCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commands.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, commands.ErrNotFound), errors.Is(err, agents.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, commands.ErrInvalidTransition),
		errors.Is(err, commands.ErrConflictingUpdate),
		errors.Is(err, commands.ErrNotClaimed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
