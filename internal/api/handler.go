// Package api provides the read-only HTTP surface of the presentation runtime.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/livedeck/internal/domain"
	"github.com/ashureev/livedeck/internal/hub"
	"github.com/ashureev/livedeck/internal/store"
)

// DeckSource returns the active deck.
type DeckSource interface {
	Current() *domain.Deck
}

// StateSource returns the full presentation state.
type StateSource interface {
	Snapshot() hub.Snapshot
}

// RunSource is the in-memory view of executions.
type RunSource interface {
	Execution(runID string) (domain.Execution, error)
	GetRecording(runID string) (domain.Execution, []domain.RecordingEvent, error)
	ExecutionsOf(id domain.CodeBlockID) []domain.Execution
}

// Handler provides common handler utilities.
type Handler struct {
	deck    DeckSource
	state   StateSource
	runs    RunSource
	archive store.Archive
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(deck DeckSource, state StateSource, runs RunSource, archive store.Archive) *Handler {
	return &Handler{
		deck:    deck,
		state:   state,
		runs:    runs,
		archive: archive,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DomainError writes err with the status and code matching its sentinel.
func DomainError(w http.ResponseWriter, err error) {
	JSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"code":  domain.ErrorCode(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrCodeBlockNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunNotTerminal), errors.Is(err, domain.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOutOfRange), errors.Is(err, domain.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
