package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/livedeck/internal/domain"
	"github.com/ashureev/livedeck/internal/recording"
)

const defaultRunHistory = 50

// PresentationHandler serves the deck, the live state and run history.
type PresentationHandler struct {
	*Handler
}

// NewPresentationHandler creates a new presentation handler.
func NewPresentationHandler(base *Handler) *PresentationHandler {
	return &PresentationHandler{Handler: base}
}

// RegisterRoutes registers presentation routes.
func (h *PresentationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/deck", h.GetDeck)
		r.Get("/state", h.GetState)
		r.Get("/runs/{runID}", h.GetRun)
		r.Get("/runs/{runID}/cast", h.GetCast)
		r.Get("/blocks/{codeBlockID}/runs", h.ListBlockRuns)
	})
}

// GetDeck returns the active deck.
func (h *PresentationHandler) GetDeck(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.deck.Current())
}

// GetState returns a snapshot of the presentation state.
func (h *PresentationHandler) GetState(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.state.Snapshot())
}

type runResponse struct {
	Execution domain.Execution        `json:"execution"`
	Events    []domain.RecordingEvent `json:"events,omitempty"`
	Archived  bool                    `json:"archived"`
}

// GetRun returns a run and, once it is terminal, its complete recording.
func (h *PresentationHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	exec, err := h.runs.Execution(runID)
	if err == nil && !exec.Status.Terminal() {
		JSON(w, http.StatusOK, runResponse{Execution: exec})
		return
	}

	exec, events, archived, err := h.recording(r, runID)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, runResponse{Execution: exec, Events: events, Archived: archived})
}

// GetCast exports a terminal run as an asciicast v2 file.
func (h *PresentationHandler) GetCast(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	exec, events, _, err := h.recording(r, runID)
	if err != nil {
		DomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-asciicast")
	w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`.cast"`)
	w.WriteHeader(http.StatusOK)
	if err := recording.EncodeCast(w, recording.NewCastHeader(exec), events); err != nil {
		slog.Warn("Failed to write cast", "run_id", runID, "error", err)
	}
}

// recording returns the complete recording of a terminal run, from memory
// when it is still retained and from the archive otherwise.
func (h *PresentationHandler) recording(r *http.Request, runID string) (domain.Execution, []domain.RecordingEvent, bool, error) {
	exec, events, err := h.runs.GetRecording(runID)
	if err == nil {
		return exec, events, false, nil
	}
	if !errors.Is(err, domain.ErrRunNotFound) {
		return domain.Execution{}, nil, false, err
	}

	ctx := r.Context()
	exec, err = h.archive.GetRun(ctx, runID)
	if err != nil {
		return domain.Execution{}, nil, false, err
	}
	events, err = h.archive.GetRecording(ctx, runID)
	if err != nil {
		return domain.Execution{}, nil, false, err
	}
	return exec, events, true, nil
}

// ListBlockRuns returns the run history of a code block, newest first. Live
// runs of the current deck are merged with archived runs of earlier loads.
func (h *PresentationHandler) ListBlockRuns(w http.ResponseWriter, r *http.Request) {
	blockID := domain.CodeBlockID(chi.URLParam(r, "codeBlockID"))

	limit := defaultRunHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	archived, err := h.archive.ListRuns(r.Context(), blockID, limit)
	if err != nil {
		slog.Error("Failed to list archived runs", "code_block_id", blockID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	seen := make(map[string]bool)
	runs := make([]domain.Execution, 0, len(archived))
	for _, exec := range h.runs.ExecutionsOf(blockID) {
		seen[exec.RunID] = true
		runs = append(runs, exec)
	}
	for _, exec := range archived {
		if !seen[exec.RunID] {
			runs = append(runs, exec)
		}
	}

	slices.SortFunc(runs, func(a, b domain.Execution) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"code_block_id": blockID,
		"runs":          runs,
	})
}
