//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/livedeck/internal/domain"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestDomainError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("lookup: %w", domain.ErrRunNotFound), http.StatusNotFound, "run_not_found"},
		{domain.ErrRunNotTerminal, http.StatusConflict, "run_not_terminal"},
		{domain.ErrOutOfRange, http.StatusBadRequest, "out_of_range"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		DomainError(w, tt.err)

		if w.Code != tt.wantStatus {
			t.Errorf("%v: expected status %d, got %d", tt.err, tt.wantStatus, w.Code)
		}
		var got map[string]string
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if got["code"] != tt.wantCode {
			t.Errorf("%v: expected code %q, got %q", tt.err, tt.wantCode, got["code"])
		}
	}
}
