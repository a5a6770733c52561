package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/fingerprint-core/internal/journal"
)

// handleCommandHistory returns journaled commands, newest first.
func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "journal is disabled")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.Commands(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read command history", "error", err)
		writeInternalError(w, "failed to read command history")
		return
	}
	if entries == nil {
		entries = []journal.CommandEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": entries,
		"count":    len(entries),
		"limit":    limit,
	})
}

// handleStateHistory returns recorded state changes, newest first.
func (s *Server) handleStateHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "journal is disabled")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.States(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read state history", "error", err)
		writeInternalError(w, "failed to read state history")
		return
	}
	if entries == nil {
		entries = []journal.StateEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"changes": entries,
		"count":   len(entries),
		"limit":   limit,
	})
}

// parseHistoryLimit reads ?limit. Values above the maximum are clamped.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return journal.DefaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	return journal.ClampLimit(limit), nil
}
