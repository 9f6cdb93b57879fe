package controller

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP statuses: missing records are 404,
// state conflicts 409, other caller mistakes 422, everything else 500.
func statusFor(err error) int {
	switch {
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrAlreadyEnrolled),
		errors.Is(err, appErrors.ErrInvalidTransition),
		errors.Is(err, appErrors.ErrEnrollmentTerminal),
		errors.Is(err, appErrors.ErrCampaignNotActive):
		return http.StatusConflict
	case appErrors.IsValidation(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", slog.Any("error", err))
		writeMessage(w, status, "internal error")
		return
	}
	var flowErr *appErrors.ErrInvalidFlow
	if errors.As(err, &flowErr) {
		writeJSON(w, status, map[string]any{"error": err.Error(), "problems": flowErr.Problems})
		return
	}
	writeMessage(w, status, err.Error())
}
