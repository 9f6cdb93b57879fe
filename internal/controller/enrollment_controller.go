package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/campaign-engine/internal/model"
)

type EnrollmentService interface {
	Enroll(ctx context.Context, campaignID, contactID string) (*model.Enrollment, error)
	Get(ctx context.Context, id string) (*model.Enrollment, error)
	Pause(ctx context.Context, id string) (*model.Enrollment, error)
	Resume(ctx context.Context, id string) (*model.Enrollment, error)
	Cancel(ctx context.Context, id string) (*model.Enrollment, error)
}

type EnrollmentController struct {
	EnrollmentService EnrollmentService
	Logger            *slog.Logger
}

func (c *EnrollmentController) Enroll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContactID string `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.ContactID == "" {
		writeMessage(w, http.StatusBadRequest, "contact_id is required")
		return
	}

	e, err := c.EnrollmentService.Enroll(r.Context(), chi.URLParam(r, "id"), body.ContactID)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (c *EnrollmentController) Get(w http.ResponseWriter, r *http.Request) {
	c.respond(w, r, c.EnrollmentService.Get)
}

func (c *EnrollmentController) Pause(w http.ResponseWriter, r *http.Request) {
	c.respond(w, r, c.EnrollmentService.Pause)
}

func (c *EnrollmentController) Resume(w http.ResponseWriter, r *http.Request) {
	c.respond(w, r, c.EnrollmentService.Resume)
}

func (c *EnrollmentController) Cancel(w http.ResponseWriter, r *http.Request) {
	c.respond(w, r, c.EnrollmentService.Cancel)
}

func (c *EnrollmentController) respond(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*model.Enrollment, error)) {
	e, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
