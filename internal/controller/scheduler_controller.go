package controller

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/unclebandit/campaign-engine/internal/service"
)

type PassRunner interface {
	RunLockedPass(ctx context.Context) (service.PassResult, bool, error)
}

// SchedulerController lets an external cron trigger a pass.
type SchedulerController struct {
	Scheduler PassRunner
	Secret    string
	Logger    *slog.Logger
}

func (c *SchedulerController) Run(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	result, ran, err := c.Scheduler.RunLockedPass(r.Context())
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	if !ran {
		writeJSON(w, http.StatusAccepted, map[string]any{"ran": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ran": true, "result": result})
}

// authorized checks the bearer token. An unset secret rejects every call.
func (c *SchedulerController) authorized(r *http.Request) bool {
	if c.Secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(c.Secret)) == 1
}
