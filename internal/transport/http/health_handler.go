package http

import (
	"net/http"

	"github.com/go-chi/render"
	"gorm.io/gorm"
)

// HealthHandler serves the liveness probe.
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler creates the handler. db may be nil in tests.
func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Healthz reports process liveness and database reachability.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	render.Status(r, code)
	render.JSON(w, r, map[string]string{"status": status})
}
