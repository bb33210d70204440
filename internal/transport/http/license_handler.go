// Package http contains the chi handlers for the v2 license API consumed
// by WordPress/WooCommerce plugins: activate, validate, and deactivate.
package http

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/metrics"
	"licensegate/internal/ratelimit"
	"licensegate/internal/services"
)

// LicenseHandler serves the /api/v2/licenses endpoints.
type LicenseHandler struct {
	service  *services.LicenseService
	limiter  *ratelimit.Limiter
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLicenseHandler creates the handler.
func NewLicenseHandler(service *services.LicenseService, limiter *ratelimit.Limiter, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		limiter:  limiter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(10 * time.Second))
	r.Post("/activate", h.Activate)
	r.Post("/validate", h.Validate)
	r.Post("/deactivate", h.Deactivate)
	return r
}

// licenseRequest is the shared request body for activate and validate.
type licenseRequest struct {
	LicenseKey  string `json:"license_key" validate:"required"`
	ProductSlug string `json:"product_slug" validate:"required"`
	Domain      string `json:"domain" validate:"required"`
}

// deactivateRequest adds the optional caller-supplied reason.
type deactivateRequest struct {
	licenseRequest
	Reason string `json:"reason" validate:"omitempty,max=255"`
}

// Activate handles POST /activate. The activation class is throttled
// separately from the general class because activations mutate state.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	op := "activate"
	defer h.observe(op, time.Now())
	ctx := r.Context()

	res := h.limiter.Check(ctx, ratelimit.ClassActivation, clientIP(r))
	setRateLimitHeaders(w, res)
	if !res.Allowed {
		h.count(op, http.StatusTooManyRequests)
		respondRateLimited(w, r, res)
		return
	}

	req, apiErr := h.decode(r)
	if apiErr != nil {
		h.count(op, apiErr.StatusCode)
		respondError(w, r, apiErr)
		return
	}

	result, err := h.service.Activate(ctx, req.LicenseKey, req.ProductSlug, req.Domain, clientIP(r))
	if err != nil {
		h.countErr(op, err)
		respondError(w, r, err)
		return
	}

	h.count(op, http.StatusOK)
	message := "License is already active on this domain"
	if result.IsNewActivation {
		message = "License activated successfully"
	}
	respondData(w, r, result, message)
}

// Validate handles POST /validate. Revoked and expired licenses produce a
// 200 with valid:false; only misconfiguration states are errors.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	op := "validate"
	defer h.observe(op, time.Now())
	ctx := r.Context()

	res := h.limiter.Check(ctx, ratelimit.ClassGeneral, clientIP(r))
	setRateLimitHeaders(w, res)
	if !res.Allowed {
		h.count(op, http.StatusTooManyRequests)
		respondRateLimited(w, r, res)
		return
	}

	req, apiErr := h.decode(r)
	if apiErr != nil {
		h.count(op, apiErr.StatusCode)
		respondError(w, r, apiErr)
		return
	}

	result, err := h.service.Validate(ctx, req.LicenseKey, req.ProductSlug, req.Domain)
	if err != nil {
		h.countErr(op, err)
		respondError(w, r, err)
		return
	}

	h.count(op, http.StatusOK)
	respondData(w, r, result, "")
}

// Deactivate handles POST /deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	op := "deactivate"
	defer h.observe(op, time.Now())
	ctx := r.Context()

	res := h.limiter.Check(ctx, ratelimit.ClassGeneral, clientIP(r))
	setRateLimitHeaders(w, res)
	if !res.Allowed {
		h.count(op, http.StatusTooManyRequests)
		respondRateLimited(w, r, res)
		return
	}

	var req deactivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.count(op, http.StatusBadRequest)
		respondError(w, r, apierrors.Validation([]apierrors.FieldError{
			{Field: "body", Message: "invalid JSON payload"},
		}))
		return
	}
	if apiErr := h.validateRequest(&req.licenseRequest, req); apiErr != nil {
		h.count(op, apiErr.StatusCode)
		respondError(w, r, apiErr)
		return
	}

	result, err := h.service.Deactivate(ctx, req.LicenseKey, req.ProductSlug, req.Domain, req.Reason)
	if err != nil {
		h.countErr(op, err)
		respondError(w, r, err)
		return
	}

	h.count(op, http.StatusOK)
	respondData(w, r, result, "License deactivated successfully")
}

// decode parses and validates the shared request body, normalizing the
// key and domain so storage only ever sees canonical forms.
func (h *LicenseHandler) decode(r *http.Request) (*licenseRequest, *apierrors.APIError) {
	var req licenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		return nil, apierrors.Validation([]apierrors.FieldError{
			{Field: "body", Message: "invalid JSON payload"},
		})
	}
	if apiErr := h.validateRequest(&req, req); apiErr != nil {
		return nil, apiErr
	}
	return &req, nil
}

// validateRequest runs struct validation plus the key-format check and
// normalizes fields in place.
func (h *LicenseHandler) validateRequest(req *licenseRequest, payload any) *apierrors.APIError {
	if err := h.validate.Struct(payload); err != nil {
		var fields []apierrors.FieldError
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, apierrors.FieldError{
					Field:   fe.Field(),
					Message: validationMessage(fe),
				})
			}
		} else {
			fields = append(fields, apierrors.FieldError{Field: "body", Message: err.Error()})
		}
		return apierrors.Validation(fields)
	}

	req.LicenseKey = license.NormalizeKey(req.LicenseKey)
	if !license.ValidKeyFormat(req.LicenseKey) {
		return apierrors.Validation([]apierrors.FieldError{
			{Field: "license_key", Message: "must match format XXXX-XXXX-XXXX-XXXX"},
		})
	}

	req.Domain = license.NormalizeDomain(req.Domain)
	if req.Domain == "" {
		return apierrors.Validation([]apierrors.FieldError{
			{Field: "domain", Message: "must be a valid domain name"},
		})
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

// clientIP returns the request's client address without the port. The
// RealIP middleware has already resolved forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *LicenseHandler) observe(op string, start time.Time) {
	metrics.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (h *LicenseHandler) count(op string, status int) {
	metrics.RequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
}

func (h *LicenseHandler) countErr(op string, err error) {
	status := http.StatusInternalServerError
	if apiErr, ok := err.(*apierrors.APIError); ok {
		status = apiErr.StatusCode
	}
	h.count(op, status)
}
