package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/ratelimit"
)

// successResponse is the success half of the response envelope.
type successResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

// respondData renders a 200 success envelope.
func respondData(w http.ResponseWriter, r *http.Request, data any, message string) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, successResponse{Success: true, Data: data, Message: message})
}

// respondError renders an error in the envelope. Anything that is not an
// *apierrors.APIError is treated as unexpected and surfaced generically.
// Errors carrying a throttle reset get a Retry-After header, so every
// 429 advertises when to come back regardless of which limit tripped.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierrors.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apierrors.ErrInternal
	}
	if !apiErr.RetryAt.IsZero() {
		retryAfter := apiErr.RetryAt.Unix() - time.Now().Unix()
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
	render.Status(r, apiErr.StatusCode)
	render.JSON(w, r, apiErr)
}

// setRateLimitHeaders stamps X-RateLimit-* on the response. Unlimited
// results (limiter disabled or failed open) set no headers rather than
// advertising a limit that is not enforced.
func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	if res.Unlimited {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

// respondRateLimited renders the 429 with Retry-After computed from the
// window reset.
func respondRateLimited(w http.ResponseWriter, r *http.Request, res ratelimit.Result) {
	respondError(w, r, apierrors.ErrRateLimitExceeded.WithRetryAt(res.ResetAt))
}
