// Package services implements the license gatekeeping logic: the domain
// activation state machine and the read-only validation path. Handlers in
// internal/transport/http translate HTTP to these calls; storage details
// live behind the Repository interface.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/metrics"
	"licensegate/internal/ratelimit"
	"licensegate/internal/store"
)

// Repository is the storage surface the service needs. Implemented by
// store.LicenseRepository; tests substitute fakes.
type Repository interface {
	FindByKeyAndProductSlug(ctx context.Context, key, slug string) (*store.License, error)
	ActiveActivation(ctx context.Context, licenseID uint) (*store.LicenseActivation, error)
	MarkExpired(ctx context.Context, licenseID uint) (bool, error)
	ActivateOrChangeDomain(ctx context.Context, licenseID uint, domain, ipAddress string, now time.Time) (*store.ActivationOutcome, error)
	Deactivate(ctx context.Context, licenseID uint, domain, reason string, now time.Time) (*store.ActivationOutcome, error)
}

// FailedAttemptLimiter is the slice of the rate limiter the validate path
// uses for per-key brute-force throttling.
type FailedAttemptLimiter interface {
	Check(ctx context.Context, class ratelimit.Class, identifier string) ratelimit.Result
	Peek(ctx context.Context, class ratelimit.Class, identifier string) ratelimit.Result
}

// LicenseService decides activate, validate, and deactivate outcomes.
type LicenseService struct {
	repo    Repository
	limiter FailedAttemptLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewLicenseService wires the service. now defaults to time.Now and is
// injectable for deterministic tests.
func NewLicenseService(repo Repository, limiter FailedAttemptLimiter, logger *slog.Logger) *LicenseService {
	return &LicenseService{
		repo:    repo,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "license_service")),
		now:     time.Now,
	}
}

// WithClock replaces the service clock. Test helper.
func (s *LicenseService) WithClock(now func() time.Time) *LicenseService {
	s.now = now
	return s
}

// ProductInfo is the product slice exposed in responses.
type ProductInfo struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
	Type string `json:"type"`
}

// CustomerInfo is the customer slice exposed in activation responses.
type CustomerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ActivationResult is the payload of a successful activate call.
type ActivationResult struct {
	LicenseKey             string       `json:"license_key"`
	Domain                 string       `json:"domain"`
	ActivatedAt            time.Time    `json:"activated_at"`
	ExpiresAt              time.Time    `json:"expires_at"`
	DaysRemaining          int          `json:"days_remaining"`
	IsNewActivation        bool         `json:"is_new_activation"`
	DomainChangesRemaining int          `json:"domain_changes_remaining"`
	Product                ProductInfo  `json:"product"`
	Customer               CustomerInfo `json:"customer"`
}

// ValidationResult is the payload of a validate call. Revoked and expired
// licenses are valid answers here, not errors: valid is false and status
// says why, with HTTP 200.
type ValidationResult struct {
	Valid         bool           `json:"valid"`
	LicenseKey    string         `json:"license_key"`
	Domain        string         `json:"domain"`
	Status        license.Status `json:"status"`
	ActivatedAt   *time.Time     `json:"activated_at"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	DaysRemaining int            `json:"days_remaining"`
	Product       ProductInfo    `json:"product"`
}

// DeactivationResult is the payload of a successful deactivate call.
type DeactivationResult struct {
	LicenseKey             string    `json:"license_key"`
	Domain                 string    `json:"domain"`
	DeactivatedAt          time.Time `json:"deactivated_at"`
	Reason                 string    `json:"reason"`
	DomainChangesRemaining int       `json:"domain_changes_remaining"`
}

// Activate runs the domain activation state machine for (key, slug,
// domain). The read-check-write sequence itself happens inside the
// repository transaction; this method handles the gates in front of it.
func (s *LicenseService) Activate(ctx context.Context, key, slug, domain, ipAddress string) (*ActivationResult, error) {
	lic, err := s.resolve(ctx, key, slug)
	if err != nil {
		return nil, err
	}
	if err := s.gateProductAndStatus(ctx, lic, key); err != nil {
		return nil, err
	}

	outcome, err := s.repo.ActivateOrChangeDomain(ctx, lic.ID, domain, ipAddress, s.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDomainChangeLimit):
			s.logDenial(ctx, "activate", key, apierrors.CodeDomainChangeLimit,
				slog.Int("max_domain_changes", lic.MaxDomainChanges))
			return nil, apierrors.ErrDomainChangeLimit
		case errors.Is(err, store.ErrLicenseRevoked):
			return nil, apierrors.ErrLicenseRevoked
		case errors.Is(err, store.ErrLicenseExpired):
			return nil, apierrors.ErrLicenseExpired
		default:
			return nil, s.internal(ctx, "activate", key, err)
		}
	}

	lic = outcome.License
	s.logger.InfoContext(ctx, "license activated",
		slog.String("license_key", license.MaskKey(key)),
		slog.String("domain", domain),
		slog.Bool("is_new_activation", outcome.IsNewActivation),
		slog.Int("domain_changes_remaining", lic.DomainChangesRemaining()),
	)

	return &ActivationResult{
		LicenseKey:             lic.LicenseKey,
		Domain:                 outcome.Activation.Domain,
		ActivatedAt:            derefTime(lic.ActivatedAt),
		ExpiresAt:              derefTime(lic.ExpiresAt),
		DaysRemaining:          license.DaysRemaining(lic.ExpiresAt, s.now()),
		IsNewActivation:        outcome.IsNewActivation,
		DomainChangesRemaining: lic.DomainChangesRemaining(),
		Product:                productInfo(lic),
		Customer:               CustomerInfo{Name: lic.CustomerName, Email: lic.CustomerEmail},
	}, nil
}

// Validate answers "is this license usable on this domain right now".
// Check order matters and each step short-circuits; see the per-step
// comments for the asymmetries against Activate.
func (s *LicenseService) Validate(ctx context.Context, key, slug, domain string) (*ValidationResult, error) {
	// Keys with a history of failed lookups are throttled before any
	// storage access, independent of the caller's IP.
	if res := s.limiter.Peek(ctx, ratelimit.ClassFailed, key); !res.Allowed {
		s.logDenial(ctx, "validate", key, apierrors.CodeRateLimitExceeded)
		return nil, apierrors.ErrRateLimitExceeded.
			WithMessage("Too many failed attempts for this license key, please retry later").
			WithRetryAt(res.ResetAt)
	}

	lic, err := s.repo.FindByKeyAndProductSlug(ctx, key, slug)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrLicenseNotFound):
			// A total miss feeds the per-key failed counter so key
			// guessing is detectable across rotating source IPs.
			s.limiter.Check(ctx, ratelimit.ClassFailed, key)
			s.logDenial(ctx, "validate", key, apierrors.CodeLicenseNotFound)
			return nil, apierrors.ErrLicenseNotFound
		case errors.Is(err, store.ErrProductMismatch):
			s.logDenial(ctx, "validate", key, apierrors.CodeProductNotFound)
			return nil, apierrors.ErrProductNotFound
		default:
			return nil, s.internal(ctx, "validate", key, err)
		}
	}

	if !lic.Product.Active {
		s.logDenial(ctx, "validate", key, apierrors.CodeProductInactive)
		return nil, apierrors.ErrProductInactive
	}

	// Revoked is a valid answer to a status poll, not a failure of the
	// poll itself. Activate and deactivate treat the same state as a hard
	// error; the asymmetry is deliberate.
	if lic.Status == license.StatusRevoked {
		return s.invalidResult(lic, domain), nil
	}

	lic, err = s.evaluateExpiry(ctx, lic)
	if err != nil {
		return nil, s.internal(ctx, "validate", key, err)
	}
	if lic.Status == license.StatusExpired {
		return s.invalidResult(lic, domain), nil
	}

	activation, err := s.repo.ActiveActivation(ctx, lic.ID)
	if err != nil {
		return nil, s.internal(ctx, "validate", key, err)
	}
	// An unactivated license is a hard error: a plugin backend cannot
	// reach this state through the normal flow, so it signals
	// misconfiguration rather than a status worth reporting.
	if activation == nil {
		s.logDenial(ctx, "validate", key, apierrors.CodeNotActivated)
		return nil, apierrors.ErrNotActivated
	}
	if activation.Domain != domain {
		s.logDenial(ctx, "validate", key, apierrors.CodeDomainMismatch,
			slog.String("bound_domain", activation.Domain))
		// Naming the bound domain helps legitimate operators
		// self-diagnose; accepted disclosure for a server-to-server API.
		return nil, apierrors.ErrDomainMismatch.WithMessage(fmt.Sprintf(
			"License is currently active on domain %q", activation.Domain))
	}

	return &ValidationResult{
		Valid:         true,
		LicenseKey:    lic.LicenseKey,
		Domain:        activation.Domain,
		Status:        lic.Status,
		ActivatedAt:   lic.ActivatedAt,
		ExpiresAt:     lic.ExpiresAt,
		DaysRemaining: license.DaysRemaining(lic.ExpiresAt, s.now()),
		Product:       productInfo(lic),
	}, nil
}

// Deactivate releases the domain binding. Expiry does not block it - an
// expired license may still free its domain - but revocation does.
func (s *LicenseService) Deactivate(ctx context.Context, key, slug, domain, reason string) (*DeactivationResult, error) {
	lic, err := s.resolve(ctx, key, slug)
	if err != nil {
		return nil, err
	}
	if lic.Status == license.StatusRevoked {
		s.logDenial(ctx, "deactivate", key, apierrors.CodeLicenseRevoked)
		return nil, apierrors.ErrLicenseRevoked
	}

	// Expiry is still evaluated so the status stays current, it just
	// does not gate deactivation.
	if lic, err = s.evaluateExpiry(ctx, lic); err != nil {
		return nil, s.internal(ctx, "deactivate", key, err)
	}

	outcome, err := s.repo.Deactivate(ctx, lic.ID, domain, reason, s.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotActivated):
			s.logDenial(ctx, "deactivate", key, apierrors.CodeNotActivated)
			return nil, apierrors.ErrDeactivateNotActivated
		case errors.Is(err, store.ErrDomainMismatch):
			s.logDenial(ctx, "deactivate", key, apierrors.CodeDomainMismatch)
			return nil, apierrors.ErrDeactivateMismatch
		case errors.Is(err, store.ErrLicenseRevoked):
			return nil, apierrors.ErrLicenseRevoked
		default:
			return nil, s.internal(ctx, "deactivate", key, err)
		}
	}

	s.logger.InfoContext(ctx, "license deactivated",
		slog.String("license_key", license.MaskKey(key)),
		slog.String("domain", domain),
		slog.String("reason", derefString(outcome.Activation.DeactivationReason)),
	)

	return &DeactivationResult{
		LicenseKey:             lic.LicenseKey,
		Domain:                 outcome.Activation.Domain,
		DeactivatedAt:          derefTime(outcome.Activation.DeactivatedAt),
		Reason:                 derefString(outcome.Activation.DeactivationReason),
		DomainChangesRemaining: outcome.License.DomainChangesRemaining(),
	}, nil
}

// resolve maps repository lookup errors onto the API taxonomy shared by
// activate and deactivate.
func (s *LicenseService) resolve(ctx context.Context, key, slug string) (*store.License, error) {
	lic, err := s.repo.FindByKeyAndProductSlug(ctx, key, slug)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrLicenseNotFound):
			s.logDenial(ctx, "resolve", key, apierrors.CodeLicenseNotFound)
			return nil, apierrors.ErrLicenseNotFound
		case errors.Is(err, store.ErrProductMismatch):
			s.logDenial(ctx, "resolve", key, apierrors.CodeProductNotFound)
			return nil, apierrors.ErrProductNotFound
		default:
			return nil, s.internal(ctx, "resolve", key, err)
		}
	}
	return lic, nil
}

// gateProductAndStatus applies the activate-path gates: product active,
// not revoked, not expired (with lazy expiry persistence).
func (s *LicenseService) gateProductAndStatus(ctx context.Context, lic *store.License, key string) error {
	if !lic.Product.Active {
		s.logDenial(ctx, "activate", key, apierrors.CodeProductInactive)
		return apierrors.ErrProductInactive
	}
	if lic.Status == license.StatusRevoked {
		s.logDenial(ctx, "activate", key, apierrors.CodeLicenseRevoked)
		return apierrors.ErrLicenseRevoked
	}

	lic2, err := s.evaluateExpiry(ctx, lic)
	if err != nil {
		return s.internal(ctx, "activate", key, err)
	}
	*lic = *lic2
	if lic.Status == license.StatusExpired {
		s.logDenial(ctx, "activate", key, apierrors.CodeLicenseExpired)
		return apierrors.ErrLicenseExpired
	}
	return nil
}

// evaluateExpiry persists the active-to-expired transition the first time
// an expired license is observed. Idempotent: once expired, later calls
// never write again.
func (s *LicenseService) evaluateExpiry(ctx context.Context, lic *store.License) (*store.License, error) {
	if lic.Status != license.StatusActive || !license.IsExpired(lic.ExpiresAt, s.now()) {
		return lic, nil
	}
	transitioned, err := s.repo.MarkExpired(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	if transitioned {
		metrics.ExpiryTransitions.Inc()
		s.logger.InfoContext(ctx, "license expired",
			slog.String("license_key", license.MaskKey(lic.LicenseKey)),
			slog.Time("expires_at", derefTime(lic.ExpiresAt)),
		)
	}
	updated := *lic
	updated.Status = license.StatusExpired
	return &updated, nil
}

func (s *LicenseService) invalidResult(lic *store.License, domain string) *ValidationResult {
	return &ValidationResult{
		Valid:         false,
		LicenseKey:    lic.LicenseKey,
		Domain:        domain,
		Status:        lic.Status,
		ActivatedAt:   lic.ActivatedAt,
		ExpiresAt:     lic.ExpiresAt,
		DaysRemaining: 0,
		Product:       productInfo(lic),
	}
}

func (s *LicenseService) logDenial(ctx context.Context, operation, key string, code apierrors.Code, attrs ...any) {
	metrics.DenialsTotal.WithLabelValues(string(code)).Inc()
	args := append([]any{
		slog.String("operation", operation),
		slog.String("license_key", license.MaskKey(key)),
		slog.String("code", string(code)),
	}, attrs...)
	s.logger.WarnContext(ctx, "license operation denied", args...)
}

// internal logs the cause with full context and returns the generic
// INTERNAL_ERROR; the cause never crosses the trust boundary.
func (s *LicenseService) internal(ctx context.Context, operation, key string, err error) error {
	s.logger.ErrorContext(ctx, "license operation failed",
		slog.String("operation", operation),
		slog.String("license_key", license.MaskKey(key)),
		slog.String("error", err.Error()),
	)
	return apierrors.ErrInternal
}

func productInfo(lic *store.License) ProductInfo {
	return ProductInfo{
		Name: lic.Product.Name,
		Slug: lic.Product.Slug,
		Type: lic.Product.Type,
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
