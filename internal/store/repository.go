package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"licensegate/internal/license"
)

// Sentinel errors returned by the repository. Callers map them onto the
// API error taxonomy; the repository itself knows nothing about HTTP.
var (
	ErrLicenseNotFound   = errors.New("license not found")
	ErrProductMismatch   = errors.New("license belongs to a different product")
	ErrLicenseRevoked    = errors.New("license revoked")
	ErrLicenseExpired    = errors.New("license expired")
	ErrNotActivated      = errors.New("license has no active activation")
	ErrDomainMismatch    = errors.New("license active on a different domain")
	ErrDomainChangeLimit = errors.New("domain change limit reached")

	// ErrDataIntegrity means more than one activation row was active for a
	// single license. The invariant is enforced by the transactional write
	// paths below, so this indicates out-of-band writes or a bug.
	ErrDataIntegrity = errors.New("multiple active activations for one license")
)

// DomainChangeReason is stamped on the old activation row when a
// quota-consuming domain switch deactivates it.
const DomainChangeReason = "Domain change"

// DefaultDeactivationReason is used when a deactivate call supplies none.
const DefaultDeactivationReason = "User requested deactivation"

// ActivationOutcome reports the result of ActivateOrChangeDomain with
// post-mutation field values.
type ActivationOutcome struct {
	License    *License
	Activation *LicenseActivation
	// IsNewActivation is false only for the idempotent same-domain case.
	IsNewActivation bool
}

// LicenseRepository provides lookup and atomic mutation of licenses and
// their activations.
type LicenseRepository struct {
	db *gorm.DB
}

// NewLicenseRepository creates a repository on the given connection.
func NewLicenseRepository(db *gorm.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// FindByKey returns the license and its product for a key, or
// ErrLicenseNotFound.
func (r *LicenseRepository) FindByKey(ctx context.Context, key string) (*License, error) {
	var lic License
	err := r.db.WithContext(ctx).
		Preload("Product").
		Where("license_key = ?", key).
		First(&lic).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("find license by key: %w", err)
	}
	return &lic, nil
}

// FindByKeyAndProductSlug resolves a key for a specific product. A key
// that exists but is owned by a different product yields
// ErrProductMismatch, which callers surface as PRODUCT_NOT_FOUND - a
// distinct condition from an entirely unknown key.
func (r *LicenseRepository) FindByKeyAndProductSlug(ctx context.Context, key, slug string) (*License, error) {
	lic, err := r.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic.Product.Slug != slug {
		return nil, ErrProductMismatch
	}
	return lic, nil
}

// ActiveActivation returns the single active activation row for a
// license, nil when the license is not bound to any domain, or
// ErrDataIntegrity if the at-most-one invariant is violated in storage.
func (r *LicenseRepository) ActiveActivation(ctx context.Context, licenseID uint) (*LicenseActivation, error) {
	return activeActivation(r.db.WithContext(ctx), licenseID)
}

func activeActivation(tx *gorm.DB, licenseID uint) (*LicenseActivation, error) {
	var rows []LicenseActivation
	err := tx.
		Where("license_id = ? AND is_active = ?", licenseID, true).
		Limit(2).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load active activation: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	default:
		return nil, ErrDataIntegrity
	}
}

// MarkExpired transitions an active license to expired. The update is
// conditional on the current status, so repeated calls after the first
// transition are no-ops and a revoked license is never downgraded.
// It reports whether this call performed the transition.
func (r *LicenseRepository) MarkExpired(ctx context.Context, licenseID uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&License{}).
		Where("id = ? AND status = ?", licenseID, license.StatusActive).
		Update("status", license.StatusExpired)
	if res.Error != nil {
		return false, fmt.Errorf("mark license expired: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkRevoked sets a license to revoked. Revocation is terminal, so the
// update is unconditional; the active activation, if any, is released.
func (r *LicenseRepository) MarkRevoked(ctx context.Context, licenseID uint, reason string, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&License{}).
			Where("id = ?", licenseID).
			Update("status", license.StatusRevoked).Error; err != nil {
			return fmt.Errorf("mark license revoked: %w", err)
		}
		return tx.Model(&LicenseActivation{}).
			Where("license_id = ? AND is_active = ?", licenseID, true).
			Updates(map[string]any{
				"is_active":           false,
				"deactivated_at":      now,
				"deactivation_reason": reason,
			}).Error
	})
}

// ActivateOrChangeDomain runs the activate state machine's read-check-write
// sequence inside a single transaction with a row lock on the license, so
// two concurrent requests for the same key can never both pass the quota
// check or both insert an active row.
//
// Cases, decided under the lock:
//   - no active activation: insert a new active row; stamp ActivatedAt and
//     ExpiresAt on first-ever activation; quota untouched.
//   - active on the same domain: idempotent, returns the existing row.
//   - active on a different domain: reject with ErrDomainChangeLimit when
//     the quota is spent, otherwise retire the old row with reason
//     "Domain change", increment DomainChangesUsed, insert the new row.
func (r *LicenseRepository) ActivateOrChangeDomain(ctx context.Context, licenseID uint, domain, ipAddress string, now time.Time) (*ActivationOutcome, error) {
	var outcome *ActivationOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := lockLicense(tx, licenseID)
		if err != nil {
			return err
		}

		// Re-check terminal states under the lock; the caller's pre-checks
		// ran outside the transaction.
		if !lic.Status.Valid() {
			return fmt.Errorf("license %d has unknown status %q", lic.ID, lic.Status)
		}
		switch lic.Status {
		case license.StatusRevoked:
			return ErrLicenseRevoked
		case license.StatusExpired:
			return ErrLicenseExpired
		}

		current, err := activeActivation(tx, licenseID)
		if err != nil {
			return err
		}

		if current != nil && current.Domain == domain {
			outcome = &ActivationOutcome{License: lic, Activation: current, IsNewActivation: false}
			return nil
		}

		licenseUpdates := map[string]any{}

		if current != nil {
			if lic.DomainChangesUsed >= lic.MaxDomainChanges {
				return ErrDomainChangeLimit
			}
			reason := DomainChangeReason
			if err := tx.Model(current).Updates(map[string]any{
				"is_active":           false,
				"deactivated_at":      now,
				"deactivation_reason": reason,
			}).Error; err != nil {
				return fmt.Errorf("retire previous activation: %w", err)
			}
			lic.DomainChangesUsed++
			licenseUpdates["domain_changes_used"] = lic.DomainChangesUsed
		}

		if lic.ActivatedAt == nil {
			activated := now
			expires := license.ExpiryFromActivation(activated, lic.ValidityDays)
			lic.ActivatedAt = &activated
			lic.ExpiresAt = &expires
			licenseUpdates["activated_at"] = activated
			licenseUpdates["expires_at"] = expires
		}

		if len(licenseUpdates) > 0 {
			if err := tx.Model(lic).Updates(licenseUpdates).Error; err != nil {
				return fmt.Errorf("update license: %w", err)
			}
		}

		activation := &LicenseActivation{
			LicenseID:   licenseID,
			Domain:      domain,
			IPAddress:   ipAddress,
			IsActive:    true,
			ActivatedAt: now,
		}
		if err := tx.Create(activation).Error; err != nil {
			return fmt.Errorf("create activation: %w", err)
		}

		outcome = &ActivationOutcome{License: lic, Activation: activation, IsNewActivation: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Deactivate releases the active domain binding under the same
// transactional guard as activation. It never touches DomainChangesUsed:
// deactivating to undo a mistake must not burn quota.
func (r *LicenseRepository) Deactivate(ctx context.Context, licenseID uint, domain, reason string, now time.Time) (*ActivationOutcome, error) {
	if reason == "" {
		reason = DefaultDeactivationReason
	}
	var outcome *ActivationOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := lockLicense(tx, licenseID)
		if err != nil {
			return err
		}
		if lic.Status == license.StatusRevoked {
			return ErrLicenseRevoked
		}

		current, err := activeActivation(tx, licenseID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotActivated
		}
		if current.Domain != domain {
			return ErrDomainMismatch
		}

		if err := tx.Model(current).Updates(map[string]any{
			"is_active":           false,
			"deactivated_at":      now,
			"deactivation_reason": reason,
		}).Error; err != nil {
			return fmt.Errorf("deactivate activation: %w", err)
		}

		current.IsActive = false
		current.DeactivatedAt = &now
		current.DeactivationReason = &reason
		outcome = &ActivationOutcome{License: lic, Activation: current}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// lockLicense loads the license row under FOR UPDATE where the dialect
// supports it. SQLite (used in tests) serializes writing transactions
// itself and rejects the locking clause.
func lockLicense(tx *gorm.DB, licenseID uint) (*License, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var lic License
	if err := q.Preload("Product").First(&lic, licenseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("lock license row: %w", err)
	}
	return &lic, nil
}
