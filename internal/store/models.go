package store

import (
	"time"

	"licensegate/internal/license"
)

// Product is the read model for a purchasable product. Product rows are
// owned by the admin application; this service only reads Slug and Active.
type Product struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"size:255;not null" json:"name"`
	Slug      string `gorm:"size:255;uniqueIndex;not null" json:"slug"`
	Type      string `gorm:"size:64" json:"type"`
	Active    bool   `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// License is a purchased license key for one product.
type License struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	ProductID         uint           `gorm:"index;not null" json:"product_id"`
	Product           Product        `gorm:"foreignKey:ProductID" json:"product"`
	LicenseKey        string         `gorm:"size:19;uniqueIndex;not null" json:"license_key"`
	Status            license.Status `gorm:"size:16;not null;default:active" json:"status"`
	ValidityDays      int            `gorm:"not null" json:"validity_days"`
	ActivatedAt       *time.Time     `json:"activated_at"`
	ExpiresAt         *time.Time     `json:"expires_at"`
	MaxDomainChanges  int            `gorm:"not null;default:3" json:"max_domain_changes"`
	DomainChangesUsed int            `gorm:"not null;default:0" json:"domain_changes_used"`
	CustomerName      string         `gorm:"size:255" json:"customer_name"`
	CustomerEmail     string         `gorm:"size:255" json:"customer_email"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DomainChangesRemaining returns how many domain switches are still
// available. Post-mutation callers rely on this never going negative.
func (l *License) DomainChangesRemaining() int {
	remaining := l.MaxDomainChanges - l.DomainChangesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LicenseActivation is one binding of a license to a domain. At most one
// row per license may have IsActive=true at any instant; historical rows
// keep their deactivation timestamp and reason.
type LicenseActivation struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	LicenseID          uint       `gorm:"index;not null" json:"license_id"`
	Domain             string     `gorm:"size:255;not null" json:"domain"`
	IPAddress          string     `gorm:"size:45" json:"ip_address"`
	IsActive           bool       `gorm:"not null;default:false;index" json:"is_active"`
	ActivatedAt        time.Time  `gorm:"not null" json:"activated_at"`
	DeactivatedAt      *time.Time `json:"deactivated_at"`
	DeactivationReason *string    `gorm:"size:255" json:"deactivation_reason"`
}
