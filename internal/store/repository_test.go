package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"licensegate/internal/license"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// SQLite handles one writer at a time; a single connection keeps
	// concurrent test transactions from tripping over table locks.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, Migrate(db))
	return db
}

func seedLicense(t *testing.T, db *gorm.DB, mutate func(*Product, *License)) *License {
	t.Helper()
	product := &Product{Name: "Forms Pro", Slug: "forms-pro", Type: "plugin", Active: true}
	lic := &License{
		LicenseKey:       "ABCD-EFGH-IJKL-MNOP",
		Status:           license.StatusActive,
		ValidityDays:     30,
		MaxDomainChanges: 3,
		CustomerName:     "Jordan Blake",
		CustomerEmail:    "jordan@example.com",
	}
	if mutate != nil {
		mutate(product, lic)
	}
	require.NoError(t, db.Create(product).Error)
	lic.ProductID = product.ID
	require.NoError(t, db.Create(lic).Error)
	lic.Product = *product
	return lic
}

func TestFindByKeyAndProductSlug(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	seedLicense(t, db, nil)

	t.Run("match", func(t *testing.T) {
		lic, err := repo.FindByKeyAndProductSlug(ctx, "ABCD-EFGH-IJKL-MNOP", "forms-pro")
		require.NoError(t, err)
		assert.Equal(t, "forms-pro", lic.Product.Slug)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := repo.FindByKeyAndProductSlug(ctx, "ZZZZ-ZZZZ-ZZZZ-ZZZZ", "forms-pro")
		assert.ErrorIs(t, err, ErrLicenseNotFound)
	})

	t.Run("key exists but wrong product", func(t *testing.T) {
		_, err := repo.FindByKeyAndProductSlug(ctx, "ABCD-EFGH-IJKL-MNOP", "other-plugin")
		assert.ErrorIs(t, err, ErrProductMismatch)
	})
}

func TestActivateOrChangeDomain_FirstActivation(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	outcome, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "example.com", "203.0.113.7", now)
	require.NoError(t, err)

	assert.True(t, outcome.IsNewActivation)
	assert.Equal(t, "example.com", outcome.Activation.Domain)
	require.NotNil(t, outcome.License.ActivatedAt)
	require.NotNil(t, outcome.License.ExpiresAt)
	assert.True(t, outcome.License.ActivatedAt.Equal(now))
	assert.True(t, outcome.License.ExpiresAt.Equal(now.AddDate(0, 0, 30)))
	// First activation never consumes the quota.
	assert.Equal(t, 0, outcome.License.DomainChangesUsed)

	var stored License
	require.NoError(t, db.First(&stored, lic.ID).Error)
	require.NotNil(t, stored.ExpiresAt)
	assert.WithinDuration(t, now.AddDate(0, 0, 30), *stored.ExpiresAt, time.Second)
}

func TestActivateOrChangeDomain_SameDomainIdempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, nil)
	now := time.Now().UTC().Truncate(time.Second)

	first, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "example.com", "", now)
	require.NoError(t, err)
	second, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "example.com", "", now.Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, first.IsNewActivation)
	assert.False(t, second.IsNewActivation)
	assert.Equal(t, first.Activation.ID, second.Activation.ID)
	assert.Equal(t, 0, second.License.DomainChangesUsed)

	var count int64
	require.NoError(t, db.Model(&LicenseActivation{}).Where("license_id = ?", lic.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestActivateOrChangeDomain_DomainChange(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, func(_ *Product, l *License) { l.MaxDomainChanges = 1 })
	now := time.Now().UTC().Truncate(time.Second)

	_, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "a.com", "", now)
	require.NoError(t, err)

	outcome, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "b.com", "", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, outcome.IsNewActivation)
	assert.Equal(t, 1, outcome.License.DomainChangesUsed)
	assert.Equal(t, 0, outcome.License.DomainChangesRemaining())

	var old LicenseActivation
	require.NoError(t, db.Where("license_id = ? AND domain = ?", lic.ID, "a.com").First(&old).Error)
	assert.False(t, old.IsActive)
	require.NotNil(t, old.DeactivationReason)
	assert.Equal(t, DomainChangeReason, *old.DeactivationReason)
	require.NotNil(t, old.DeactivatedAt)

	// Quota spent: a third domain is rejected.
	_, err = repo.ActivateOrChangeDomain(ctx, lic.ID, "c.com", "", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrDomainChangeLimit)

	active, err := repo.ActiveActivation(ctx, lic.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "b.com", active.Domain)
}

func TestActivateOrChangeDomain_TerminalStates(t *testing.T) {
	tests := []struct {
		name    string
		status  license.Status
		wantErr error
	}{
		{"revoked", license.StatusRevoked, ErrLicenseRevoked},
		{"expired", license.StatusExpired, ErrLicenseExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			repo := NewLicenseRepository(db)
			lic := seedLicense(t, db, func(_ *Product, l *License) { l.Status = tt.status })

			_, err := repo.ActivateOrChangeDomain(context.Background(), lic.ID, "example.com", "", time.Now())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestActivateOrChangeDomain_CorruptStatusRejected(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	lic := seedLicense(t, db, func(_ *Product, l *License) { l.Status = license.Status("suspended") })

	_, err := repo.ActivateOrChangeDomain(context.Background(), lic.ID, "example.com", "", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestDeactivate(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, nil)
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("not activated", func(t *testing.T) {
		_, err := repo.Deactivate(ctx, lic.ID, "example.com", "", now)
		assert.ErrorIs(t, err, ErrNotActivated)
	})

	_, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "example.com", "", now)
	require.NoError(t, err)

	t.Run("domain mismatch", func(t *testing.T) {
		_, err := repo.Deactivate(ctx, lic.ID, "other.com", "", now)
		assert.ErrorIs(t, err, ErrDomainMismatch)
	})

	t.Run("default reason, quota untouched", func(t *testing.T) {
		outcome, err := repo.Deactivate(ctx, lic.ID, "example.com", "", now.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, outcome.Activation.DeactivationReason)
		assert.Equal(t, DefaultDeactivationReason, *outcome.Activation.DeactivationReason)
		assert.Equal(t, 0, outcome.License.DomainChangesUsed)

		active, err := repo.ActiveActivation(ctx, lic.ID)
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("reactivation after deactivation does not consume quota", func(t *testing.T) {
		outcome, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "fresh.com", "", now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, outcome.IsNewActivation)
		assert.Equal(t, 0, outcome.License.DomainChangesUsed)
	})
}

func TestDeactivate_CustomReason(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, nil)
	now := time.Now().UTC().Truncate(time.Second)

	_, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "example.com", "", now)
	require.NoError(t, err)

	outcome, err := repo.Deactivate(ctx, lic.ID, "example.com", "Migrating hosts", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "Migrating hosts", *outcome.Activation.DeactivationReason)
}

func TestDeactivate_RevokedBlocked(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, nil)
	now := time.Now()

	_, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "example.com", "", now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkRevoked(ctx, lic.ID, "chargeback", now))

	_, err = repo.Deactivate(ctx, lic.ID, "example.com", "", now)
	assert.ErrorIs(t, err, ErrLicenseRevoked)
}

func TestDeactivate_ExpiredAllowed(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, nil)
	now := time.Now().UTC().Truncate(time.Second)

	_, err := repo.ActivateOrChangeDomain(ctx, lic.ID, "example.com", "", now)
	require.NoError(t, err)

	_, err = repo.MarkExpired(ctx, lic.ID)
	require.NoError(t, err)

	// An expired license may still free its domain binding.
	outcome, err := repo.Deactivate(ctx, lic.ID, "example.com", "", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, outcome.Activation.IsActive)
}

func TestMarkExpired_Idempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, nil)

	transitioned, err := repo.MarkExpired(ctx, lic.ID)
	require.NoError(t, err)
	assert.True(t, transitioned)

	transitioned, err = repo.MarkExpired(ctx, lic.ID)
	require.NoError(t, err)
	assert.False(t, transitioned, "second call must be a no-op")

	var stored License
	require.NoError(t, db.First(&stored, lic.ID).Error)
	assert.Equal(t, license.StatusExpired, stored.Status)
}

func TestMarkExpired_NeverDowngradesRevoked(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, func(_ *Product, l *License) { l.Status = license.StatusRevoked })

	transitioned, err := repo.MarkExpired(ctx, lic.ID)
	require.NoError(t, err)
	assert.False(t, transitioned)

	var stored License
	require.NoError(t, db.First(&stored, lic.ID).Error)
	assert.Equal(t, license.StatusRevoked, stored.Status)
}

// TestActivateOrChangeDomain_ConcurrentInvariant drives N concurrent
// activations for distinct domains at a single license and asserts the
// core invariant: at most one active row, and the quota never exceeds
// its maximum.
func TestActivateOrChangeDomain_ConcurrentInvariant(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, func(_ *Product, l *License) { l.MaxDomainChanges = 3 })
	now := time.Now().UTC()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.ActivateOrChangeDomain(ctx, lic.ID, fmt.Sprintf("site-%d.example.com", i), "", now)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, ErrDomainChangeLimit) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// One first activation plus at most MaxDomainChanges switches.
	assert.LessOrEqual(t, successes, 1+3)
	assert.GreaterOrEqual(t, successes, 1)

	var activeRows int64
	require.NoError(t, db.Model(&LicenseActivation{}).
		Where("license_id = ? AND is_active = ?", lic.ID, true).
		Count(&activeRows).Error)
	assert.EqualValues(t, 1, activeRows, "at most one active activation row")

	var stored License
	require.NoError(t, db.First(&stored, lic.ID).Error)
	assert.LessOrEqual(t, stored.DomainChangesUsed, stored.MaxDomainChanges)
}

func TestActiveActivation_DataIntegrity(t *testing.T) {
	db := openTestDB(t)
	repo := NewLicenseRepository(db)
	ctx := context.Background()
	lic := seedLicense(t, db, nil)
	now := time.Now()

	// Simulate out-of-band writes violating the invariant.
	for _, d := range []string{"a.com", "b.com"} {
		require.NoError(t, db.Create(&LicenseActivation{
			LicenseID: lic.ID, Domain: d, IsActive: true, ActivatedAt: now,
		}).Error)
	}

	_, err := repo.ActiveActivation(ctx, lic.ID)
	assert.ErrorIs(t, err, ErrDataIntegrity)
}
