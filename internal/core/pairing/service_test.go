package pairing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"windash/internal/core/device"
	"windash/internal/core/metrics"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&device.User{}, &device.Device{}, &Code{}, &metrics.Sample{}))
	return db
}

func newService(t *testing.T) (*Service, *gorm.DB) {
	db := newTestDB(t)
	return NewService(db, zerolog.Nop()), db
}

func TestCreateCode(t *testing.T) {
	svc, _ := newService(t)

	c, err := svc.CreateCode(context.Background())
	require.NoError(t, err)

	assert.Regexp(t, `^[A-Z0-9]{4}-[A-Z0-9]{4}$`, c.Code)
	assert.Equal(t, StatusPending, c.Status)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), c.ExpiresAt, 10*time.Second)
}

func TestCheckCodeUnknown(t *testing.T) {
	svc, _ := newService(t)

	res, err := svc.CheckCode(context.Background(), "ZZZZ-ZZZZ")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestCheckCodePending(t *testing.T) {
	svc, _ := newService(t)

	c, err := svc.CreateCode(context.Background())
	require.NoError(t, err)

	res, err := svc.CheckCode(context.Background(), c.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Empty(t, res.Token)
}

func TestCheckCodeLazyExpiry(t *testing.T) {
	svc, db := newService(t)

	stale := Code{
		Code:      "AAAA-0000",
		Status:    StatusPending,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(&stale).Error)

	// Never checked before, yet the first check past expires_at reports
	// expired and records the transition.
	res, err := svc.CheckCode(context.Background(), stale.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)

	var got Code
	require.NoError(t, db.Where("code = ?", stale.Code).First(&got).Error)
	assert.Equal(t, StatusExpired, got.Status)

	// Terminal: stays expired on subsequent checks.
	res, err = svc.CheckCode(context.Background(), stale.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
}

func TestApproveCreatesExactlyOneDevice(t *testing.T) {
	svc, db := newService(t)

	c, err := svc.CreateCode(context.Background())
	require.NoError(t, err)

	dev, err := svc.Approve(context.Background(), c.Code, "u1", "h1", "PC")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.NotEmpty(t, dev.ID)
	assert.NotEmpty(t, dev.Token)
	assert.Equal(t, "h1", dev.HostID)
	assert.False(t, dev.IsOnline)

	var count int64
	require.NoError(t, db.Model(&device.Device{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Second approval must not mint a second device.
	_, err = svc.Approve(context.Background(), c.Code, "u1", "h2", "PC2")
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, db.Model(&device.Device{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestApproveUnknownCode(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Approve(context.Background(), "ZZZZ-ZZZZ", "u1", "h1", "PC")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveExpiredCode(t *testing.T) {
	svc, db := newService(t)

	stale := Code{
		Code:      "BBBB-1111",
		Status:    StatusPending,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(&stale).Error)

	_, err := svc.Approve(context.Background(), stale.Code, "u1", "h1", "PC")
	assert.ErrorIs(t, err, ErrExpired)

	var count int64
	require.NoError(t, db.Model(&device.Device{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestApproveDuplicateHost(t *testing.T) {
	svc, _ := newService(t)

	c1, err := svc.CreateCode(context.Background())
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), c1.Code, "u1", "h1", "PC")
	require.NoError(t, err)

	c2, err := svc.CreateCode(context.Background())
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), c2.Code, "u1", "h1", "PC again")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCheckCodeApprovedResolvesBoundDevice(t *testing.T) {
	svc, _ := newService(t)

	c, err := svc.CreateCode(context.Background())
	require.NoError(t, err)

	dev, err := svc.Approve(context.Background(), c.Code, "u1", "h1", "PC")
	require.NoError(t, err)

	res, err := svc.CheckCode(context.Background(), c.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, dev.Token, res.Token)
	assert.Equal(t, "h1", res.HostID)
	assert.Equal(t, dev.ID, res.DeviceID)
}

// Two concurrent pairings for the same owner resolve to their own devices,
// not the most recently created one.
func TestConcurrentPairingsSameOwner(t *testing.T) {
	svc, _ := newService(t)

	c1, err := svc.CreateCode(context.Background())
	require.NoError(t, err)
	c2, err := svc.CreateCode(context.Background())
	require.NoError(t, err)

	d1, err := svc.Approve(context.Background(), c1.Code, "u1", "h1", "Laptop")
	require.NoError(t, err)
	d2, err := svc.Approve(context.Background(), c2.Code, "u1", "h2", "Desktop")
	require.NoError(t, err)

	res1, err := svc.CheckCode(context.Background(), c1.Code)
	require.NoError(t, err)
	res2, err := svc.CheckCode(context.Background(), c2.Code)
	require.NoError(t, err)

	assert.Equal(t, d1.ID, res1.DeviceID)
	assert.Equal(t, d2.ID, res2.DeviceID)
	assert.NotEqual(t, res1.Token, res2.Token)
}
