package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"windash/internal/core/metrics"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup resolves no device.
var ErrNotFound = errors.New("device not found")

// Registry is the durable record of paired devices and their status.
type Registry struct {
	db *gorm.DB
	lg zerolog.Logger
}

func NewRegistry(db *gorm.DB, lg zerolog.Logger) *Registry {
	return &Registry{db: db, lg: lg.With().Str("component", "registry").Logger()}
}

// EnsureOwner idempotently creates the owning account row. Safe to call
// concurrently; a concurrent insert loses to the primary-key constraint
// and is treated as success.
func (r *Registry) EnsureOwner(ctx context.Context, userID string) error {
	u := User{ID: userID, Email: userID + "@local"}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&u).Error
	if err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}
	return nil
}

func (r *Registry) List(ctx context.Context, ownerID string) ([]Device, error) {
	var out []Device
	err := r.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

func (r *Registry) Get(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("id = ?", deviceID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// ValidateToken resolves a bearer token to its device. The lookup is an
// indexed exact-match query; tokens are never compared byte-by-byte in
// application code.
func (r *Registry) ValidateToken(ctx context.Context, token string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	return &d, nil
}

// SetOnline flips the durable online flag. The online transition also
// refreshes last_seen_at, so repeated SetOnline(true) doubles as a
// liveness heartbeat on metrics receipt.
func (r *Registry) SetOnline(ctx context.Context, deviceID string, online bool) error {
	now := time.Now().UTC()
	cols := map[string]any{"is_online": online, "updated_at": now}
	if online {
		cols["last_seen_at"] = now
	}
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("id = ?", deviceID).
		Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("set online: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete unpairs a device and removes its metrics in the same transaction.
// The deleted record is returned so callers can report its name.
func (r *Registry) Delete(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", deviceID).First(&d).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&metrics.Sample{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", deviceID).Delete(&Device{}).Error
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("delete device: %w", err)
	}
	r.lg.Info().Str("device_id", d.ID).Str("name", d.Name).Msg("device unpaired")
	return &d, nil
}

// MarkAllOffline reconciles durable status after a restart: the process
// holds no live sockets, so any persisted "online" flag is stale.
func (r *Registry) MarkAllOffline(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("is_online = ?", true).
		Updates(map[string]any{"is_online": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("mark all offline: %w", res.Error)
	}
	return res.RowsAffected, nil
}
