package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"windash/internal/core/device"
	"windash/pkg/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	codeTTL            = 5 * time.Minute
	createCodeAttempts = 3
)

// Service drives a pairing code's lifecycle from creation to approval
// or expiry.
type Service struct {
	db *gorm.DB
	lg zerolog.Logger
}

func NewService(db *gorm.DB, lg zerolog.Logger) *Service {
	return &Service{db: db, lg: lg.With().Str("component", "pairing").Logger()}
}

// CreateCode mints a fresh pending code valid for five minutes. The code
// itself is the capability; no auth is required to request one. Collisions
// are caught by the primary key and retried.
func (s *Service) CreateCode(ctx context.Context) (*Code, error) {
	for i := 0; i < createCodeAttempts; i++ {
		c := Code{
			Code:      rand.Code(),
			Status:    StatusPending,
			ExpiresAt: time.Now().UTC().Add(codeTTL),
		}
		err := s.db.WithContext(ctx).Create(&c).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			s.lg.Warn().Str("code", c.Code).Msg("code collision, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create code: %w", err)
		}
		return &c, nil
	}
	return nil, fmt.Errorf("create code: exhausted %d attempts", createCodeAttempts)
}

// CheckResult is the outcome of one agent poll.
type CheckResult struct {
	Status   Status
	Token    string
	HostID   string
	DeviceID string
}

// CheckCode reports a code's state. Expiry is lazy: the first check past
// expires_at flips a still-pending code to expired. The guard on status in
// the WHERE clause keeps terminal states terminal under races.
func (s *Service) CheckCode(ctx context.Context, code string) (CheckResult, error) {
	var c Code
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CheckResult{Status: StatusNotFound}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("check code: %w", err)
	}

	if c.Status == StatusPending && time.Now().UTC().After(c.ExpiresAt) {
		err := s.db.WithContext(ctx).Model(&Code{}).
			Where("code = ? AND status = ?", code, StatusPending).
			Update("status", StatusExpired).Error
		if err != nil {
			return CheckResult{}, fmt.Errorf("expire code: %w", err)
		}
		return CheckResult{Status: StatusExpired}, nil
	}

	switch c.Status {
	case StatusPending:
		return CheckResult{Status: StatusPending}, nil
	case StatusExpired:
		return CheckResult{Status: StatusExpired}, nil
	case StatusApproved:
		if c.DeviceID == nil {
			// Approved rows always carry a device id; treat a missing
			// one (manual tampering, partial restore) as unknown.
			return CheckResult{Status: StatusNotFound}, nil
		}
		var d device.Device
		err := s.db.WithContext(ctx).Where("id = ?", *c.DeviceID).First(&d).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CheckResult{Status: StatusNotFound}, nil
		}
		if err != nil {
			return CheckResult{}, fmt.Errorf("resolve device: %w", err)
		}
		return CheckResult{
			Status:   StatusApproved,
			Token:    d.Token,
			HostID:   d.HostID,
			DeviceID: d.ID,
		}, nil
	default:
		return CheckResult{}, fmt.Errorf("check code: unknown status %q", c.Status)
	}
}

// Approve binds a pending code to an owner and creates exactly one device
// with a fresh token. Re-approving a resolved code is ErrConflict; a stale
// pending code is ErrExpired (CheckCode's lazy sweep records the flip).
func (s *Service) Approve(ctx context.Context, code, userID, hostID, deviceName string) (*device.Device, error) {
	var d device.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Code
		if err := tx.Where("code = ?", code).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if c.Status == StatusExpired {
			return ErrExpired
		}
		if c.Status != StatusPending {
			return ErrConflict
		}
		if time.Now().UTC().After(c.ExpiresAt) {
			return ErrExpired
		}

		owner := device.User{ID: userID, Email: userID + "@local"}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&owner).Error; err != nil {
			return err
		}

		d = device.Device{
			ID:       uuid.NewString(),
			UserID:   userID,
			HostID:   hostID,
			Name:     deviceName,
			Token:    rand.Token(),
			IsOnline: false,
		}
		if err := tx.Create(&d).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("host %q already paired: %w", hostID, ErrConflict)
			}
			return err
		}

		// Guarded flip: if a concurrent approval won, zero rows match and
		// this attempt rolls back without a second device.
		res := tx.Model(&Code{}).
			Where("code = ? AND status = ?", code, StatusPending).
			Updates(map[string]any{
				"status":    StatusApproved,
				"user_id":   userID,
				"device_id": d.ID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) || errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("approve code: %w", err)
	}

	s.lg.Info().Str("code", code).Str("device_id", d.ID).Str("name", deviceName).Msg("code approved")
	return &d, nil
}
