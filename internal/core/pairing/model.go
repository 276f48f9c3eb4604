package pairing

import (
	"errors"
	"time"
)

// Status values a code moves through. Pending may transition to approved
// or expired; both of those are terminal. StatusNotFound is never stored,
// it only shows up in CheckResult.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusExpired  Status = "expired"
	StatusNotFound Status = "not_found"
)

var (
	ErrNotFound = errors.New("code not found")
	ErrExpired  = errors.New("code expired")
	ErrConflict = errors.New("code already resolved")
)

// Code is one pairing code record. Rows are never deleted; terminal rows
// stay behind as an audit trail.
type Code struct {
	Code   string  `gorm:"primaryKey;size:9" json:"code" example:"K7QN-3M2X"`
	UserID *string `gorm:"index" json:"user_id,omitempty"`
	// DeviceID binds an approved code to the exact device it minted, so
	// the agent poll never has to guess by owner recency.
	DeviceID  *string   `gorm:"index" json:"device_id,omitempty"`
	Status    Status    `gorm:"size:20;not null;default:pending" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
}

func (Code) TableName() string { return "device_codes" }
