package device

import "time"

// User is a placeholder owner account. Real session auth will replace the
// way these rows are minted, not the table itself.
type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Name      string    `gorm:"size:255" json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Device represents a paired monitoring agent.
// It includes GORM tags for database mapping and JSON tags for API responses.
type Device struct {
	ID       string `gorm:"primaryKey" json:"id" example:"8b8f3f0e6f6e4f9bb0b54a9c2f8d2a11"`
	UserID   string `gorm:"index;not null" json:"user_id" example:"temp-user-1"`
	HostID   string `gorm:"uniqueIndex;not null" json:"host_id" example:"h-4f2a9c"`
	Name     string `gorm:"size:255;not null" json:"name" example:"My PC"`
	// Bearer credential for the agent channel. Never serialized to API
	// responses; agents obtain it once through the pairing poll.
	Token      string     `gorm:"uniqueIndex;not null" json:"-"`
	IsOnline   bool       `gorm:"not null;default:false" json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
