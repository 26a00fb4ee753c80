package users

import (
	"strings"
	"time"
)

// Role grants access levels to platform operations.
type Role string

const (
	// RoleMember is the default role for every account.
	RoleMember Role = "member"
	// RoleAdmin may manage quest templates, campaigns and batch tools.
	RoleAdmin Role = "admin"
)

// Identity maps a provider-specific login onto a canonical Inkwell user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Account holds the role and experience total of a canonical user.
type Account struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role       Role      `gorm:"column:role;size:32;not null"`
	Experience int64     `gorm:"column:experience;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing user accounts.
func (Account) TableName() string {
	return "user_accounts"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
