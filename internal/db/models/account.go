package models

import "time"

// Connection statuses for a ProviderAccount.
const (
	StatusActive       = "active"
	StatusError        = "error"
	StatusTokenExpired = "token_expired"
)

// ProviderAccount links one application user to one health-data provider.
// The (UserID, Provider) pair is unique; tokens are never serialised.
type ProviderAccount struct {
	ID             string     `gorm:"primaryKey" json:"id"` // UUID
	UserID         string     `gorm:"uniqueIndex:idx_account_user_provider;not null" json:"user_id"`
	Provider       string     `gorm:"uniqueIndex:idx_account_user_provider;index:idx_account_external,priority:1;not null" json:"provider"` // e.g., "fitbit", "dexcom"
	ProfileID      string     `gorm:"not null;default:''" json:"profile_id,omitempty"`
	ExternalUserID string     `gorm:"index:idx_account_external,priority:2" json:"external_user_id"`
	AccessToken    string     `gorm:"type:text" json:"-"`
	RefreshToken   string     `gorm:"type:text" json:"-"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Status         string     `gorm:"not null;default:'active'" json:"status"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TokenRefreshLog is an append-only audit of refresh attempts.
type TokenRefreshLog struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	UserID          string     `gorm:"index" json:"user_id"`
	Provider        string     `gorm:"index" json:"provider"`
	ExpiresAtBefore time.Time  `json:"expires_at_before"`
	ExpiresAtAfter  *time.Time `json:"expires_at_after,omitempty"`
	Success         bool       `json:"success"`
	Error           string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
}
