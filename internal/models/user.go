package models

import "time"

type User struct {
	ID           int64      `json:"id" example:"1"`                      // User ID
	Email        string     `json:"email" example:"user@example.com"`    // User email
	PhoneNumber  string     `json:"phoneNumber" example:"+8613912345678"` // User phone number
	Nickname     string     `json:"nickname" example:"alice"`            // Display name
	PasswordHash string     `json:"-"`
	InviteCode   string     `json:"inviteCode,omitempty"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
