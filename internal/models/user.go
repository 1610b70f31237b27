package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID               uuid.UUID         `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	FirebaseUID      string            `gorm:"unique;not null" json:"firebaseUid"`
	Email            string            `gorm:"index" json:"email"`
	Name             string            `json:"name"`
	Tokens           int64             `gorm:"not null;default:0" json:"tokens"`
	TotalTokensUsed  int64             `gorm:"not null;default:0" json:"totalTokensUsed"`
	LastTokenUsage   TokenUsageSummary `gorm:"embedded;embeddedPrefix:last_usage_" json:"lastTokenUsage"`
	StripeCustomerID string            `json:"-"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	DeletedAt        gorm.DeletedAt    `gorm:"index" json:"-"`
}

// TokenUsageSummary describes the most recent billable operation of a user.
type TokenUsageSummary struct {
	Timestamp int64        `json:"timestamp"`
	Amount    int64        `json:"amount"`
	Feature   UsageFeature `json:"feature"`
	Model     string       `json:"model"`
}

type UserBalance struct {
	Tokens          int64             `json:"tokens"`
	TotalTokensUsed int64             `json:"totalTokensUsed"`
	LastTokenUsage  TokenUsageSummary `json:"lastTokenUsage"`
}

func (u *User) Balance() UserBalance {
	return UserBalance{
		Tokens:          u.Tokens,
		TotalTokensUsed: u.TotalTokensUsed,
		LastTokenUsage:  u.LastTokenUsage,
	}
}
