package models

import (
	"time"

	"github.com/google/uuid"
)

type PurchaseHistory struct {
	ID              uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	UserID          uuid.UUID `gorm:"type:uuid;index" json:"userId"`
	StripeSessionID string    `gorm:"unique;not null" json:"stripeSessionId"`
	PriceID         string    `json:"priceId"`
	TokensCredited  int64     `json:"tokensCredited"`
	AmountTotal     int64     `json:"amountTotal"`
	Currency        string    `json:"currency"`
	CreatedAt       time.Time `json:"createdAt"`
}
