package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type UsageFeature string

const (
	FeatureChat        UsageFeature = "chat"
	FeatureAnalysis    UsageFeature = "analysis"
	FeatureEAGenerator UsageFeature = "ea-generator"
)

func (f UsageFeature) Valid() bool {
	switch f {
	case FeatureChat, FeatureAnalysis, FeatureEAGenerator:
		return true
	}
	return false
}

// UsageRecord is an append-only ledger entry. Timestamp is in milliseconds.
type UsageRecord struct {
	ID           uuid.UUID         `gorm:"type:uuid;primary_key" json:"id"`
	UserID       uuid.UUID         `gorm:"type:uuid;index" json:"userId"`
	TokensUsed   int64             `gorm:"not null" json:"tokensUsed"`
	Feature      UsageFeature      `gorm:"index" json:"feature"`
	Model        string            `gorm:"index" json:"model"`
	InputTokens  int64             `json:"inputTokens"`
	OutputTokens int64             `json:"outputTokens"`
	Timestamp    int64             `gorm:"index" json:"timestamp"`
	Metadata     datatypes.JSONMap `json:"metadata"`
}
