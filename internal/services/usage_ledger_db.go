package services

import (
	"context"
	"errors"
	"fmt"

	"tradesight_go_backend/internal/database"
	"tradesight_go_backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageStoreDB persists balances and the usage ledger. Balance changes are atomic per user.
type UsageStoreDB interface {
	// ReserveTokens decrements the balance by amount only if the balance covers it.
	ReserveTokens(ctx context.Context, userID uuid.UUID, amount int64) error
	ReleaseTokens(ctx context.Context, userID uuid.UUID, amount int64) error
	// SettleUsage applies reserved-actual to the balance, floored at zero, and appends
	// record. It returns the part of the cost that could not be collected.
	SettleUsage(ctx context.Context, userID uuid.UUID, reserved int64, record *models.UsageRecord) (int64, error)
	CreditTokens(ctx context.Context, userID uuid.UUID, amount int64) (models.UserBalance, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (models.UserBalance, error)
	ListUsage(ctx context.Context, userID uuid.UUID, sinceMillis int64) ([]models.UsageRecord, error)
}

type DefaultUsageStore struct {
	db *gorm.DB
}

func NewUsageStoreDB(db *gorm.DB) UsageStoreDB {
	return &DefaultUsageStore{db: db}
}

func (s *DefaultUsageStore) ReserveTokens(ctx context.Context, userID uuid.UUID, amount int64) error {
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND tokens >= ?", userID, amount).
		Update("tokens", gorm.Expr("tokens - ?", amount))
	if result.Error != nil {
		return database.ClassifyError(result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	return &InsufficientTokensError{Required: amount, Available: balance.Tokens}
}

func (s *DefaultUsageStore) ReleaseTokens(ctx context.Context, userID uuid.UUID, amount int64) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("tokens", gorm.Expr("tokens + ?", amount)).Error
	return database.ClassifyError(err)
}

func (s *DefaultUsageStore) SettleUsage(ctx context.Context, userID uuid.UUID, reserved int64, record *models.UsageRecord) (int64, error) {
	var uncollected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", userID).First(&user).Error; err != nil {
			return err
		}

		tokens := user.Tokens + reserved - record.TokensUsed
		if tokens < 0 {
			uncollected = -tokens
			tokens = 0
			if record.Metadata == nil {
				record.Metadata = map[string]interface{}{}
			}
			record.Metadata["uncollected_tokens"] = uncollected
		}

		updates := map[string]interface{}{
			"tokens":               tokens,
			"total_tokens_used":    gorm.Expr("total_tokens_used + ?", record.TokensUsed),
			"last_usage_timestamp": record.Timestamp,
			"last_usage_amount":    record.TokensUsed,
			"last_usage_feature":   record.Feature,
			"last_usage_model":     record.Model,
		}
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return 0, database.ClassifyError(err)
	}
	return uncollected, nil
}

func (s *DefaultUsageStore) CreditTokens(ctx context.Context, userID uuid.UUID, amount int64) (models.UserBalance, error) {
	var user models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", userID).
			Update("tokens", gorm.Expr("tokens + ?", amount)).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", userID).First(&user).Error
	})
	if err != nil {
		return models.UserBalance{}, database.ClassifyError(err)
	}
	return user.Balance(), nil
}

func (s *DefaultUsageStore) GetBalance(ctx context.Context, userID uuid.UUID) (models.UserBalance, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.UserBalance{}, fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
		}
		return models.UserBalance{}, database.ClassifyError(err)
	}
	return user.Balance(), nil
}

func (s *DefaultUsageStore) ListUsage(ctx context.Context, userID uuid.UUID, sinceMillis int64) ([]models.UsageRecord, error) {
	var records []models.UsageRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND timestamp >= ?", userID, sinceMillis).
		Order("timestamp desc").
		Find(&records).Error
	if err != nil {
		return nil, database.ClassifyError(err)
	}
	return records, nil
}
