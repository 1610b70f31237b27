package services

import (
	"context"
	"errors"

	"tradesight_go_backend/internal/database"
	"tradesight_go_backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrAnalysisNotFound = errors.New("analysis not found")

type AnalysisHistoryDB interface {
	SaveAnalysis(ctx context.Context, entry *models.AnalysisHistory) error
	ListAnalyses(ctx context.Context, userID uuid.UUID, limit int) ([]models.AnalysisHistory, error)
	GetAnalysis(ctx context.Context, userID, id uuid.UUID) (*models.AnalysisHistory, error)
}

type DefaultAnalysisHistory struct {
	db *gorm.DB
}

func NewAnalysisHistoryDB(db *gorm.DB) AnalysisHistoryDB {
	return &DefaultAnalysisHistory{db: db}
}

func (s *DefaultAnalysisHistory) SaveAnalysis(ctx context.Context, entry *models.AnalysisHistory) error {
	return database.ClassifyError(s.db.WithContext(ctx).Create(entry).Error)
}

func (s *DefaultAnalysisHistory) ListAnalyses(ctx context.Context, userID uuid.UUID, limit int) ([]models.AnalysisHistory, error) {
	var entries []models.AnalysisHistory
	result := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&entries)
	if result.Error != nil {
		return nil, database.ClassifyError(result.Error)
	}
	return entries, nil
}

func (s *DefaultAnalysisHistory) GetAnalysis(ctx context.Context, userID, id uuid.UUID) (*models.AnalysisHistory, error) {
	var entry models.AnalysisHistory
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAnalysisNotFound
		}
		return nil, database.ClassifyError(err)
	}
	return &entry, nil
}
