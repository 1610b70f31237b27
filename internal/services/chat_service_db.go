package services

import (
	"context"
	"errors"
	"time"

	"tradesight_go_backend/internal/database"
	"tradesight_go_backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatServiceDB defines the persistence operations of chat sessions and messages
type ChatServiceDB interface {
	FindActiveSessions(ctx context.Context, userID uuid.UUID) ([]models.ChatSession, error)
	// FindStaleSessions returns open sessions of any user started before cutoff.
	FindStaleSessions(ctx context.Context, cutoff time.Time) ([]models.ChatSession, error)
	CreateSession(ctx context.Context, session *models.ChatSession) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (*models.ChatSession, error)
	// CloseSession marks the session closed. It reports false when it was already closed.
	CloseSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time) (bool, error)
	// AppendMessage stores msg and advances the session's LastMessageAt in one step.
	// LastUserMessageAt moves too unless the agent wrote msg.
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error)
	UpdateMessageState(ctx context.Context, msg *models.ChatMessage) error
}

// DefaultChatService implements ChatServiceDB with gorm
type DefaultChatService struct {
	db *gorm.DB
}

func NewChatServiceDB(db *gorm.DB) ChatServiceDB {
	return &DefaultChatService{db: db}
}

// FindActiveSessions returns the user's active sessions, newest first
func (s *DefaultChatService) FindActiveSessions(ctx context.Context, userID uuid.UUID) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.ChatSessionActive).
		Order("started_at desc").
		Find(&sessions)
	if result.Error != nil {
		return nil, database.ClassifyError(result.Error)
	}
	return sessions, nil
}

func (s *DefaultChatService) FindStaleSessions(ctx context.Context, cutoff time.Time) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	result := s.db.WithContext(ctx).
		Where("status <> ? AND started_at < ?", models.ChatSessionClosed, cutoff).
		Find(&sessions)
	if result.Error != nil {
		return nil, database.ClassifyError(result.Error)
	}
	return sessions, nil
}

func (s *DefaultChatService) CreateSession(ctx context.Context, session *models.ChatSession) error {
	return database.ClassifyError(s.db.WithContext(ctx).Create(session).Error)
}

func (s *DefaultChatService) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.ChatSession, error) {
	var session models.ChatSession
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, database.ClassifyError(err)
	}
	return &session, nil
}

func (s *DefaultChatService) CloseSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ? AND status <> ?", sessionID, models.ChatSessionClosed).
		Updates(map[string]interface{}{
			"status":   models.ChatSessionClosed,
			"ended_at": endedAt,
		})
	if result.Error != nil {
		return false, database.ClassifyError(result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *DefaultChatService) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{"last_message_at": msg.Timestamp}
		if msg.Sender != models.SenderAgent {
			updates["last_user_message_at"] = msg.Timestamp
		}
		return tx.Model(&models.ChatSession{}).
			Where("id = ?", msg.SessionID).
			Updates(updates).Error
	})
	return database.ClassifyError(err)
}

// ListMessages returns the session's messages in chronological order
func (s *DefaultChatService) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	result := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("timestamp asc").Find(&messages)
	if result.Error != nil {
		return nil, database.ClassifyError(result.Error)
	}
	return messages, nil
}

func (s *DefaultChatService) UpdateMessageState(ctx context.Context, msg *models.ChatMessage) error {
	result := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"status":  msg.Status,
			"read_by": msg.ReadBy,
		})
	return database.ClassifyError(result.Error)
}
