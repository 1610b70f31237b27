package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ChatSessionStatus string

const (
	ChatSessionActive  ChatSessionStatus = "active"
	ChatSessionWaiting ChatSessionStatus = "waiting"
	ChatSessionClosed  ChatSessionStatus = "closed"
)

type ChatSession struct {
	ID            uuid.UUID         `gorm:"type:uuid;primary_key" json:"id"`
	UserID        uuid.UUID         `gorm:"type:uuid;index" json:"userId"`
	Status        ChatSessionStatus `gorm:"index" json:"status"`
	StartedAt     time.Time         `gorm:"index" json:"startedAt"`
	LastMessageAt *time.Time        `json:"lastMessageAt,omitempty"`
	EndedAt       *time.Time        `json:"endedAt,omitempty"`

	// LastUserMessageAt only advances on messages the owner sends. Agent replies leave it alone.
	LastUserMessageAt *time.Time `json:"lastUserMessageAt,omitempty"`
}

type MessageSender string

const (
	SenderUser   MessageSender = "user"
	SenderAgent  MessageSender = "agent"
	SenderSystem MessageSender = "system"
)

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type ChatMessage struct {
	ID        uuid.UUID     `gorm:"type:uuid;primary_key" json:"id"`
	SessionID uuid.UUID     `gorm:"type:uuid;index" json:"sessionId"`
	UserID    uuid.UUID     `gorm:"type:uuid;index" json:"userId"`
	Text      string        `json:"text"`
	Sender    MessageSender `json:"sender"`
	Timestamp time.Time     `gorm:"index" json:"timestamp"`
	Status    MessageStatus `json:"status"`
	// ReadBy maps reader id to the read time in milliseconds.
	ReadBy datatypes.JSONMap `json:"readBy"`
}

func (m *ChatMessage) ReadByUser(readerID string) bool {
	_, ok := m.ReadBy[readerID]
	return ok
}
