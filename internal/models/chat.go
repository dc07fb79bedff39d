package models

import (
	"fmt"
	"time"
)

// Chat is a conversation owned by one account, identified by the owner's email
type Chat struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" bson:"_id" json:"id"`
	UserEmail string    `gorm:"index;not null" bson:"userEmail" json:"userEmail"`
	ChatName  string    `bson:"chatName" json:"chatName"`
	Messages  []Message `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" bson:"messages" json:"messages"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// OwnedBy reports whether the chat belongs to email
func (c *Chat) OwnedBy(email string) bool {
	return c.UserEmail == NormalizeEmail(email)
}

// DefaultChatName names a chat started without an explicit name
func DefaultChatName(now time.Time) string {
	return fmt.Sprintf("Chat_%d", now.UnixNano())
}

// Message is one turn of a chat. Messages are append-only.
type Message struct {
	ID        uint      `gorm:"primaryKey" bson:"-" json:"-"`
	ChatID    string    `gorm:"index;type:varchar(36);not null" bson:"-" json:"-"`
	Text      string    `gorm:"type:text;not null" bson:"text" json:"text"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	IsUser    bool      `bson:"isUser" json:"isUser"`
	Emotion   string    `bson:"emotion,omitempty" json:"emotion,omitempty"`
}

// StartChatRequest is the body of a chat start request
type StartChatRequest struct {
	ChatName string `json:"chatName"`
}

// AddMessageRequest is the body of an add-message request
type AddMessageRequest struct {
	ChatID string `json:"chatId" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// SendMessageRequest is the body of a send-message request
type SendMessageRequest struct {
	ChatID  string `json:"chatId" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// SendMessageResult is the assistant's reply to a sent message
type SendMessageResult struct {
	Response        string `json:"response"`
	DetectedEmotion string `json:"detectedEmotion"`
}

// StartChatResult identifies a newly started chat
type StartChatResult struct {
	ChatID   string `json:"chatId"`
	ChatName string `json:"chatName"`
}
