package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MaxMessageLength = 4000

var (
	ErrEmptyMessage        = errors.New("message content is empty")
	ErrMessageTooLong      = errors.New("message content is too long")
	ErrMissingConversation = errors.New("conversation id is required")
)

type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewChatMessage(conversationID, senderID, content string) (*ChatMessage, error) {
	if conversationID == "" {
		return nil, ErrMissingConversation
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > MaxMessageLength {
		return nil, ErrMessageTooLong
	}

	return &ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      time.Now().UTC(),
	}, nil
}
