package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"capstone-brain/backend/ai"
	"capstone-brain/backend/internal/models"
	"capstone-brain/backend/internal/repository"
	"capstone-brain/backend/pkg/logger"

	"github.com/google/uuid"
)

// LLM generates assistant replies
type LLM interface {
	Chat(ctx context.Context, history []ai.PastMessage, newMessage string) (*ai.ChatResponse, error)
}

// ChatService manages chats on behalf of their owners.
// Every method takes the owner's email; chats owned by someone else are
// reported as ErrChatNotFound.
type ChatService struct {
	chats repository.ChatRepository
	llm   LLM
	log   *logger.Logger
	now   func() time.Time
}

// NewChatService creates a new chat service
func NewChatService(chats repository.ChatRepository, llm LLM, log *logger.Logger) *ChatService {
	return &ChatService{
		chats: chats,
		llm:   llm,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Start creates an empty chat
func (s *ChatService) Start(ctx context.Context, owner, name string) (*models.StartChatResult, error) {
	now := s.now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.DefaultChatName(now)
	}

	chat := &models.Chat{
		ID:        uuid.NewString(),
		UserEmail: models.NormalizeEmail(owner),
		ChatName:  name,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.chats.Create(ctx, chat); err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}

	return &models.StartChatResult{ChatID: chat.ID, ChatName: chat.ChatName}, nil
}

// AddMessage appends a user-authored message
func (s *ChatService) AddMessage(ctx context.Context, owner, chatID, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if chatID == "" || text == "" {
		return nil, fmt.Errorf("%w: chatId and text are required", ErrInvalidInput)
	}

	msg := models.Message{Text: text, IsUser: true, Timestamp: s.now()}
	if err := s.chats.AppendMessages(ctx, chatID, models.NormalizeEmail(owner), msg); err != nil {
		return nil, chatErr("appending message", err)
	}
	return &msg, nil
}

// SendMessage asks the LLM to answer text in the context of the chat
// history and stores both sides of the exchange. Nothing is stored when
// the LLM call fails, so a retried call does not duplicate the user turn.
func (s *ChatService) SendMessage(ctx context.Context, owner, chatID, text string) (*models.SendMessageResult, error) {
	text = strings.TrimSpace(text)
	if chatID == "" || text == "" {
		return nil, fmt.Errorf("%w: chatId and message are required", ErrInvalidInput)
	}
	owner = models.NormalizeEmail(owner)

	chat, err := s.chats.Get(ctx, chatID, owner)
	if err != nil {
		return nil, chatErr("loading chat", err)
	}

	turns := make([]ai.Turn, len(chat.Messages))
	for i, m := range chat.Messages {
		turns[i] = ai.Turn{Text: m.Text, IsUser: m.IsUser}
	}

	userMsg := models.Message{Text: text, IsUser: true, Timestamp: s.now()}

	reply, err := s.llm.Chat(ctx, ai.BuildPastMessages(turns), text)
	if err != nil {
		if errors.Is(err, ai.ErrRejected) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("calling llm: %w", err)
	}

	aiMsg := models.Message{Text: reply.Response, Emotion: reply.Emotion(), Timestamp: s.now()}
	if err := s.chats.AppendMessages(ctx, chatID, owner, userMsg, aiMsg); err != nil {
		return nil, chatErr("storing exchange", err)
	}

	s.log.Debug("llm reply stored", "chat_id", chatID, "emotion", aiMsg.Emotion)
	return &models.SendMessageResult{Response: reply.Response, DetectedEmotion: aiMsg.Emotion}, nil
}

// History returns a chat with all of its messages
func (s *ChatService) History(ctx context.Context, owner, chatID string) (*models.Chat, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chatId is required", ErrInvalidInput)
	}
	chat, err := s.chats.Get(ctx, chatID, models.NormalizeEmail(owner))
	if err != nil {
		return nil, chatErr("loading chat", err)
	}
	return chat, nil
}

// List returns all chats owned by owner
func (s *ChatService) List(ctx context.Context, owner string) ([]models.Chat, error) {
	chats, err := s.chats.ListByOwner(ctx, models.NormalizeEmail(owner))
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	return chats, nil
}

// Delete removes a chat owned by owner
func (s *ChatService) Delete(ctx context.Context, owner, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chatId is required", ErrInvalidInput)
	}
	if err := s.chats.Delete(ctx, chatID, models.NormalizeEmail(owner)); err != nil {
		return chatErr("deleting chat", err)
	}
	return nil
}

func chatErr(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrChatNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
