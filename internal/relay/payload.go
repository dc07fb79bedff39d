package relay

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags an envelope with the operation it requests
type Kind string

const (
	KindStartChat   Kind = "chat.start"
	KindAddMessage  Kind = "chat.add_message"
	KindSendMessage Kind = "chat.send_message"
)

var (
	ErrUnknownKind    = errors.New("unknown request kind")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Payload is one variant of the relay's tagged union
type Payload interface {
	Kind() Kind
	Validate() error
}

// StartChat opens a new chat for the caller
type StartChat struct {
	ChatName string `json:"chatName,omitempty"`
}

func (StartChat) Kind() Kind { return KindStartChat }

func (p StartChat) Validate() error {
	if len(p.ChatName) > 200 {
		return fmt.Errorf("%w: chatName is too long", ErrInvalidPayload)
	}
	return nil
}

// AddMessage appends a user message to a chat
type AddMessage struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

func (AddMessage) Kind() Kind { return KindAddMessage }

func (p AddMessage) Validate() error {
	if strings.TrimSpace(p.ChatID) == "" || strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: chatId and text are required", ErrInvalidPayload)
	}
	return nil
}

// SendMessage asks the assistant to reply to a message in a chat
type SendMessage struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

func (SendMessage) Kind() Kind { return KindSendMessage }

func (p SendMessage) Validate() error {
	if strings.TrimSpace(p.ChatID) == "" || strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%w: chatId and message are required", ErrInvalidPayload)
	}
	return nil
}
