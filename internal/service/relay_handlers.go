package service

import (
	"context"
	"errors"

	"capstone-brain/backend/internal/relay"
)

// RegisterRelayHandlers binds the chat operations to their relay kinds
func RegisterRelayHandlers(d *relay.Dispatcher, chats *ChatService) {
	relay.Handle(d, func(ctx context.Context, p relay.Principal, req relay.StartChat) (any, error) {
		res, err := chats.Start(ctx, p.Email, req.ChatName)
		return res, relayErr(err)
	})

	relay.Handle(d, func(ctx context.Context, p relay.Principal, req relay.AddMessage) (any, error) {
		res, err := chats.AddMessage(ctx, p.Email, req.ChatID, req.Text)
		return res, relayErr(err)
	})

	relay.Handle(d, func(ctx context.Context, p relay.Principal, req relay.SendMessage) (any, error) {
		res, err := chats.SendMessage(ctx, p.Email, req.ChatID, req.Message)
		return res, relayErr(err)
	})
}

// relayErr marks errors that retrying cannot fix as permanent
func relayErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrChatNotFound):
		return relay.Fail(relay.CodeNotFound, "chat not found")
	case errors.Is(err, ErrInvalidInput):
		return relay.Fail(relay.CodeInvalidPayload, "the request was rejected as invalid")
	default:
		return err
	}
}
