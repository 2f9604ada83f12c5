package contextkeys

import (
	"context"

	"github.com/neochupacabras/telegram-payment-bot/types"
)

type messageTypeKey struct{}
type userKey struct{}
type callbackDataKey struct{}

type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeCommand     MessageType = "command"
	MessageTypeClickButton MessageType = "clickButton"
	MessageTypeUnknown     MessageType = "unknown"
)

func WithMessageType(ctx context.Context, msgType MessageType) context.Context {
	return context.WithValue(ctx, messageTypeKey{}, msgType)
}

func GetMessageType(ctx context.Context) (MessageType, bool) {
	v, ok := ctx.Value(messageTypeKey{}).(MessageType)
	if !ok {
		return MessageTypeUnknown, false
	}
	return v, true
}

// WithUser stores the user record refreshed for the current update.
func WithUser(ctx context.Context, user *types.User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

func GetUser(ctx context.Context) (*types.User, bool) {
	v, ok := ctx.Value(userKey{}).(*types.User)
	return v, ok && v != nil
}

func WithCallbackData(ctx context.Context, data string) context.Context {
	return context.WithValue(ctx, callbackDataKey{}, data)
}

func GetCallbackData(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callbackDataKey{}).(string)
	return v, ok
}
