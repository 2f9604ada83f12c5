package middleware

import (
	"context"
	"testing"

	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"

	"github.com/neochupacabras/telegram-payment-bot/internal/contextkeys"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		update *models.Update
		want   contextkeys.MessageType
	}{
		{"command", &models.Update{Message: &models.Message{Text: "/start"}}, contextkeys.MessageTypeCommand},
		{"text", &models.Update{Message: &models.Message{Text: "oi"}}, contextkeys.MessageTypeText},
		{"sticker", &models.Update{Message: &models.Message{}}, contextkeys.MessageTypeUnknown},
		{"button", &models.Update{CallbackQuery: &models.CallbackQuery{Data: "buy:1"}}, contextkeys.MessageTypeClickButton},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := contextkeys.GetMessageType(Classify(context.Background(), tt.update))
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyKeepsCallbackData(t *testing.T) {
	ctx := Classify(context.Background(), &models.Update{CallbackQuery: &models.CallbackQuery{Data: "buy:7"}})
	data, ok := contextkeys.GetCallbackData(ctx)
	assert.True(t, ok)
	assert.Equal(t, "buy:7", data)
}
