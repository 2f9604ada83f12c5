package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neochupacabras/telegram-payment-bot/types"
)

// HandleText answers free text with the subscription status; the bot keeps
// no conversational state.
func (bh *Handlers) HandleText(ctx context.Context, b *bot.Bot, update *models.Update, user *types.User) {
	if update.Message == nil {
		return
	}
	bh.sendStatus(ctx, b, update.Message.Chat.ID, user)
}
