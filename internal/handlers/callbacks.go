package handlers

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neochupacabras/telegram-payment-bot/internal/contextkeys"
	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

func (bh *Handlers) HandleClickButton(ctx context.Context, b *bot.Bot, update *models.Update, user *types.User) {
	if update.CallbackQuery == nil {
		return
	}
	chatID := getChatIDFromUpdate(update)
	data, _ := contextkeys.GetCallbackData(ctx)
	if data == "" {
		data = update.CallbackQuery.Data
	}

	if err := bh.answerCallback(ctx, b, update.CallbackQuery.ID, ""); err != nil {
		log.Printf("Error answering callback: %v", err)
	}

	if strings.TrimSpace(data) == resendData {
		bh.resendAccess(ctx, b, chatID, user)
		return
	}

	productID, ok := parseBuyData(data)
	if !ok {
		bh.reply(ctx, b, chatID, messages.ErrorUnknownCommand())
		return
	}
	bh.startPurchase(ctx, b, chatID, user, productID)
}

func parseBuyData(data string) (int64, bool) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(data), buyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
