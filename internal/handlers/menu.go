package handlers

import (
	"context"
	"log"
	"strconv"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

const buyPrefix = "buy:"

func buildProductKeyboard(products []types.Product) models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(products))
	for _, p := range products {
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: messages.ProductButton(p.Name, p.PriceCents), CallbackData: buyPrefix + strconv.FormatInt(p.ID, 10)},
		})
	}
	return models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (bh *Handlers) sendProductMenu(ctx context.Context, b *bot.Bot, chatID int64, header string) {
	products, err := bh.products.ListProducts(ctx)
	if err != nil {
		log.Printf("Error listing products: %v", err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if len(products) == 0 {
		bh.reply(ctx, b, chatID, messages.NoProducts())
		return
	}
	keyboard := buildProductKeyboard(products)
	_, err = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        header,
		ParseMode:   messages.ParseModeHTML,
		ReplyMarkup: &keyboard,
	})
	if err != nil {
		log.Printf("Error sending product menu to %d: %v", chatID, err)
	}
}
