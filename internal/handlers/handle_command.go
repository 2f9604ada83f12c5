package handlers

import (
	"context"
	"log"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

// parseCommand splits "/cmd@botname arg1 arg2" into "/cmd" and the raw
// argument text.
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	cmd, rest, _ := strings.Cut(text, " ")
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

func (bh *Handlers) HandleCommand(ctx context.Context, b *bot.Bot, update *models.Update, user *types.User) {
	chatID := update.Message.Chat.ID
	cmd, args := parseCommand(update.Message.Text)

	switch cmd {
	case "/start":
		bh.sendProductMenu(ctx, b, chatID, messages.StartWelcome(user.FirstName))
		return
	case "/renovar":
		bh.sendProductMenu(ctx, b, chatID, messages.RenewHeader())
		return
	case "/status":
		bh.sendStatus(ctx, b, chatID, user)
		return
	}

	if bh.isAdmin(user.TelegramUserID) {
		switch cmd {
		case "/grant":
			bh.adminGrant(ctx, b, chatID, args)
			return
		case "/revoke":
			bh.adminRevoke(ctx, b, chatID, args)
			return
		case "/broadcast":
			bh.adminBroadcast(ctx, b, chatID, args)
			return
		case "/invitegroup":
			bh.adminInviteGroup(ctx, b, chatID, args)
			return
		case "/sweep":
			bh.adminSweep(ctx, b, chatID)
			return
		case "/user":
			bh.adminUser(ctx, b, chatID, args)
			return
		}
	}

	bh.reply(ctx, b, chatID, messages.ErrorUnknownCommand())
}

func (bh *Handlers) sendStatus(ctx context.Context, b *bot.Bot, chatID int64, user *types.User) {
	sub, err := bh.subs.FindActiveForUser(ctx, user.TelegramUserID)
	if err != nil {
		log.Printf("Error loading subscription for %d: %v", user.TelegramUserID, err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if sub == nil {
		bh.reply(ctx, b, chatID, messages.StatusNone())
		return
	}
	keyboard := models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{{Text: messages.ResendLinksButton(), CallbackData: resendData}},
	}}
	_, err = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        messages.StatusActive(sub.ProductName, sub.EndDate),
		ParseMode:   messages.ParseModeHTML,
		ReplyMarkup: &keyboard,
	})
	if err != nil {
		log.Printf("Error sending status to %d: %v", chatID, err)
	}
}
