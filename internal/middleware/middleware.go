package middleware

import (
	"context"
	"log"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neochupacabras/telegram-payment-bot/internal/contextkeys"
	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

type Middlewares struct {
	users types.UserStore
}

func NewMiddlewares(users types.UserStore) *Middlewares {
	return &Middlewares{
		users: users,
	}
}

// UpsertUserMiddleware refreshes the sender's user record on every private
// interaction and stores it in the context. Updates from groups are dropped.
func (m *Middlewares) UpsertUserMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		var (
			from   *models.User
			chatID int64
		)

		switch {
		case update.Message != nil && update.Message.From != nil:
			if update.Message.Chat.Type != models.ChatTypePrivate {
				return
			}
			from = update.Message.From
			chatID = update.Message.Chat.ID
		case update.CallbackQuery != nil:
			from = &update.CallbackQuery.From
			chatID = getChatIDFromMaybeInaccessibleMessage(update.CallbackQuery.Message)
			if chatID == 0 {
				chatID = from.ID
			}
		default:
			return
		}

		if from.ID == 0 || from.IsBot {
			return
		}

		user, err := m.users.UpsertUser(ctx, types.User{
			TelegramUserID: from.ID,
			Username:       from.Username,
			FirstName:      from.FirstName,
		})
		if err != nil {
			log.Printf("Error upserting user %d: %v", from.ID, err)
			_, _ = b.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    chatID,
				Text:      messages.ErrorDefault(),
				ParseMode: messages.ParseModeHTML,
			})
			return
		}

		next(contextkeys.WithUser(ctx, user), b, update)
	}
}

func getChatIDFromMaybeInaccessibleMessage(m models.MaybeInaccessibleMessage) int64 {
	if m.Message != nil {
		return m.Message.Chat.ID
	}
	if m.InaccessibleMessage != nil {
		return m.InaccessibleMessage.Chat.ID
	}
	return 0
}

func (m *Middlewares) AnalyzeMessageMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		next(Classify(ctx, update), b, update)
	}
}

// Classify tags the context with the kind of update being handled.
func Classify(ctx context.Context, update *models.Update) context.Context {
	if update.CallbackQuery != nil && update.CallbackQuery.Data != "" {
		ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypeClickButton)
		return contextkeys.WithCallbackData(ctx, update.CallbackQuery.Data)
	}
	if update.Message == nil {
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeUnknown)
	}
	text := strings.TrimSpace(update.Message.Text)
	switch {
	case strings.HasPrefix(text, "/"):
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeCommand)
	case text != "":
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeText)
	default:
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeUnknown)
	}
}
