package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neochupacabras/telegram-payment-bot/internal/async"
	"github.com/neochupacabras/telegram-payment-bot/internal/contextkeys"
	"github.com/neochupacabras/telegram-payment-bot/internal/fulfillment"
	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/internal/sweeper"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

type Checkout interface {
	Start(ctx context.Context, user types.User, product types.Product) (*types.PendingCharge, bool, error)
}

type Access interface {
	DeliverAccess(ctx context.Context, telegramUserID int64, ref string) (fulfillment.GrantReport, error)
	RevokeAccess(ctx context.Context, telegramUserID int64) (fulfillment.RevokeReport, error)
	InviteToGroup(ctx context.Context, group types.GroupTarget, telegramUserIDs []int64) fulfillment.GrantReport
	Broadcast(ctx context.Context, telegramUserIDs []int64, text string) fulfillment.BroadcastReport
	Notify(ctx context.Context, telegramUserID int64, text string) error
}

type SweepRunner interface {
	Run(ctx context.Context) (sweeper.Result, error)
}

type PhotoSender interface {
	SendPhotoBase64(ctx context.Context, chatID int64, data, caption string) error
}

type Deps struct {
	Users         types.UserStore
	Products      types.ProductStore
	Groups        types.GroupStore
	Subscriptions types.SubscriptionStore
	Checkout      Checkout
	Access        Access
	Sweeper       SweepRunner
	Photos        PhotoSender
	IsAdmin       func(telegramUserID int64) bool
}

type Handlers struct {
	users    types.UserStore
	products types.ProductStore
	groups   types.GroupStore
	subs     types.SubscriptionStore
	checkout Checkout
	access   Access
	sweeper  SweepRunner
	photos   PhotoSender
	isAdmin  func(int64) bool
	now      func() time.Time
	// spawn runs long admin jobs off the update goroutine.
	spawn func(name string, fn func())

	resendMu   sync.Mutex
	lastResend map[int64]time.Time
}

func NewHandlers(d Deps) *Handlers {
	isAdmin := d.IsAdmin
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Handlers{
		users:    d.Users,
		products: d.Products,
		groups:   d.Groups,
		subs:     d.Subscriptions,
		checkout: d.Checkout,
		access:   d.Access,
		sweeper:  d.Sweeper,
		photos:   d.Photos,
		isAdmin:  isAdmin,
		now:      time.Now,
		spawn:    async.Go,

		lastResend: make(map[int64]time.Time),
	}
}

func (bh *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := getChatIDFromUpdate(update)
	messageType, _ := contextkeys.GetMessageType(ctx)

	user, ok := contextkeys.GetUser(ctx)
	if !ok {
		log.Printf("Error: user not found in context")
		if chatID != 0 {
			bh.reply(ctx, b, chatID, messages.ErrorDefault())
		}
		return
	}

	switch messageType {
	case contextkeys.MessageTypeCommand:
		bh.HandleCommand(ctx, b, update, user)
	case contextkeys.MessageTypeClickButton:
		bh.HandleClickButton(ctx, b, update, user)
	case contextkeys.MessageTypeText:
		bh.HandleText(ctx, b, update, user)
	}
}

func getChatIDFromUpdate(update *models.Update) int64 {
	if update == nil {
		return 0
	}
	if update.Message != nil {
		return update.Message.Chat.ID
	}
	if update.CallbackQuery != nil {
		if update.CallbackQuery.Message.Message != nil {
			return update.CallbackQuery.Message.Message.Chat.ID
		}
		if update.CallbackQuery.Message.InaccessibleMessage != nil {
			return update.CallbackQuery.Message.InaccessibleMessage.Chat.ID
		}
		return update.CallbackQuery.From.ID
	}
	return 0
}

func (bh *Handlers) reply(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
	if err != nil {
		log.Printf("Error sending message to %d: %v", chatID, err)
	}
}

func (bh *Handlers) answerCallback(ctx context.Context, b *bot.Bot, callbackID, text string) error {
	_, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	return err
}
