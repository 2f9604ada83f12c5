package handlers

import (
	"context"
	"log"
	"time"

	"github.com/go-telegram/bot"

	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

const (
	resendData     = "resend"
	resendCooldown = 5 * time.Minute
	resendTimeout  = 5 * time.Minute
)

// resendAccess generates fresh links for an active subscription, covering
// deliveries lost to a crash or a failed message.
func (bh *Handlers) resendAccess(ctx context.Context, b *bot.Bot, chatID int64, user *types.User) {
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
	if !bh.allowResend(user.TelegramUserID) {
		bh.reply(ctx, b, chatID, messages.ResendTooSoon())
		return
	}
	bh.reply(ctx, b, chatID, messages.ResendStarted())

	tgID, ref := user.TelegramUserID, sub.PaymentReference
	bh.spawn("resend-access", func() {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resendTimeout)
		defer cancel()
		if _, err := bh.access.DeliverAccess(jobCtx, tgID, ref); err != nil {
			log.Printf("Error resending access for %s: %v", ref, err)
		}
	})
}

func (bh *Handlers) allowResend(telegramUserID int64) bool {
	bh.resendMu.Lock()
	defer bh.resendMu.Unlock()
	now := bh.now()
	if last, ok := bh.lastResend[telegramUserID]; ok && now.Sub(last) < resendCooldown {
		return false
	}
	bh.lastResend[telegramUserID] = now
	return true
}
