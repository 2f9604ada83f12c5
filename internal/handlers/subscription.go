package handlers

import (
	"context"
	"errors"
	"log"

	"github.com/go-telegram/bot"

	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

func (bh *Handlers) startPurchase(ctx context.Context, b *bot.Bot, chatID int64, user *types.User, productID int64) {
	product, err := bh.products.GetProduct(ctx, productID)
	if err != nil {
		log.Printf("Error loading product %d: %v", productID, err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if product == nil || !product.Active {
		bh.reply(ctx, b, chatID, messages.NoProducts())
		return
	}

	charge, reused, err := bh.checkout.Start(ctx, *user, *product)
	switch {
	case errors.Is(err, types.ErrActiveSubscriptionExists):
		sub, ferr := bh.subs.FindActiveForUser(ctx, user.TelegramUserID)
		if ferr != nil || sub == nil {
			bh.reply(ctx, b, chatID, messages.AlreadyActive(product.Name, nil))
			return
		}
		bh.reply(ctx, b, chatID, messages.AlreadyActive(sub.ProductName, sub.EndDate))
		return
	case errors.Is(err, types.ErrProductNotFound):
		bh.reply(ctx, b, chatID, messages.NoProducts())
		return
	case err != nil:
		log.Printf("Error creating charge for user %d product %d: %v", user.TelegramUserID, product.ID, err)
		bh.reply(ctx, b, chatID, messages.ChargeFailed())
		return
	}

	if reused {
		log.Printf("Reusing pending charge %s for user %d", charge.PaymentID, user.TelegramUserID)
	}

	if charge.QRCodeBase64 != "" && bh.photos != nil {
		if err := bh.photos.SendPhotoBase64(ctx, chatID, charge.QRCodeBase64, ""); err != nil {
			log.Printf("Error sending QR code to %d: %v", chatID, err)
		}
	}
	bh.reply(ctx, b, chatID, messages.ChargeCreated(product.Name, product.PriceCents))
	if charge.QRCode != "" {
		bh.reply(ctx, b, chatID, messages.PixCode(charge.QRCode))
	}
}
