package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/google/uuid"

	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/internal/sweeper"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

const (
	adminJobTimeout = 30 * time.Minute
	manualRefPrefix = "manual:"
	adminRevokeNote = "revogado por administrador"
)

func (bh *Handlers) adminGrant(ctx context.Context, b *bot.Bot, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		bh.reply(ctx, b, chatID, messages.AdminGrantUsage())
		return
	}
	productID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		bh.reply(ctx, b, chatID, messages.AdminGrantUsage())
		return
	}

	target, ok := bh.lookupUser(ctx, b, chatID, fields[0])
	if !ok {
		return
	}
	product, err := bh.products.GetProduct(ctx, productID)
	if err != nil {
		log.Printf("Error loading product %d: %v", productID, err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if product == nil {
		bh.reply(ctx, b, chatID, messages.AdminProductNotFound())
		return
	}

	ref := manualRefPrefix + uuid.NewString()
	sub, err := bh.subs.CreateManual(ctx, target.ID, product.ID, ref, bh.now())
	switch {
	case errors.Is(err, types.ErrActiveSubscriptionExists):
		bh.reply(ctx, b, chatID, messages.AdminAlreadyActive())
		return
	case errors.Is(err, types.ErrProductNotFound):
		bh.reply(ctx, b, chatID, messages.AdminProductNotFound())
		return
	case err != nil:
		log.Printf("Error granting product %d to %d: %v", product.ID, target.TelegramUserID, err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}

	log.Printf("Admin %d granted %s to %d (ref %s)", chatID, product.Name, target.TelegramUserID, ref)
	bh.reply(ctx, b, chatID, messages.AdminGrantDone(target.TelegramUserID, product.Name, sub.EndDate))

	tgID := target.TelegramUserID
	bh.spawn("admin-grant", func() {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminJobTimeout)
		defer cancel()
		if _, err := bh.access.DeliverAccess(jobCtx, tgID, ref); err != nil {
			log.Printf("Error delivering access for manual grant %s: %v", ref, err)
		}
	})
}

func (bh *Handlers) adminRevoke(ctx context.Context, b *bot.Bot, chatID int64, args string) {
	identifier, reason, _ := strings.Cut(args, " ")
	if strings.TrimSpace(identifier) == "" {
		bh.reply(ctx, b, chatID, messages.AdminRevokeUsage())
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = adminRevokeNote
	}

	target, ok := bh.lookupUser(ctx, b, chatID, identifier)
	if !ok {
		return
	}
	revoked, err := bh.subs.AdminRevoke(ctx, target.ID, reason, bh.now())
	if err != nil {
		log.Printf("Error revoking subscription of %d: %v", target.TelegramUserID, err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if !revoked {
		bh.reply(ctx, b, chatID, messages.AdminNothingToRevoke(target.TelegramUserID))
		return
	}

	report, err := bh.access.RevokeAccess(ctx, target.TelegramUserID)
	if err != nil {
		log.Printf("Error removing %d from groups: %v", target.TelegramUserID, err)
	}
	if err := bh.access.Notify(ctx, target.TelegramUserID, messages.AccessRevoked()); err != nil {
		log.Printf("Error notifying %d of revocation: %v", target.TelegramUserID, err)
	}
	bh.reply(ctx, b, chatID, messages.AdminRevokeDone(target.TelegramUserID, report.Removed))
}

func (bh *Handlers) adminBroadcast(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	if text == "" {
		bh.reply(ctx, b, chatID, messages.AdminBroadcastUsage())
		return
	}
	ids, err := bh.subs.ListActiveTelegramUserIDs(ctx)
	if err != nil {
		log.Printf("Error listing active users: %v", err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	bh.reply(ctx, b, chatID, messages.AdminStarted("o envio", len(ids)))

	bh.spawn("admin-broadcast", func() {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminJobTimeout)
		defer cancel()
		report := bh.access.Broadcast(jobCtx, ids, messages.Escape(text))
		bh.reply(jobCtx, b, chatID, messages.AdminBroadcastDone(report.Sent, report.Failed))
	})
}

func (bh *Handlers) adminInviteGroup(ctx context.Context, b *bot.Bot, chatID int64, args string) {
	groupChatID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		bh.reply(ctx, b, chatID, messages.AdminInviteGroupUsage())
		return
	}
	group, err := bh.groups.GetGroup(ctx, groupChatID)
	if err != nil {
		log.Printf("Error loading group %d: %v", groupChatID, err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if group == nil {
		bh.reply(ctx, b, chatID, messages.AdminGroupNotFound())
		return
	}
	ids, err := bh.subs.ListActiveTelegramUserIDs(ctx)
	if err != nil {
		log.Printf("Error listing active users: %v", err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	bh.reply(ctx, b, chatID, messages.AdminStarted("os convites", len(ids)))

	g := *group
	bh.spawn("admin-invitegroup", func() {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminJobTimeout)
		defer cancel()
		report := bh.access.InviteToGroup(jobCtx, g, ids)
		bh.reply(jobCtx, b, chatID, messages.AdminInviteGroupDone(g.Name, report.Delivered, report.AlreadyMember, report.Failed))
	})
}

func (bh *Handlers) adminSweep(ctx context.Context, b *bot.Bot, chatID int64) {
	if bh.sweeper == nil {
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	bh.reply(ctx, b, chatID, messages.AdminSweepStarted())

	bh.spawn("admin-sweep", func() {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminJobTimeout)
		defer cancel()
		res, err := bh.sweeper.Run(jobCtx)
		if errors.Is(err, sweeper.ErrSweepInProgress) {
			bh.reply(jobCtx, b, chatID, messages.AdminSweepBusy())
			return
		}
		if err != nil {
			log.Printf("Error running sweep from admin %d: %v", chatID, err)
		}
		bh.reply(jobCtx, b, chatID, messages.AdminSweepDone(res.Reminded, res.Expired, res.Removed, res.Failed))
	})
}

func (bh *Handlers) adminUser(ctx context.Context, b *bot.Bot, chatID int64, args string) {
	if args == "" {
		bh.reply(ctx, b, chatID, messages.AdminUserUsage())
		return
	}
	target, ok := bh.lookupUser(ctx, b, chatID, args)
	if !ok {
		return
	}
	sub, err := bh.subs.FindActiveForUser(ctx, target.TelegramUserID)
	if err != nil {
		log.Printf("Error loading subscription for %d: %v", target.TelegramUserID, err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if sub == nil {
		bh.reply(ctx, b, chatID, messages.AdminUserStatus(target.FirstName, target.Username, target.TelegramUserID, "", nil, nil))
		return
	}
	bh.reply(ctx, b, chatID, messages.AdminUserStatus(target.FirstName, target.Username, target.TelegramUserID,
		sub.ProductName, sub.StartDate, sub.EndDate))
}

func (bh *Handlers) lookupUser(ctx context.Context, b *bot.Bot, chatID int64, identifier string) (*types.User, bool) {
	user, err := bh.users.FindUser(ctx, identifier)
	if err != nil {
		log.Printf("Error looking up user %q: %v", identifier, err)
		bh.reply(ctx, b, chatID, messages.ErrorDefault())
		return nil, false
	}
	if user == nil {
		bh.reply(ctx, b, chatID, messages.AdminUserNotFound(identifier))
		return nil, false
	}
	return user, true
}
