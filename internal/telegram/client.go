// Package telegram adapts go-telegram/bot to the membership and messaging
// contracts used by fulfillment.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

const callTimeout = 15 * time.Second

type Client struct {
	b *bot.Bot
}

func NewClient(b *bot.Bot) *Client {
	return &Client{b: b}
}

func (c *Client) MemberStatus(ctx context.Context, chatID, userID int64) (types.MemberStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	m, err := c.b.GetChatMember(ctx, &bot.GetChatMemberParams{ChatID: chatID, UserID: userID})
	if err != nil {
		return types.MemberUnknown, classifyMembership(err)
	}
	return memberStatus(m), nil
}

func memberStatus(m *models.ChatMember) types.MemberStatus {
	if m == nil {
		return types.MemberUnknown
	}
	switch m.Type {
	case models.ChatMemberTypeOwner:
		return types.MemberOwner
	case models.ChatMemberTypeAdministrator:
		return types.MemberAdmin
	case models.ChatMemberTypeMember:
		return types.MemberRegular
	case models.ChatMemberTypeRestricted:
		if m.Restricted != nil && m.Restricted.IsMember {
			return types.MemberRegular
		}
		return types.MemberLeft
	case models.ChatMemberTypeLeft:
		return types.MemberLeft
	case models.ChatMemberTypeBanned:
		return types.MemberBanned
	default:
		return types.MemberUnknown
	}
}

func (c *Client) CreateInviteLink(ctx context.Context, chatID int64, opts types.InviteOptions) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	params := &bot.CreateChatInviteLinkParams{
		ChatID:      chatID,
		Name:        opts.Name,
		MemberLimit: opts.MemberLimit,
	}
	if !opts.ExpireAt.IsZero() {
		params.ExpireDate = int(opts.ExpireAt.Unix())
	}
	link, err := c.b.CreateChatInviteLink(ctx, params)
	if err != nil {
		return "", classifyMembership(err)
	}
	if link == nil || link.InviteLink == "" {
		return "", errors.New("empty invite link")
	}
	return link.InviteLink, nil
}

func (c *Client) BanMember(ctx context.Context, chatID, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := c.b.BanChatMember(ctx, &bot.BanChatMemberParams{ChatID: chatID, UserID: userID})
	return classifyMembership(err)
}

func (c *Client) UnbanMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := c.b.UnbanChatMember(ctx, &bot.UnbanChatMemberParams{
		ChatID:       chatID,
		UserID:       userID,
		OnlyIfBanned: onlyIfBanned,
	})
	return classifyMembership(err)
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := c.b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: bot.True(),
		},
	})
	return classifyDelivery(err)
}

// SendPhotoBase64 uploads a base64 encoded image, as returned for PIX QR
// codes by the gateway.
func (c *Client) SendPhotoBase64(ctx context.Context, chatID int64, data, caption string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return fmt.Errorf("decode photo: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err = c.b.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID: chatID,
		Photo: &models.InputFileUpload{
			Filename: "pix.png",
			Data:     bytes.NewReader(raw),
		},
		Caption:   caption,
		ParseMode: messages.ParseModeHTML,
	})
	return classifyDelivery(err)
}

var memberGoneHints = []string{
	"user not found",
	"member not found",
	"participant_id_invalid",
	"user_not_participant",
	"user is not a member",
}

var noRightsHints = []string{
	"not enough rights",
	"chat_admin_required",
	"can't remove chat owner",
	"user is an administrator",
	"method is available only for supergroups",
}

func containsAny(s string, hints []string) bool {
	s = strings.ToLower(s)
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func retryAfter(err error) (error, bool) {
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &types.RetryAfterError{After: time.Duration(tooMany.RetryAfter) * time.Second}, true
	}
	return nil, false
}

// classifyMembership maps Bot API failures of moderation calls onto the
// sentinels fulfillment understands. Unknown failures are returned as is.
func classifyMembership(err error) error {
	if err == nil {
		return nil
	}
	if ra, ok := retryAfter(err); ok {
		return ra
	}
	switch {
	case errors.Is(err, bot.ErrorForbidden):
		return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
	case errors.Is(err, bot.ErrorBadRequest) && containsAny(err.Error(), memberGoneHints):
		return fmt.Errorf("%w: %v", types.ErrMemberNotFound, err)
	case errors.Is(err, bot.ErrorBadRequest) && containsAny(err.Error(), noRightsHints):
		return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
	}
	return err
}

// classifyDelivery maps failures of sending to a user. Blocked bots and
// deleted accounts are permanent.
func classifyDelivery(err error) error {
	if err == nil {
		return nil
	}
	if ra, ok := retryAfter(err); ok {
		return ra
	}
	switch {
	case errors.Is(err, bot.ErrorForbidden):
		return fmt.Errorf("%w: %v", types.ErrRecipientUnavailable, err)
	case errors.Is(err, bot.ErrorBadRequest) && containsAny(err.Error(), []string{"chat not found", "user is deactivated"}):
		return fmt.Errorf("%w: %v", types.ErrRecipientUnavailable, err)
	}
	return err
}
