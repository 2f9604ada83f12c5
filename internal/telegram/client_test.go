package telegram

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"

	"github.com/neochupacabras/telegram-payment-bot/types"
)

func apiError(kind error, desc string) error {
	return fmt.Errorf("%w, %s", kind, desc)
}

func TestClassifyMembership(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"forbidden", apiError(bot.ErrorForbidden, "Forbidden: bot is not a member of the supergroup chat"), types.ErrPermissionDenied},
		{"not enough rights", apiError(bot.ErrorBadRequest, "Bad Request: not enough rights to restrict/unrestrict chat member"), types.ErrPermissionDenied},
		{"owner", apiError(bot.ErrorBadRequest, "Bad Request: can't remove chat owner"), types.ErrPermissionDenied},
		{"user not found", apiError(bot.ErrorBadRequest, "Bad Request: user not found"), types.ErrMemberNotFound},
		{"participant", apiError(bot.ErrorBadRequest, "Bad Request: PARTICIPANT_ID_INVALID"), types.ErrMemberNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyMembership(tt.err), tt.want)
		})
	}
}

func TestClassifyMembershipPassesUnknown(t *testing.T) {
	err := apiError(bot.ErrorBadRequest, "Bad Request: chat not found")
	got := classifyMembership(err)
	assert.Equal(t, err, got)
	assert.NoError(t, classifyMembership(nil))
}

func TestClassifyRetryAfter(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &bot.TooManyRequestsError{Message: "Too Many Requests", RetryAfter: 12})

	var ra *types.RetryAfterError
	assert.True(t, errors.As(classifyMembership(err), &ra))
	assert.Equal(t, 12*time.Second, ra.After)

	assert.True(t, errors.As(classifyDelivery(err), &ra))
}

func TestClassifyDelivery(t *testing.T) {
	assert.ErrorIs(t, classifyDelivery(apiError(bot.ErrorForbidden, "Forbidden: bot was blocked by the user")), types.ErrRecipientUnavailable)
	assert.ErrorIs(t, classifyDelivery(apiError(bot.ErrorBadRequest, "Bad Request: chat not found")), types.ErrRecipientUnavailable)

	other := errors.New("connection reset")
	assert.Equal(t, other, classifyDelivery(other))
}

func TestMemberStatus(t *testing.T) {
	tests := []struct {
		in   *models.ChatMember
		want types.MemberStatus
	}{
		{&models.ChatMember{Type: models.ChatMemberTypeOwner}, types.MemberOwner},
		{&models.ChatMember{Type: models.ChatMemberTypeAdministrator}, types.MemberAdmin},
		{&models.ChatMember{Type: models.ChatMemberTypeMember}, types.MemberRegular},
		{&models.ChatMember{Type: models.ChatMemberTypeRestricted, Restricted: &models.ChatMemberRestricted{IsMember: true}}, types.MemberRegular},
		{&models.ChatMember{Type: models.ChatMemberTypeRestricted, Restricted: &models.ChatMemberRestricted{}}, types.MemberLeft},
		{&models.ChatMember{Type: models.ChatMemberTypeLeft}, types.MemberLeft},
		{&models.ChatMember{Type: models.ChatMemberTypeBanned}, types.MemberBanned},
		{nil, types.MemberUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, memberStatus(tt.in))
	}
}
