package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type MemberStatus string

const (
	MemberOwner   MemberStatus = "creator"
	MemberAdmin   MemberStatus = "administrator"
	MemberRegular MemberStatus = "member"
	MemberLeft    MemberStatus = "left"
	MemberBanned  MemberStatus = "kicked"
	MemberUnknown MemberStatus = "unknown"
)

// InGroup reports whether the user currently belongs to the group.
func (m MemberStatus) InGroup() bool {
	switch m {
	case MemberOwner, MemberAdmin, MemberRegular:
		return true
	default:
		return false
	}
}

type InviteOptions struct {
	Name        string
	ExpireAt    time.Time
	MemberLimit int
}

// GroupActuator changes membership of gated groups.
type GroupActuator interface {
	MemberStatus(ctx context.Context, chatID, userID int64) (MemberStatus, error)
	CreateInviteLink(ctx context.Context, chatID int64, opts InviteOptions) (string, error)
	BanMember(ctx context.Context, chatID, userID int64) error
	UnbanMember(ctx context.Context, chatID, userID int64, onlyIfBanned bool) error
}

type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrMemberNotFound       = errors.New("member not found")
	ErrRecipientUnavailable = errors.New("recipient unavailable")
)

// RetryAfterError is returned when the platform asks the caller to slow down.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}
