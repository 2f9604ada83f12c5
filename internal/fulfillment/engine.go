// Package fulfillment reconciles group membership with subscription state:
// it hands out invitation links when access is granted and removes users
// when access ends.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/internal/metrics"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

var ErrNoGroups = errors.New("no groups configured")

// Telegram caps invite link names at 32 characters.
const maxInviteName = 32

type Outcome string

const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeAlreadyMember Outcome = "already_member"
	OutcomeFailed        Outcome = "failed"
)

type GroupResult struct {
	Group   types.GroupTarget
	Outcome Outcome
	Link    string
	Err     error
}

type GrantReport struct {
	Results       []GroupResult
	Delivered     int
	AlreadyMember int
	Failed        int
}

func (r *GrantReport) add(res GroupResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeAlreadyMember:
		r.AlreadyMember++
	default:
		r.Failed++
	}
}

type RevokeReport struct {
	Removed int
	Skipped int
	Failed  int
	// Err aggregates unexpected per-group failures. It is for logging only.
	Err error
}

type BroadcastReport struct {
	Sent   int
	Failed int
}

type Config struct {
	InviteTTL time.Duration
	// Pacer paces single-user operations, BulkPacer paces fan-outs.
	Pacer     *Pacer
	BulkPacer *Pacer
	Metrics   *metrics.Metrics
	// UnbanRetries bounds extra attempts to lift the ban that follows a
	// removal, UnbanRetryBase is the first backoff step.
	UnbanRetries   uint64
	UnbanRetryBase time.Duration
}

type Engine struct {
	groups    types.GroupStore
	actuator  types.GroupActuator
	notifier  types.Notifier
	pacer     *Pacer
	bulk      *Pacer
	inviteTTL time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time

	unbanRetries uint64
	unbanBase    time.Duration
}

func NewEngine(groups types.GroupStore, actuator types.GroupActuator, notifier types.Notifier, cfg Config) *Engine {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 2 * time.Hour
	}
	if cfg.Pacer == nil {
		cfg.Pacer = NewPacer(PacerConfig{Interval: 200 * time.Millisecond}, cfg.Metrics)
	}
	if cfg.UnbanRetries == 0 {
		cfg.UnbanRetries = 2
	}
	if cfg.UnbanRetryBase <= 0 {
		cfg.UnbanRetryBase = 500 * time.Millisecond
	}
	if cfg.BulkPacer == nil {
		cfg.BulkPacer = NewPacer(PacerConfig{Interval: time.Second, PauseEvery: 25, Pause: 5 * time.Second}, cfg.Metrics)
	}
	return &Engine{
		groups:    groups,
		actuator:  actuator,
		notifier:  notifier,
		pacer:     cfg.Pacer,
		bulk:      cfg.BulkPacer,
		inviteTTL: cfg.InviteTTL,
		metrics:   cfg.Metrics,
		now:       time.Now,

		unbanRetries: cfg.UnbanRetries,
		unbanBase:    cfg.UnbanRetryBase,
	}
}

// DeliverAccess sends the user one message with an invitation for every
// configured group it is not already a member of.
func (e *Engine) DeliverAccess(ctx context.Context, telegramUserID int64, ref string) (GrantReport, error) {
	var report GrantReport

	groups, err := e.groups.ListGroups(ctx)
	if err != nil {
		return report, fmt.Errorf("list groups: %w", err)
	}
	if len(groups) == 0 {
		log.Printf("[fulfillment] CRITICAL: no groups configured, cannot deliver access to %d (ref %s)", telegramUserID, ref)
		if err := e.send(ctx, e.pacer, telegramUserID, messages.ErrorNoGroups()); err != nil {
			log.Printf("[fulfillment] notify %d about missing groups: %v", telegramUserID, err)
		}
		return report, ErrNoGroups
	}

	lines := make([]string, 0, len(groups))
	for _, g := range groups {
		res := e.grant(ctx, g, telegramUserID, ref)
		report.add(res)
		switch res.Outcome {
		case OutcomeDelivered:
			lines = append(lines, messages.GroupLinkLine(groupName(g), res.Link))
		case OutcomeAlreadyMember:
			lines = append(lines, messages.GroupAlreadyMemberLine(groupName(g)))
		default:
			log.Printf("[fulfillment] ref %s: link for group %d failed: %v", ref, g.ChatID, res.Err)
			lines = append(lines, messages.GroupFailedLine(groupName(g)))
		}
	}
	e.recordGrant(report)

	if err := e.send(ctx, e.pacer, telegramUserID, messages.AccessGranted(lines)); err != nil {
		return report, fmt.Errorf("send access message: %w", err)
	}
	log.Printf("[fulfillment] ref %s: user %d delivered=%d already_member=%d failed=%d",
		ref, telegramUserID, report.Delivered, report.AlreadyMember, report.Failed)
	return report, nil
}

func (e *Engine) grant(ctx context.Context, g types.GroupTarget, userID int64, ref string) GroupResult {
	res := GroupResult{Group: g}

	var status types.MemberStatus
	err := e.pacer.Do(ctx, func(ctx context.Context) error {
		var err error
		status, err = e.actuator.MemberStatus(ctx, g.ChatID, userID)
		return err
	})
	if err == nil && status.InGroup() {
		res.Outcome = OutcomeAlreadyMember
		return res
	}
	if err == nil && status == types.MemberBanned {
		// Left over from an earlier removal; the link is useless until lifted.
		if err := e.unban(ctx, g.ChatID, userID); err != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("lift ban: %w", err)
			return res
		}
	}

	opts := types.InviteOptions{
		Name:        inviteName(ref),
		ExpireAt:    e.now().Add(e.inviteTTL),
		MemberLimit: 1,
	}
	link, err := e.createLink(ctx, g.ChatID, opts)
	if err != nil {
		log.Printf("[fulfillment] single-use link for group %d failed, retrying without limit: %v", g.ChatID, err)
		opts.MemberLimit = 0
		link, err = e.createLink(ctx, g.ChatID, opts)
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	res.Outcome = OutcomeDelivered
	res.Link = link
	return res
}

func (e *Engine) unban(ctx context.Context, chatID, userID int64) error {
	backoff := retry.WithMaxRetries(e.unbanRetries, retry.NewExponential(e.unbanBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := e.pacer.Do(ctx, func(ctx context.Context) error {
			return e.actuator.UnbanMember(ctx, chatID, userID, true)
		})
		if err == nil || errors.Is(err, types.ErrPermissionDenied) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (e *Engine) createLink(ctx context.Context, chatID int64, opts types.InviteOptions) (string, error) {
	var link string
	err := e.pacer.Do(ctx, func(ctx context.Context) error {
		var err error
		link, err = e.actuator.CreateInviteLink(ctx, chatID, opts)
		return err
	})
	return link, err
}

// RevokeAccess removes the user from every configured group. Groups the bot
// cannot moderate and groups the user is not in are skipped.
func (e *Engine) RevokeAccess(ctx context.Context, telegramUserID int64) (RevokeReport, error) {
	var report RevokeReport

	groups, err := e.groups.ListGroups(ctx)
	if err != nil {
		return report, fmt.Errorf("list groups: %w", err)
	}
	if len(groups) == 0 {
		log.Printf("[fulfillment] CRITICAL: no groups configured, cannot remove %d", telegramUserID)
		return report, nil
	}

	for _, g := range groups {
		err := e.pacer.Do(ctx, func(ctx context.Context) error {
			return e.actuator.BanMember(ctx, g.ChatID, telegramUserID)
		})
		switch {
		case err == nil:
		case errors.Is(err, types.ErrPermissionDenied):
			log.Printf("[fulfillment] no permission to remove %d from group %d", telegramUserID, g.ChatID)
			report.Skipped++
			continue
		case errors.Is(err, types.ErrMemberNotFound):
			log.Printf("[fulfillment] %d was not in group %d", telegramUserID, g.ChatID)
			report.Skipped++
			continue
		default:
			report.Failed++
			report.Err = multierr.Append(report.Err, fmt.Errorf("group %d: %w", g.ChatID, err))
			continue
		}

		// A ban that is never lifted keeps the user out after renewing.
		if err := e.unban(ctx, g.ChatID, telegramUserID); err != nil {
			log.Printf("[fulfillment] unban %d in group %d: %v", telegramUserID, g.ChatID, err)
			report.Failed++
			report.Err = multierr.Append(report.Err, fmt.Errorf("group %d: unban: %w", g.ChatID, err))
			continue
		}
		report.Removed++
	}

	e.metrics.Revoke("removed", report.Removed)
	e.metrics.Revoke("skipped", report.Skipped)
	e.metrics.Revoke("failed", report.Failed)
	if report.Err != nil {
		log.Printf("[fulfillment] removing %d: %v", telegramUserID, report.Err)
	}
	log.Printf("[fulfillment] user %d removed from %d group(s)", telegramUserID, report.Removed)
	return report, nil
}

// InviteToGroup sends an invitation for one group to each user, typically
// after the group was added while subscriptions were already active.
func (e *Engine) InviteToGroup(ctx context.Context, group types.GroupTarget, telegramUserIDs []int64) GrantReport {
	var report GrantReport
	for _, userID := range telegramUserIDs {
		if ctx.Err() != nil {
			break
		}
		res := e.grant(ctx, group, userID, fmt.Sprintf("grupo %d", group.ChatID))
		if res.Outcome == OutcomeDelivered {
			if err := e.send(ctx, e.bulk, userID, messages.GroupInvite(groupName(group), res.Link)); err != nil {
				res.Outcome = OutcomeFailed
				res.Err = err
			}
		}
		report.add(res)
	}
	e.recordGrant(report)
	return report
}

// Broadcast sends text to every user. Failures are counted, not retried.
func (e *Engine) Broadcast(ctx context.Context, telegramUserIDs []int64, text string) BroadcastReport {
	var report BroadcastReport
	for _, userID := range telegramUserIDs {
		if ctx.Err() != nil {
			break
		}
		if err := e.send(ctx, e.bulk, userID, text); err != nil {
			log.Printf("[fulfillment] broadcast to %d failed: %v", userID, err)
			report.Failed++
			continue
		}
		report.Sent++
	}
	return report
}

// Notify sends one paced message to a user.
func (e *Engine) Notify(ctx context.Context, telegramUserID int64, text string) error {
	return e.send(ctx, e.pacer, telegramUserID, text)
}

func (e *Engine) send(ctx context.Context, p *Pacer, chatID int64, text string) error {
	return p.Do(ctx, func(ctx context.Context) error {
		return e.notifier.SendMessage(ctx, chatID, text)
	})
}

func (e *Engine) recordGrant(r GrantReport) {
	e.metrics.Grant(string(OutcomeDelivered), r.Delivered)
	e.metrics.Grant(string(OutcomeAlreadyMember), r.AlreadyMember)
	e.metrics.Grant(string(OutcomeFailed), r.Failed)
}

func groupName(g types.GroupTarget) string {
	if g.Name != "" {
		return g.Name
	}
	return fmt.Sprintf("Grupo %d", g.ChatID)
}

func inviteName(ref string) string {
	name := "acesso " + ref
	if len(name) > maxInviteName {
		name = name[:maxInviteName]
	}
	return name
}
