// Package sweeper sends renewal reminders and closes subscriptions whose
// term has ended, removing their owners from every group.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/neochupacabras/telegram-payment-bot/internal/fulfillment"
	"github.com/neochupacabras/telegram-payment-bot/internal/messages"
	"github.com/neochupacabras/telegram-payment-bot/internal/metrics"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

const lockName = "subscription-sweep"

var ErrSweepInProgress = errors.New("sweep already in progress")

type Locker interface {
	TryLock(ctx context.Context, name string) (unlock func(), ok bool, err error)
}

type Access interface {
	RevokeAccess(ctx context.Context, telegramUserID int64) (fulfillment.RevokeReport, error)
	Notify(ctx context.Context, telegramUserID int64, text string) error
}

type Config struct {
	ReminderLower time.Duration
	ReminderUpper time.Duration
	// Locker, when set, keeps concurrent instances from sweeping together.
	Locker  Locker
	Metrics *metrics.Metrics
}

type Result struct {
	Reminded       int
	ReminderFailed int
	Expired        int
	Removed        int
	Failed         int
}

type Sweeper struct {
	subs    types.SubscriptionStore
	access  Access
	locker  Locker
	lower   time.Duration
	upper   time.Duration
	metrics *metrics.Metrics
	running atomic.Bool
	now     func() time.Time
}

func New(subs types.SubscriptionStore, access Access, cfg Config) *Sweeper {
	if cfg.ReminderLower <= 0 {
		cfg.ReminderLower = 48 * time.Hour
	}
	if cfg.ReminderUpper <= cfg.ReminderLower {
		cfg.ReminderUpper = cfg.ReminderLower + 24*time.Hour
	}
	return &Sweeper{
		subs:    subs,
		access:  access,
		locker:  cfg.Locker,
		lower:   cfg.ReminderLower,
		upper:   cfg.ReminderUpper,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// Run performs one sweep. Failures on a single subscription are logged and
// counted; only failures to list subscriptions are returned.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var res Result
	if !s.running.CompareAndSwap(false, true) {
		return res, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, lockName)
		if err != nil {
			return res, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			log.Printf("[sweeper] another instance holds the sweep lock")
			return res, ErrSweepInProgress
		}
		defer unlock()
	}

	started := s.now()
	log.Printf("[sweeper] sweep started")

	var errs error
	if err := s.remind(ctx, started, &res); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := s.expire(ctx, started, &res); err != nil {
		errs = multierr.Append(errs, err)
	}

	outcome := "ok"
	if errs != nil {
		outcome = "error"
	}
	s.metrics.Sweep(outcome, time.Since(started))
	log.Printf("[sweeper] sweep finished: reminded=%d reminder_failed=%d expired=%d removed=%d failed=%d",
		res.Reminded, res.ReminderFailed, res.Expired, res.Removed, res.Failed)
	return res, errs
}

func (s *Sweeper) remind(ctx context.Context, now time.Time, res *Result) error {
	subs, err := s.subs.FindExpiringSoon(ctx, now, s.lower, s.upper)
	if err != nil {
		return fmt.Errorf("find expiring subscriptions: %w", err)
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.access.Notify(ctx, sub.TelegramUserID, messages.ReminderExpiring(sub.ProductName, sub.EndDate))
		switch {
		case err == nil:
			res.Reminded++
			s.metrics.Reminder("sent")
		case errors.Is(err, types.ErrRecipientUnavailable):
			log.Printf("[sweeper] reminder for %d undeliverable (bot blocked?): %v", sub.TelegramUserID, err)
			res.ReminderFailed++
			s.metrics.Reminder("undeliverable")
		default:
			log.Printf("[sweeper] reminder for %d failed, will retry: %v", sub.TelegramUserID, err)
			res.ReminderFailed++
			s.metrics.Reminder("failed")
			continue
		}
		if err := s.subs.MarkReminderSent(ctx, sub.ID, now); err != nil {
			log.Printf("[sweeper] mark reminder for subscription %d: %v", sub.ID, err)
		}
	}
	return nil
}

func (s *Sweeper) expire(ctx context.Context, now time.Time, res *Result) error {
	subs, err := s.subs.FindExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired subscriptions: %w", err)
	}
	if len(subs) > 0 {
		log.Printf("[sweeper] %d expired subscription(s) to process", len(subs))
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.expireOne(ctx, sub, now, res)
	}
	return nil
}

func (s *Sweeper) expireOne(ctx context.Context, sub types.Subscription, now time.Time, res *Result) {
	report, err := s.access.RevokeAccess(ctx, sub.TelegramUserID)
	if err != nil {
		// Nothing was attempted; keep it active so the next sweep retries.
		log.Printf("[sweeper] remove %d (subscription %d): %v", sub.TelegramUserID, sub.ID, err)
		res.Failed++
		return
	}
	res.Removed += report.Removed
	res.Failed += report.Failed

	changed, err := s.subs.MarkExpired(ctx, sub.ID, now)
	if err != nil {
		log.Printf("[sweeper] mark subscription %d expired: %v", sub.ID, err)
		res.Failed++
		return
	}
	if !changed {
		return
	}
	res.Expired++
	log.Printf("[sweeper] subscription %d of user %d expired, removed from %d group(s)", sub.ID, sub.TelegramUserID, report.Removed)

	if err := s.access.Notify(ctx, sub.TelegramUserID, messages.SubscriptionExpired()); err != nil {
		log.Printf("[sweeper] notify %d about expiry: %v", sub.TelegramUserID, err)
	}
}
