// Package payments turns gateway notifications into activated subscriptions
// and creates the PIX charges users pay.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/neochupacabras/telegram-payment-bot/internal/fulfillment"
	"github.com/neochupacabras/telegram-payment-bot/internal/gateway"
	"github.com/neochupacabras/telegram-payment-bot/internal/metrics"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

type Verifier interface {
	FetchPaymentStatus(ctx context.Context, paymentID string) (*gateway.PaymentStatus, error)
}

type Guard interface {
	TryBegin(ctx context.Context, ref string) (bool, error)
	Commit(ctx context.Context, ref string) error
	Release(ref string)
}

type Deliverer interface {
	DeliverAccess(ctx context.Context, telegramUserID int64, ref string) (fulfillment.GrantReport, error)
}

type Outcome string

const (
	OutcomeActivated        Outcome = "activated"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeInProgress       Outcome = "in_progress"
	OutcomeNotApproved      Outcome = "not_approved"
	OutcomeUnknownReference Outcome = "unknown_reference"
	OutcomeAlreadyActive    Outcome = "already_active"
	OutcomeClosed           Outcome = "closed"
	OutcomeConflict         Outcome = "conflict"
	OutcomeError            Outcome = "error"
)

type ProcessorConfig struct {
	VerifyTimeout  time.Duration
	DeliverTimeout time.Duration
	Metrics        *metrics.Metrics
}

type Processor struct {
	verifier       Verifier
	guard          Guard
	subs           types.SubscriptionStore
	deliverer      Deliverer
	charges        types.ChargeCache
	verifyTimeout  time.Duration
	deliverTimeout time.Duration
	metrics        *metrics.Metrics
	now            func() time.Time
}

func NewProcessor(v Verifier, g Guard, subs types.SubscriptionStore, d Deliverer, charges types.ChargeCache, cfg ProcessorConfig) *Processor {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 15 * time.Second
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 2 * time.Minute
	}
	return &Processor{
		verifier:       v,
		guard:          g,
		subs:           subs,
		deliverer:      d,
		charges:        charges,
		verifyTimeout:  cfg.VerifyTimeout,
		deliverTimeout: cfg.DeliverTimeout,
		metrics:        cfg.Metrics,
		now:            time.Now,
	}
}

// Process verifies paymentID with the gateway and, when approved, activates
// the matching subscription and delivers group access. Access is delivered
// only by the call that performs the activation.
func (p *Processor) Process(ctx context.Context, paymentID string) (Outcome, error) {
	outcome, err := p.process(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		outcome = OutcomeError
	}
	p.metrics.Payment(string(outcome))
	return outcome, err
}

func (p *Processor) process(ctx context.Context, ref string) (Outcome, error) {
	ok, err := p.guard.TryBegin(ctx, ref)
	if errors.Is(err, types.ErrPaymentInProgress) {
		log.Printf("[payments] %s is being processed by another worker", ref)
		return OutcomeInProgress, nil
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("claim payment %s: %w", ref, err)
	}
	if !ok {
		log.Printf("[payments] %s already approved", ref)
		return OutcomeDuplicate, nil
	}

	keep := false
	defer func() {
		if !keep {
			p.guard.Release(ref)
		}
	}()

	vctx, cancel := context.WithTimeout(ctx, p.verifyTimeout)
	status, err := p.verifier.FetchPaymentStatus(vctx, ref)
	cancel()
	if err != nil {
		return OutcomeError, fmt.Errorf("verify payment %s: %w", ref, err)
	}
	if !status.Approved() {
		log.Printf("[payments] %s not approved (status=%s detail=%s)", ref, status.Status, status.StatusDetail)
		return OutcomeNotApproved, nil
	}

	sub, transitioned, err := p.subs.Activate(ctx, ref, p.now())
	switch {
	case errors.Is(err, types.ErrSubscriptionClosed):
		keep = true
		p.commit(ctx, ref)
		log.Printf("[payments] %s approved but its subscription is already closed", ref)
		return OutcomeClosed, nil
	case errors.Is(err, types.ErrActiveSubscriptionExists):
		keep = true
		p.commit(ctx, ref)
		log.Printf("[payments] %s approved but the user already has another active subscription, needs manual review", ref)
		return OutcomeConflict, nil
	case err != nil:
		return OutcomeError, fmt.Errorf("activate %s: %w", ref, err)
	}
	if sub == nil {
		log.Printf("[payments] %s approved but no subscription references it", ref)
		return OutcomeUnknownReference, nil
	}

	// Activation is idempotent on its own, so a failed commit leaves the
	// claim to expire instead of releasing it.
	keep = true
	p.commit(ctx, ref)

	if !transitioned {
		log.Printf("[payments] %s: subscription %d already active", ref, sub.ID)
		return OutcomeAlreadyActive, nil
	}

	log.Printf("[payments] %s: subscription %d activated for user %d until %v", ref, sub.ID, sub.TelegramUserID, sub.EndDate)
	if p.charges != nil {
		if err := p.charges.DeletePendingCharge(ctx, sub.TelegramUserID, sub.ProductID); err != nil {
			log.Printf("[payments] %s: drop cached charge: %v", ref, err)
		}
	}
	p.deliver(ctx, sub, ref)
	return OutcomeActivated, nil
}

func (p *Processor) commit(ctx context.Context, ref string) {
	if err := p.guard.Commit(ctx, ref); err != nil {
		log.Printf("[payments] %s: mark approved failed: %v", ref, err)
	}
}

func (p *Processor) deliver(ctx context.Context, sub *types.Subscription, ref string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deliverTimeout)
	defer cancel()
	if _, err := p.deliverer.DeliverAccess(dctx, sub.TelegramUserID, ref); err != nil {
		log.Printf("[payments] %s: deliver access to %d: %v", ref, sub.TelegramUserID, err)
	}
}
