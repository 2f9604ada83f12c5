// Package idempotency guards payment references so each one is fulfilled at
// most once, across workers and process restarts.
package idempotency

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/neochupacabras/telegram-payment-bot/types"
)

const releaseTimeout = 5 * time.Second

var ErrEmptyReference = errors.New("empty payment reference")

type Guard struct {
	ledger     types.PaymentLedger
	staleAfter time.Duration
	now        func() time.Time
}

func NewGuard(ledger types.PaymentLedger, staleAfter time.Duration) *Guard {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Guard{ledger: ledger, staleAfter: staleAfter, now: time.Now}
}

// TryBegin claims ref for the caller. It returns false with a nil error when
// ref was already approved, and types.ErrPaymentInProgress when another
// worker holds a fresh claim.
func (g *Guard) TryBegin(ctx context.Context, ref string) (bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false, ErrEmptyReference
	}
	p, err := g.ledger.GetProcessedPayment(ctx, ref)
	if err != nil {
		return false, err
	}
	if p != nil && p.Status == types.LedgerApproved {
		return false, nil
	}
	ok, err := g.ledger.Claim(ctx, ref, g.now().Add(-g.staleAfter))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, types.ErrPaymentInProgress
	}
	return true, nil
}

func (g *Guard) Commit(ctx context.Context, ref string) error {
	return g.ledger.MarkApproved(ctx, strings.TrimSpace(ref))
}

// Release drops the claim on ref. It ignores the caller's context so a
// cancelled request still frees the reference for the next notification.
func (g *Guard) Release(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := g.ledger.Release(ctx, strings.TrimSpace(ref)); err != nil {
		log.Printf("[idempotency] release %s failed: %v", ref, err)
	}
}
