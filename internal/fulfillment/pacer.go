package fulfillment

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/neochupacabras/telegram-payment-bot/internal/metrics"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

type PacerConfig struct {
	// Interval is the minimum gap between two calls.
	Interval time.Duration
	// Every PauseEvery calls the pacer sleeps Pause.
	PauseEvery int
	Pause      time.Duration
	// MaxRetries bounds how many retry-after signals one call may absorb.
	MaxRetries int
}

// Pacer spaces out calls to the Telegram API and absorbs its flood-control
// replies.
type Pacer struct {
	limiter    *rate.Limiter
	pauseEvery int
	pause      time.Duration
	maxRetries int
	metrics    *metrics.Metrics

	mu    sync.Mutex
	calls int

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPacer(cfg PacerConfig, m *metrics.Metrics) *Pacer {
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Pacer{
		limiter:    rate.NewLimiter(limit, 1),
		pauseEvery: cfg.PauseEvery,
		pause:      cfg.Pause,
		maxRetries: cfg.MaxRetries,
		metrics:    m,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do waits for a slot and runs fn. A RetryAfterError makes the pacer sleep
// for the requested duration and call fn again.
func (p *Pacer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		var ra *types.RetryAfterError
		if !errors.As(err, &ra) || attempt >= p.maxRetries {
			return err
		}
		p.metrics.RateLimited()
		log.Printf("[pacer] flood limit hit, pausing %s", ra.After)
		if err := p.sleep(ctx, ra.After); err != nil {
			return err
		}
	}
}

func (p *Pacer) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if p.pauseEvery > 0 && n%p.pauseEvery == 0 {
		return p.sleep(ctx, p.pause)
	}
	return nil
}
