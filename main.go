package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/neochupacabras/telegram-payment-bot/internal/async"
	"github.com/neochupacabras/telegram-payment-bot/internal/config"
	"github.com/neochupacabras/telegram-payment-bot/internal/fulfillment"
	"github.com/neochupacabras/telegram-payment-bot/internal/gateway"
	"github.com/neochupacabras/telegram-payment-bot/internal/handlers"
	"github.com/neochupacabras/telegram-payment-bot/internal/idempotency"
	"github.com/neochupacabras/telegram-payment-bot/internal/metrics"
	"github.com/neochupacabras/telegram-payment-bot/internal/middleware"
	"github.com/neochupacabras/telegram-payment-bot/internal/payments"
	"github.com/neochupacabras/telegram-payment-bot/internal/scheduler"
	"github.com/neochupacabras/telegram-payment-bot/internal/sweeper"
	"github.com/neochupacabras/telegram-payment-bot/internal/telegram"
	"github.com/neochupacabras/telegram-payment-bot/internal/webhook"
	"github.com/neochupacabras/telegram-payment-bot/store"
)

const (
	pollTimeout     = 50 * time.Second
	shutdownTimeout = 20 * time.Second
	deliverTimeout  = 5 * time.Minute
)

func main() {
	mode := flag.String("mode", "serve", "serve | sweep")
	flag.Parse()

	if err := config.LoadEnvFiles("config.env", ".env"); err != nil {
		log.Fatalf("Failed to load env files: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgStore, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()

	rdb, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "payment_bot")
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	httpClient := &http.Client{Timeout: pollTimeout + 10*time.Second}
	b, err := bot.New(cfg.BotToken, bot.WithHTTPClient(pollTimeout, httpClient))
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	tg := telegram.NewClient(b)
	engine := fulfillment.NewEngine(pgStore, tg, tg, fulfillment.Config{
		InviteTTL: cfg.InviteLinkTTL,
		Metrics:   m,
	})
	sweep := sweeper.New(pgStore, engine, sweeper.Config{
		ReminderLower: cfg.ReminderWindowLower,
		ReminderUpper: cfg.ReminderWindowUpper,
		Locker:        store.NewRedisLocker(rdb, cfg.SweepLockTTL),
		Metrics:       m,
	})

	if *mode == "sweep" {
		res, err := sweep.Run(ctx)
		log.Printf("[sweeper] one-shot run: reminded=%d expired=%d removed=%d failed=%d",
			res.Reminded, res.Expired, res.Removed, res.Failed)
		if err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		return
	}
	if *mode != "serve" {
		log.Fatalf("Unknown mode %q", *mode)
	}

	mp := gateway.New(cfg.MercadoPagoBaseURL, cfg.MercadoPagoToken, cfg.NotificationURL())
	charges := store.NewRedisChargeCache(rdb, cfg.ChargeCacheTTL)
	processor := payments.NewProcessor(
		mp,
		idempotency.NewGuard(pgStore, cfg.LedgerStaleAfter),
		pgStore,
		engine,
		charges,
		payments.ProcessorConfig{
			VerifyTimeout:  cfg.VerifyTimeout,
			DeliverTimeout: deliverTimeout,
			Metrics:        m,
		},
	)

	paymentScheduler := scheduler.NewScheduler(processor, scheduler.Config{Workers: cfg.Workers})
	paymentScheduler.Start()
	defer paymentScheduler.Stop()

	h := handlers.NewHandlers(handlers.Deps{
		Users:         pgStore,
		Products:      pgStore,
		Groups:        pgStore,
		Subscriptions: pgStore,
		Checkout:      payments.NewCheckout(mp, pgStore, charges),
		Access:        engine,
		Sweeper:       sweep,
		Photos:        tg,
		IsAdmin:       cfg.IsAdmin,
	})
	middlewares := middleware.NewMiddlewares(pgStore)
	handlerChain := middlewares.UpsertUserMiddleware(
		middlewares.AnalyzeMessageMiddleware(
			h.MainHandler,
		),
	)
	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil
	}, handlerChain)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, handlerChain)

	webhookCfg := webhook.Config{
		TelegramSecret: cfg.TelegramWebhookSecret,
		CronSecret:     cfg.CronSecret,
		Gatherer:       reg,
		Metrics:        m,
	}
	if cfg.UseTelegramWebhook() {
		webhookCfg.Telegram = b.WebhookHandler()
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           webhook.NewHandler(paymentScheduler, sweep, pgStore, webhookCfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cronRunner := cron.New(cron.WithSeconds())
	if _, err := cronRunner.AddFunc(cfg.SweepSchedule, func() {
		defer async.Recover("cron-sweep")
		res, err := sweep.Run(ctx)
		if errors.Is(err, sweeper.ErrSweepInProgress) {
			return
		}
		if err != nil {
			log.Printf("[CRON] sweep finished with errors: %v", err)
		}
		log.Printf("[CRON] sweep: reminded=%d expired=%d removed=%d failed=%d",
			res.Reminded, res.Expired, res.Removed, res.Failed)
	}); err != nil {
		log.Fatalf("Invalid SWEEP_SCHEDULE %q: %v", cfg.SweepSchedule, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		cronRunner.Start()
		<-gctx.Done()
		<-cronRunner.Stop().Done()
		return nil
	})

	g.Go(func() error {
		if cfg.UseTelegramWebhook() {
			if _, err := b.SetWebhook(gctx, &bot.SetWebhookParams{
				URL:         cfg.TelegramWebhookURL(),
				SecretToken: cfg.TelegramWebhookSecret,
			}); err != nil {
				return err
			}
			log.Printf("Bot receiving updates via webhook at %s", cfg.TelegramWebhookURL())
			b.StartWebhook(gctx)
			return nil
		}
		if _, err := b.DeleteWebhook(gctx, &bot.DeleteWebhookParams{}); err != nil {
			log.Printf("Error removing webhook before polling: %v", err)
		}
		log.Println("Bot started in polling mode. Press Ctrl+C to stop.")
		b.Start(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Shutting down: %v", err)
	}
	log.Println("Stopped")
}
