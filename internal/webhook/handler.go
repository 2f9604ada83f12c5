// Package webhook is the HTTP ingress: gateway notifications, Telegram
// updates, the operator sweep trigger, health and metrics.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neochupacabras/telegram-payment-bot/internal/async"
	"github.com/neochupacabras/telegram-payment-bot/internal/metrics"
	"github.com/neochupacabras/telegram-payment-bot/internal/sweeper"
)

const (
	maxNotificationBytes = 64 << 10
	sweepTimeout         = 15 * time.Minute
	healthTimeout        = 3 * time.Second
)

type Enqueuer interface {
	Enqueue(paymentID string) int
}

type SweepRunner interface {
	Run(ctx context.Context) (sweeper.Result, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	TelegramSecret string
	CronSecret     string
	// Telegram receives verified bot updates. The route is not mounted when nil.
	Telegram http.Handler
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
}

type Handler struct {
	payments Enqueuer
	sweeps   SweepRunner
	health   Pinger
	cfg      Config
}

func NewHandler(payments Enqueuer, sweeps SweepRunner, health Pinger, cfg Config) *Handler {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{payments: payments, sweeps: sweeps, health: health, cfg: cfg}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/mercadopago", h.HandlePaymentNotification)
	if h.cfg.Telegram != nil {
		r.Post("/webhook/telegram", h.HandleTelegramUpdate)
	}
	r.Post("/cron/sweep", h.HandleSweep)
	r.Get("/healthz", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.cfg.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// HandlePaymentNotification acknowledges the gateway right away. The
// notification only names a payment to re-check; it is never trusted.
func (h *Handler) HandlePaymentNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		h.cfg.Metrics.Notification("rejected")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	id, ok, err := paymentIDFromNotification(body, r.URL.Query())
	if err != nil {
		log.Printf("[webhook] notification without usable body")
		h.cfg.Metrics.Notification("rejected")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if !ok {
		h.cfg.Metrics.Notification("ignored")
		writeOK(w)
		return
	}

	position := h.payments.Enqueue(id)
	if position < 0 {
		log.Printf("[webhook] payment %q not queued", id)
		h.cfg.Metrics.Notification("ignored")
	} else {
		log.Printf("[webhook] payment %s queued (position %d)", id, position)
		h.cfg.Metrics.Notification("queued")
	}
	writeOK(w)
}

func (h *Handler) HandleTelegramUpdate(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if !secretMatches(got, h.cfg.TelegramSecret) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	h.cfg.Telegram.ServeHTTP(w, r)
}

func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || !secretMatches(strings.TrimSpace(token), h.cfg.CronSecret) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	async.Go("sweep", func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := h.sweeps.Run(ctx); err != nil && !errors.Is(err, sweeper.ErrSweepInProgress) {
			log.Printf("[webhook] sweep failed: %v", err)
		}
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			log.Printf("[webhook] health check failed: %v", err)
			http.Error(w, "Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	writeOK(w)
}

// secretMatches never accepts an empty expected secret.
func secretMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
