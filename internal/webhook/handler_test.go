package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neochupacabras/telegram-payment-bot/internal/metrics"
	"github.com/neochupacabras/telegram-payment-bot/internal/sweeper"
)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id == "" {
		return -1
	}
	q.ids = append(q.ids, id)
	return 0
}

type fakeSweeper struct {
	ran chan struct{}
}

func (s *fakeSweeper) Run(context.Context) (sweeper.Result, error) {
	s.ran <- struct{}{}
	return sweeper.Result{}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestRouter(q *fakeQueue, s *fakeSweeper, ping Pinger, tg http.Handler) http.Handler {
	reg := prometheus.NewRegistry()
	h := NewHandler(q, s, ping, Config{
		TelegramSecret: "tg-secret",
		CronSecret:     "cron-secret",
		Telegram:       tg,
		Gatherer:       reg,
		Metrics:        metrics.MustNewMetrics(reg),
	})
	return h.Router()
}

func do(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPaymentNotificationQueuesID(t *testing.T) {
	q := &fakeQueue{}
	h := newTestRouter(q, &fakeSweeper{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/webhook/mercadopago", `{"action":"payment.updated","data":{"id":"abc123"}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, h, http.MethodPost, "/webhook/mercadopago", `{"action":"payment.updated","data":{"id":"abc123"}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"abc123"}, q.ids)
}

func TestPaymentNotificationBadBody(t *testing.T) {
	q := &fakeQueue{}
	h := newTestRouter(q, &fakeSweeper{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/webhook/mercadopago", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/webhook/mercadopago", "{broken", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, q.ids)
}

func TestPaymentNotificationIgnoresOtherTopics(t *testing.T) {
	q := &fakeQueue{}
	h := newTestRouter(q, &fakeSweeper{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/webhook/mercadopago?topic=merchant_order&id=1", `{"topic":"merchant_order"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, q.ids)
}

func TestTelegramUpdateRequiresSecret(t *testing.T) {
	called := false
	tg := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	h := newTestRouter(&fakeQueue{}, &fakeSweeper{}, nil, tg)

	rec := do(t, h, http.MethodPost, "/webhook/telegram", `{}`, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called)

	rec = do(t, h, http.MethodPost, "/webhook/telegram", `{}`, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestTelegramRouteAbsentWithoutHandler(t *testing.T) {
	h := newTestRouter(&fakeQueue{}, &fakeSweeper{}, nil, nil)
	rec := do(t, h, http.MethodPost, "/webhook/telegram", `{}`, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweepEndpoint(t *testing.T) {
	s := &fakeSweeper{ran: make(chan struct{}, 1)}
	h := newTestRouter(&fakeQueue{}, s, nil, nil)

	rec := do(t, h, http.MethodPost, "/cron/sweep", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/cron/sweep", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/cron/sweep", "", map[string]string{"Authorization": "Bearer cron-secret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-s.ran:
	case <-time.After(time.Second):
		t.Fatal("sweep was not started")
	}
}

func TestSecretMatchesRejectsEmpty(t *testing.T) {
	assert.False(t, secretMatches("", ""))
	assert.True(t, secretMatches("x", "x"))
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(&fakeQueue{}, &fakeSweeper{}, fakePinger{}, nil)
	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h = newTestRouter(&fakeQueue{}, &fakeSweeper{}, fakePinger{err: errors.New("down")}, nil)
	rec = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	q := &fakeQueue{}
	h := newTestRouter(q, &fakeSweeper{}, nil, nil)
	do(t, h, http.MethodPost, "/webhook/mercadopago", `{"type":"payment","data":{"id":1}}`, nil)

	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `payment_bot_webhook_notifications_total{outcome="queued"} 1`)
}
