package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neochupacabras/telegram-payment-bot/types"
)

// newTestStore connects to POSTGRES_TEST_DSN and empties every table.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(ctx, `TRUNCATE processed_payments, subscriptions, groups, products, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func addProduct(t *testing.T, s *PostgresStore, name string, cents int64, days *int) int64 {
	t.Helper()
	var id int64
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO products (name, price_cents, duration_days) VALUES ($1, $2, $3) RETURNING id`,
		name, cents, days).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestUpsertAndFindUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, types.User{TelegramUserID: 555, Username: "Maria", FirstName: "Maria"})
	require.NoError(t, err)
	again, err := s.UpsertUser(ctx, types.User{TelegramUserID: 555, Username: "maria_s", FirstName: "Maria"})
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	byName, err := s.FindUser(ctx, "@MARIA_S")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, int64(555), byName.TelegramUserID)

	missing, err := s.FindUser(ctx, "999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestActivateTransitionsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	days := 30
	productID := addProduct(t, s, "Mensal", 2990, &days)
	u, err := s.UpsertUser(ctx, types.User{TelegramUserID: 555})
	require.NoError(t, err)

	_, err = s.CreatePending(ctx, u.ID, productID, "abc123")
	require.NoError(t, err)

	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		others int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, transitioned, err := s.Activate(ctx, "abc123", now)
			assert.NoError(t, err)
			assert.NotNil(t, sub)
			mu.Lock()
			defer mu.Unlock()
			if transitioned {
				wins++
			} else {
				others++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, others)

	sub, err := s.FindActiveForUser(ctx, 555)
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.NotNil(t, sub.EndDate)
	assert.True(t, sub.EndDate.Equal(now.AddDate(0, 0, 30)))
	assert.Equal(t, "Mensal", sub.ProductName)

	_, err = s.CreatePending(ctx, u.ID, productID, "def456")
	assert.ErrorIs(t, err, types.ErrActiveSubscriptionExists)

	sub, transitioned, err := s.Activate(ctx, "unknown", now)
	assert.NoError(t, err)
	assert.False(t, transitioned)
	assert.Nil(t, sub)
}

func TestActivateClosedSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	productID := addProduct(t, s, "Vitalício", 9990, nil)
	u, err := s.UpsertUser(ctx, types.User{TelegramUserID: 777})
	require.NoError(t, err)

	sub, err := s.CreateManual(ctx, u.ID, productID, "manual:1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, sub.EndDate)

	revoked, err := s.AdminRevoke(ctx, u.ID, "chargeback", time.Now())
	require.NoError(t, err)
	assert.True(t, revoked)

	_, _, err = s.Activate(ctx, "manual:1", time.Now())
	assert.ErrorIs(t, err, types.ErrSubscriptionClosed)
}

func TestSweepQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	days := 30
	productID := addProduct(t, s, "Mensal", 2990, &days)
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	soon, _ := s.UpsertUser(ctx, types.User{TelegramUserID: 1})
	late, _ := s.UpsertUser(ctx, types.User{TelegramUserID: 2})
	_, err := s.CreateManual(ctx, soon.ID, productID, "soon", now.AddDate(0, 0, -28))
	require.NoError(t, err)
	expired, err := s.CreateManual(ctx, late.ID, productID, "late", now.AddDate(0, 0, -31))
	require.NoError(t, err)

	due, err := s.FindExpiringSoon(ctx, now, 48*time.Hour, 72*time.Hour)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].TelegramUserID)

	require.NoError(t, s.MarkReminderSent(ctx, due[0].ID, now))
	due, err = s.FindExpiringSoon(ctx, now, 48*time.Hour, 72*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, due)

	gone, err := s.FindExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, gone, 1)
	assert.Equal(t, expired.ID, gone[0].ID)

	changed, err := s.MarkExpired(ctx, expired.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.MarkExpired(ctx, expired.ID, now)
	require.NoError(t, err)
	assert.False(t, changed)

	ids, err := s.ListActiveTelegramUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestLedgerClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	staleBefore := time.Now().Add(-10 * time.Minute)

	ok, err := s.Claim(ctx, "abc123", staleBefore)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "abc123", staleBefore)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Claim(ctx, "abc123", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "stale processing mark is reclaimed")

	require.NoError(t, s.MarkApproved(ctx, "abc123"))
	require.NoError(t, s.Release(ctx, "abc123"))

	p, err := s.GetProcessedPayment(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "approved", string(p.Status))

	ok, err = s.Claim(ctx, "abc123", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestURLEscape(t *testing.T) {
	assert.Equal(t, "p%40ss%3Aw%2Frd", urlEscape("p@ss:w/rd"))
}
