package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neochupacabras/telegram-payment-bot/internal/fulfillment"
	"github.com/neochupacabras/telegram-payment-bot/internal/testutil"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

type fixture struct {
	store    *testutil.MemoryStore
	actuator *testutil.FakeActuator
	notifier *testutil.FakeNotifier
	sweeper  *Sweeper
	now      time.Time
}

func newFixture(t *testing.T, locker Locker) *fixture {
	t.Helper()
	f := &fixture{
		store:    testutil.NewMemoryStore(),
		actuator: testutil.NewFakeActuator(),
		notifier: testutil.NewFakeNotifier(),
		now:      time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC),
	}
	pacer := fulfillment.NewPacer(fulfillment.PacerConfig{}, nil)
	engine := fulfillment.NewEngine(f.store, f.actuator, f.notifier, fulfillment.Config{Pacer: pacer, BulkPacer: pacer})
	f.sweeper = New(f.store, engine, Config{ReminderLower: 48 * time.Hour, ReminderUpper: 72 * time.Hour, Locker: locker})
	f.sweeper.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) active(telegramUserID int64, ref string, end *time.Time) *types.Subscription {
	u := f.store.AddUser(telegramUserID, "cliente")
	d := 30
	p := f.store.AddProduct("Mensal", 2990, &d)
	start := f.now.AddDate(0, 0, -30)
	return f.store.AddSubscription(types.Subscription{
		UserID: u.ID, ProductID: p.ID, PaymentReference: ref,
		Status: types.StatusActive, StartDate: &start, EndDate: end,
	})
}

func at(t time.Time) *time.Time { return &t }

func TestSweepExpiresDespitePermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddGroup(-100, "VIP")
	f.store.AddGroup(-200, "Sinais")
	f.actuator.FailBan(-200, types.ErrPermissionDenied)
	sub := f.active(42, "abc123", at(f.now.Add(-time.Hour)))

	res, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Removed)

	assert.Equal(t, types.StatusExpired, f.store.SubscriptionByID(sub.ID).Status)
	msgs := f.notifier.Messages(42)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "expirou")
}

func TestSweepExpiresDespiteUnexpectedFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddGroup(-100, "VIP")
	f.actuator.FailBan(-100, errors.New("network down"))
	f.notifier.Fail(42, types.ErrRecipientUnavailable)
	sub := f.active(42, "abc123", at(f.now.Add(-time.Minute)))

	res, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Removed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, types.StatusExpired, f.store.SubscriptionByID(sub.ID).Status)
}

func TestSweepKeepsSubscriptionWhenGroupsCannotBeListed(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddGroup(-100, "VIP")
	sub := f.active(42, "abc123", at(f.now.Add(-time.Minute)))
	f.store.ListGroupsErr = errors.New("db down")

	res, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, types.StatusActive, f.store.SubscriptionByID(sub.ID).Status)
	assert.Equal(t, 0, f.actuator.BanCount())
	assert.Empty(t, f.notifier.Messages(42))

	f.store.ListGroupsErr = nil
	res, err = f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, types.StatusExpired, f.store.SubscriptionByID(sub.ID).Status)
}

func TestSweepSkipsLifetimeAndFutureSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	f.store.AddGroup(-100, "VIP")
	life := f.active(1, "life", nil)
	future := f.active(2, "future", at(f.now.AddDate(0, 0, 10)))

	res, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, types.StatusActive, f.store.SubscriptionByID(life.ID).Status)
	assert.Equal(t, types.StatusActive, f.store.SubscriptionByID(future.ID).Status)
	assert.Equal(t, 0, f.actuator.BanCount())
}

func TestSweepRemindsOnce(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.active(42, "abc123", at(f.now.Add(60*time.Hour)))

	res, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reminded)
	require.NotNil(t, f.store.SubscriptionByID(sub.ID).ReminderSentAt)

	res, err = f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reminded)
	assert.Len(t, f.notifier.Messages(42), 1)
}

func TestSweepMarksUndeliverableReminder(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.Fail(42, types.ErrRecipientUnavailable)
	sub := f.active(42, "abc123", at(f.now.Add(50*time.Hour)))

	res, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReminderFailed)
	assert.NotNil(t, f.store.SubscriptionByID(sub.ID).ReminderSentAt)
}

func TestSweepRetriesTransientReminderFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.Fail(42, errors.New("timeout"))
	sub := f.active(42, "abc123", at(f.now.Add(50*time.Hour)))

	_, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, f.store.SubscriptionByID(sub.ID).ReminderSentAt)

	res, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reminded)
}

func TestSweepOutsideReminderWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.active(1, "soon", at(f.now.Add(24*time.Hour)))
	f.active(2, "later", at(f.now.Add(100*time.Hour)))

	res, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reminded)
}

func TestSweepReportsQueryErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FindExpiredErr = errors.New("db down")
	f.active(42, "abc123", at(f.now.Add(60*time.Hour)))

	res, err := f.sweeper.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.Reminded)
}

type heldLock struct{}

func (heldLock) TryLock(context.Context, string) (func(), bool, error) {
	return nil, false, nil
}

type countingLock struct{ unlocked int }

func (l *countingLock) TryLock(context.Context, string) (func(), bool, error) {
	return func() { l.unlocked++ }, true, nil
}

func TestSweepRespectsLock(t *testing.T) {
	f := newFixture(t, heldLock{})
	f.store.AddGroup(-100, "VIP")
	f.active(42, "abc123", at(f.now.Add(-time.Hour)))

	_, err := f.sweeper.Run(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)
	assert.Equal(t, types.StatusActive, f.store.Subscription("abc123").Status)
}

func TestSweepReleasesLock(t *testing.T) {
	l := &countingLock{}
	f := newFixture(t, l)

	_, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, l.unlocked)
}
