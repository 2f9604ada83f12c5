package payments

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neochupacabras/telegram-payment-bot/internal/fulfillment"
	"github.com/neochupacabras/telegram-payment-bot/internal/gateway"
	"github.com/neochupacabras/telegram-payment-bot/internal/idempotency"
	"github.com/neochupacabras/telegram-payment-bot/internal/testutil"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

type fakeVerifier struct {
	mu       sync.Mutex
	statuses map[string]string
	err      error
	block    bool
	calls    atomic.Int32
}

func (f *fakeVerifier) FetchPaymentStatus(ctx context.Context, id string) (*gateway.PaymentStatus, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.PaymentStatus{ID: id, Status: f.statuses[id]}, nil
}

type fixture struct {
	store    *testutil.MemoryStore
	actuator *testutil.FakeActuator
	notifier *testutil.FakeNotifier
	verifier *fakeVerifier
	charges  *testutil.MemoryChargeCache
	proc     *Processor
	now      time.Time
}

func days(n int) *int { return &n }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    testutil.NewMemoryStore(),
		actuator: testutil.NewFakeActuator(),
		notifier: testutil.NewFakeNotifier(),
		verifier: &fakeVerifier{statuses: map[string]string{}},
		charges:  testutil.NewMemoryChargeCache(),
		now:      time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC),
	}
	f.store.AddGroup(-100, "VIP")
	f.store.AddGroup(-200, "Sinais")

	pacer := fulfillment.NewPacer(fulfillment.PacerConfig{}, nil)
	engine := fulfillment.NewEngine(f.store, f.actuator, f.notifier, fulfillment.Config{Pacer: pacer, BulkPacer: pacer})
	guard := idempotency.NewGuard(f.store, time.Minute)
	f.proc = NewProcessor(f.verifier, guard, f.store, engine, f.charges, ProcessorConfig{VerifyTimeout: 50 * time.Millisecond})
	f.proc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) pending(t *testing.T, telegramUserID int64, ref string, duration *int) *types.Product {
	t.Helper()
	u := f.store.AddUser(telegramUserID, "cliente")
	p := f.store.AddProduct("Mensal", 2990, duration)
	_, err := f.store.CreatePending(context.Background(), u.ID, p.ID, ref)
	require.NoError(t, err)
	return p
}

func TestProcessActivatesThirtyDaySubscription(t *testing.T) {
	f := newFixture(t)
	p := f.pending(t, 42, "abc123", days(30))
	require.NoError(t, f.charges.SetPendingCharge(context.Background(), types.PendingCharge{TelegramUserID: 42, ProductID: p.ID, PaymentID: "abc123"}))
	f.verifier.statuses["abc123"] = "approved"

	outcome, err := f.proc.Process(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, outcome)

	sub := f.store.Subscription("abc123")
	require.NotNil(t, sub)
	assert.Equal(t, types.StatusActive, sub.Status)
	require.NotNil(t, sub.StartDate)
	require.NotNil(t, sub.EndDate)
	assert.Equal(t, f.now, *sub.StartDate)
	assert.Equal(t, f.now.AddDate(0, 0, 30), *sub.EndDate)

	assert.Equal(t, 2, f.actuator.InviteCount())
	assert.Len(t, f.notifier.Messages(42), 1)

	entry, err := f.store.GetProcessedPayment(context.Background(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, types.LedgerApproved, entry.Status)

	cached, err := f.charges.GetPendingCharge(context.Background(), 42, p.ID)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestProcessLifetimeProduct(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 42, "life-1", nil)
	f.verifier.statuses["life-1"] = "approved"

	outcome, err := f.proc.Process(context.Background(), "life-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, outcome)
	assert.Nil(t, f.store.Subscription("life-1").EndDate)
}

func TestProcessDuplicateNotificationIsNoop(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 42, "abc123", days(30))
	f.verifier.statuses["abc123"] = "approved"

	_, err := f.proc.Process(context.Background(), "abc123")
	require.NoError(t, err)

	outcome, err := f.proc.Process(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, f.notifier.Messages(42), 1)
	assert.Equal(t, int32(1), f.verifier.calls.Load())
}

func TestProcessClaimHeldElsewhereIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 42, "abc123", days(30))
	f.verifier.statuses["abc123"] = "approved"

	ok, err := f.store.Claim(context.Background(), "abc123", f.now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := f.proc.Process(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, outcome)
	assert.Equal(t, int32(0), f.verifier.calls.Load())

	require.NoError(t, f.store.Release(context.Background(), "abc123"))
	outcome, err = f.proc.Process(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, outcome)
}

func TestProcessRequiresApproval(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 42, "pend-1", days(30))
	f.verifier.statuses["pend-1"] = "pending"

	outcome, err := f.proc.Process(context.Background(), "pend-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApproved, outcome)
	assert.Equal(t, types.StatusPendingPayment, f.store.Subscription("pend-1").Status)
	assert.Empty(t, f.notifier.Messages(42))

	entry, err := f.store.GetProcessedPayment(context.Background(), "pend-1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	f.verifier.statuses["pend-1"] = "approved"
	outcome, err = f.proc.Process(context.Background(), "pend-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, outcome)
}

func TestProcessVerificationTimeoutReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 42, "slow-1", days(30))
	f.verifier.block = true

	outcome, err := f.proc.Process(context.Background(), "slow-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeError, outcome)

	entry, err := f.store.GetProcessedPayment(context.Background(), "slow-1")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, types.StatusPendingPayment, f.store.Subscription("slow-1").Status)
}

func TestProcessGatewayErrorReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 42, "err-1", days(30))
	f.verifier.err = errors.New("gateway down")

	_, err := f.proc.Process(context.Background(), "err-1")
	require.Error(t, err)

	entry, err := f.store.GetProcessedPayment(context.Background(), "err-1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestProcessUnknownReference(t *testing.T) {
	f := newFixture(t)
	f.verifier.statuses["ghost"] = "approved"

	outcome, err := f.proc.Process(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownReference, outcome)

	entry, err := f.store.GetProcessedPayment(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestProcessClosedSubscriptionIsCommitted(t *testing.T) {
	f := newFixture(t)
	u := f.store.AddUser(42, "cliente")
	p := f.store.AddProduct("Mensal", 2990, days(30))
	f.store.AddSubscription(types.Subscription{UserID: u.ID, ProductID: p.ID, PaymentReference: "old-1", Status: types.StatusExpired})
	f.verifier.statuses["old-1"] = "approved"

	outcome, err := f.proc.Process(context.Background(), "old-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, outcome)
	assert.Empty(t, f.notifier.Messages(42))

	entry, err := f.store.GetProcessedPayment(context.Background(), "old-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, types.LedgerApproved, entry.Status)
}

func TestProcessAlreadyActiveDoesNotRedeliver(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 42, "abc123", days(30))
	f.verifier.statuses["abc123"] = "approved"
	_, _, err := f.store.Activate(context.Background(), "abc123", f.now)
	require.NoError(t, err)

	outcome, err := f.proc.Process(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyActive, outcome)
	assert.Empty(t, f.notifier.Messages(42))
}

func TestProcessConcurrentNotificationsActivateOnce(t *testing.T) {
	f := newFixture(t)
	f.pending(t, 42, "abc123", days(30))
	f.verifier.statuses["abc123"] = "approved"

	const n = 20
	var activated atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.proc.Process(context.Background(), "abc123")
			if err == nil && outcome == OutcomeActivated {
				activated.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), activated.Load())
	assert.Len(t, f.notifier.Messages(42), 1)
	assert.Equal(t, 2, f.actuator.InviteCount())
}
