package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

const oneActivePerUser = "subscriptions_one_active_per_user"

const subscriptionSelect = `
SELECT s.id, s.user_id, s.product_id, s.payment_reference, s.status,
       s.start_date, s.end_date, s.reminder_sent_at, COALESCE(s.revoke_reason, ''),
       s.created_at, s.updated_at, u.telegram_user_id, p.name
FROM subscriptions s
JOIN users u ON u.id = s.user_id
JOIN products p ON p.id = s.product_id
`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	var status string
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ProductID, &sub.PaymentReference, &status,
		&sub.StartDate, &sub.EndDate, &sub.ReminderSentAt, &sub.RevokeReason,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.TelegramUserID, &sub.ProductName,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = types.SubscriptionStatus(status)
	return &sub, nil
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, sql string, args ...any) ([]types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func subscriptionByReference(ctx context.Context, q rowQuerier, ref string) (*types.Subscription, error) {
	sub, err := scanSubscription(q.QueryRow(ctx, subscriptionSelect+`WHERE s.payment_reference = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func hasActive(ctx context.Context, tx pgx.Tx, userID int64) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `
SELECT EXISTS(
  SELECT 1 FROM subscriptions WHERE user_id = $1 AND status = 'active'
)
`, userID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) CreatePending(ctx context.Context, userID, productID int64, paymentReference string) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	active, err := hasActive(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, types.ErrActiveSubscriptionExists
	}

	_, err = tx.Exec(ctx, `
INSERT INTO subscriptions (user_id, product_id, payment_reference, status)
VALUES ($1, $2, $3, 'pending_payment')
`, userID, productID, strings.TrimSpace(paymentReference))
	if err != nil {
		return nil, err
	}

	sub, err := subscriptionByReference(ctx, tx, strings.TrimSpace(paymentReference))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *PostgresStore) CreateManual(ctx context.Context, userID, productID int64, note string, now time.Time) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var durationDays *int
	err = tx.QueryRow(ctx, `SELECT duration_days FROM products WHERE id = $1`, productID).Scan(&durationDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}

	active, err := hasActive(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, types.ErrActiveSubscriptionExists
	}

	start, end := termFor(now, durationDays)
	_, err = tx.Exec(ctx, `
INSERT INTO subscriptions (user_id, product_id, payment_reference, status, start_date, end_date)
VALUES ($1, $2, $3, 'active', $4, $5)
`, userID, productID, note, start, end)
	if err != nil {
		if isUniqueViolation(err, oneActivePerUser) {
			return nil, types.ErrActiveSubscriptionExists
		}
		return nil, err
	}

	sub, err := subscriptionByReference(ctx, tx, note)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

func termFor(now time.Time, durationDays *int) (time.Time, *time.Time) {
	start := now.UTC()
	if durationDays == nil {
		return start, nil
	}
	end := start.AddDate(0, 0, *durationDays)
	return start, &end
}

func (s *PostgresStore) Activate(ctx context.Context, paymentReference string, now time.Time) (*types.Subscription, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		id           int64
		status       string
		durationDays *int
	)
	err = tx.QueryRow(ctx, `
SELECT s.id, s.status, p.duration_days
FROM subscriptions s
JOIN products p ON p.id = s.product_id
WHERE s.payment_reference = $1
FOR UPDATE OF s
`, paymentReference).Scan(&id, &status, &durationDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	switch types.SubscriptionStatus(status) {
	case types.StatusActive:
		sub, err := subscriptionByReference(ctx, tx, paymentReference)
		return sub, false, err
	case types.StatusPendingPayment:
	default:
		return nil, false, types.ErrSubscriptionClosed
	}

	start, end := termFor(now, durationDays)
	tag, err := tx.Exec(ctx, `
UPDATE subscriptions
SET status = 'active', start_date = $2, end_date = $3, updated_at = NOW()
WHERE id = $1 AND status = 'pending_payment'
`, id, start, end)
	if err != nil {
		if isUniqueViolation(err, oneActivePerUser) {
			return nil, false, types.ErrActiveSubscriptionExists
		}
		return nil, false, err
	}

	sub, err := subscriptionByReference(ctx, tx, paymentReference)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return sub, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FindActiveForUser(ctx context.Context, telegramUserID int64) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	sub, err := scanSubscription(s.pool.QueryRow(ctx, subscriptionSelect+`
WHERE u.telegram_user_id = $1 AND s.status = 'active'
LIMIT 1
`, telegramUserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (s *PostgresStore) AdminRevoke(ctx context.Context, userID int64, reason string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE subscriptions
SET status = 'revoked_by_admin', end_date = $3, revoke_reason = $2, updated_at = NOW()
WHERE user_id = $1 AND status = 'active'
`, userID, strings.TrimSpace(reason), now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FindExpired(ctx context.Context, asOf time.Time) ([]types.Subscription, error) {
	return s.querySubscriptions(ctx, subscriptionSelect+`
WHERE s.status = 'active' AND s.end_date IS NOT NULL AND s.end_date < $1
ORDER BY s.end_date, s.id
`, asOf.UTC())
}

func (s *PostgresStore) FindExpiringSoon(ctx context.Context, asOf time.Time, lower, upper time.Duration) ([]types.Subscription, error) {
	return s.querySubscriptions(ctx, subscriptionSelect+`
WHERE s.status = 'active'
  AND s.reminder_sent_at IS NULL
  AND s.end_date BETWEEN $1 AND $2
ORDER BY s.end_date, s.id
`, asOf.Add(lower).UTC(), asOf.Add(upper).UTC())
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id int64, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE subscriptions
SET status = 'expired', updated_at = $2
WHERE id = $1 AND status = 'active'
`, id, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
UPDATE subscriptions
SET reminder_sent_at = $2, updated_at = NOW()
WHERE id = $1
`, id, at.UTC())
	return err
}

func (s *PostgresStore) ListActiveTelegramUserIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT u.telegram_user_id
FROM subscriptions s
JOIN users u ON u.id = s.user_id
WHERE s.status = 'active'
ORDER BY u.telegram_user_id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
