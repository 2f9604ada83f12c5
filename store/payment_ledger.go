package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

// Claim is a single statement so concurrent deliveries of the same reference
// race on the primary key instead of on a read-then-write.
func (s *PostgresStore) Claim(ctx context.Context, ref string, staleBefore time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
INSERT INTO processed_payments (payment_reference, status)
VALUES ($1, 'processing')
ON CONFLICT (payment_reference) DO UPDATE SET
  updated_at = NOW()
WHERE processed_payments.status = 'processing'
  AND processed_payments.updated_at < $2
`, ref, staleBefore.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkApproved(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO processed_payments (payment_reference, status)
VALUES ($1, 'approved')
ON CONFLICT (payment_reference) DO UPDATE SET
  status = 'approved',
  updated_at = NOW()
`, ref)
	return err
}

func (s *PostgresStore) Release(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
DELETE FROM processed_payments
WHERE payment_reference = $1 AND status = 'processing'
`, ref)
	return err
}

func (s *PostgresStore) GetProcessedPayment(ctx context.Context, ref string) (*types.ProcessedPayment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var p types.ProcessedPayment
	err := s.pool.QueryRow(ctx, `
SELECT payment_reference, status, created_at, updated_at
FROM processed_payments
WHERE payment_reference = $1
`, ref).Scan(&p.PaymentReference, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
