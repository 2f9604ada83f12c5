package types

import (
	"context"
	"time"
)

// PaymentLedger persists which payment references were already fulfilled.
type PaymentLedger interface {
	// Claim inserts a processing mark for ref. It returns false when ref is
	// already approved or a processing mark newer than staleBefore exists.
	Claim(ctx context.Context, ref string, staleBefore time.Time) (bool, error)
	MarkApproved(ctx context.Context, ref string) error
	// Release drops a processing mark. Approved marks are kept.
	Release(ctx context.Context, ref string) error
	GetProcessedPayment(ctx context.Context, ref string) (*ProcessedPayment, error)
}

type ProcessedPayment struct {
	PaymentReference string
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PendingCharge is an unpaid PIX charge kept so repeated purchase clicks
// reuse the same QR code.
type PendingCharge struct {
	TelegramUserID int64     `json:"telegram_user_id"`
	ProductID      int64     `json:"product_id"`
	PaymentID      string    `json:"payment_id"`
	QRCode         string    `json:"qr_code"`
	QRCodeBase64   string    `json:"qr_code_base64"`
	CreatedAt      time.Time `json:"created_at"`
}

type ChargeCache interface {
	GetPendingCharge(ctx context.Context, telegramUserID, productID int64) (*PendingCharge, error)
	SetPendingCharge(ctx context.Context, charge PendingCharge) error
	DeletePendingCharge(ctx context.Context, telegramUserID, productID int64) error
}
