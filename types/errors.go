package types

import "errors"

var (
	ErrActiveSubscriptionExists = errors.New("user already has an active subscription")
	ErrSubscriptionClosed       = errors.New("subscription is in a terminal state")
	ErrProductNotFound          = errors.New("product not found")
	ErrUserNotFound             = errors.New("user not found")
	// ErrPaymentInProgress means another worker holds a fresh claim on the
	// payment reference.
	ErrPaymentInProgress = errors.New("payment is being processed by another worker")
)
