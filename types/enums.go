package types

type SubscriptionStatus string

const (
	StatusPendingPayment SubscriptionStatus = "pending_payment"
	StatusActive         SubscriptionStatus = "active"
	StatusExpired        SubscriptionStatus = "expired"
	StatusRevokedByAdmin SubscriptionStatus = "revoked_by_admin"
)

// Terminal reports whether no further transition may leave the status.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusExpired || s == StatusRevokedByAdmin
}

// Ledger states of a payment reference.
const (
	LedgerProcessing string = "processing"
	LedgerApproved   string = "approved"
)

// Gateway payment statuses the core cares about.
const (
	PaymentApproved string = "approved"
	PaymentPending  string = "pending"
)
