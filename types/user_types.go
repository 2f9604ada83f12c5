package types

import (
	"context"
	"time"
)

type User struct {
	ID             int64
	TelegramUserID int64
	Username       string
	FirstName      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Product struct {
	ID           int64
	Name         string
	PriceCents   int64
	DurationDays *int
	Active       bool
}

// Lifetime reports whether the product never expires.
func (p Product) Lifetime() bool {
	return p.DurationDays == nil
}

// Amount is the price in currency units as the gateway expects it.
func (p Product) Amount() float64 {
	return float64(p.PriceCents) / 100
}

type GroupTarget struct {
	ID     int64
	ChatID int64
	Name   string
}

type Subscription struct {
	ID               int64
	UserID           int64
	ProductID        int64
	PaymentReference string
	Status           SubscriptionStatus
	StartDate        *time.Time
	EndDate          *time.Time
	ReminderSentAt   *time.Time
	RevokeReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// Joined from users/products.
	TelegramUserID int64
	ProductName    string
}

type UserStore interface {
	UpsertUser(ctx context.Context, user User) (*User, error)
	GetUserByTelegramID(ctx context.Context, telegramUserID int64) (*User, error)
	// FindUser resolves a numeric telegram id or a @username.
	FindUser(ctx context.Context, identifier string) (*User, error)
}

type ProductStore interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

type GroupStore interface {
	ListGroups(ctx context.Context) ([]GroupTarget, error)
	GetGroup(ctx context.Context, chatID int64) (*GroupTarget, error)
}

type SubscriptionStore interface {
	CreatePending(ctx context.Context, userID, productID int64, paymentReference string) (*Subscription, error)
	CreateManual(ctx context.Context, userID, productID int64, note string, now time.Time) (*Subscription, error)
	// Activate moves a pending_payment record to active. transitioned is true
	// only for the call that performed the transition.
	Activate(ctx context.Context, paymentReference string, now time.Time) (sub *Subscription, transitioned bool, err error)
	FindActiveForUser(ctx context.Context, telegramUserID int64) (*Subscription, error)
	AdminRevoke(ctx context.Context, userID int64, reason string, now time.Time) (bool, error)
	FindExpired(ctx context.Context, asOf time.Time) ([]Subscription, error)
	FindExpiringSoon(ctx context.Context, asOf time.Time, lower, upper time.Duration) ([]Subscription, error)
	MarkExpired(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkReminderSent(ctx context.Context, id int64, at time.Time) error
	ListActiveTelegramUserIDs(ctx context.Context) ([]int64, error)
}
