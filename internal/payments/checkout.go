package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/neochupacabras/telegram-payment-bot/internal/gateway"
	"github.com/neochupacabras/telegram-payment-bot/types"
)

type ChargeCreator interface {
	CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error)
}

// Checkout creates PIX charges. The pending subscription is stored before
// the charge is handed back, so a notification can never outrun it.
type Checkout struct {
	gateway ChargeCreator
	subs    types.SubscriptionStore
	charges types.ChargeCache
	now     func() time.Time
}

func NewCheckout(g ChargeCreator, subs types.SubscriptionStore, charges types.ChargeCache) *Checkout {
	return &Checkout{gateway: g, subs: subs, charges: charges, now: time.Now}
}

// Start returns the charge to show the user. reused is true when a recent
// unpaid charge for the same product was found in the cache.
func (c *Checkout) Start(ctx context.Context, user types.User, product types.Product) (charge *types.PendingCharge, reused bool, err error) {
	if !product.Active {
		return nil, false, types.ErrProductNotFound
	}
	active, err := c.subs.FindActiveForUser(ctx, user.TelegramUserID)
	if err != nil {
		return nil, false, fmt.Errorf("find active subscription: %w", err)
	}
	if active != nil {
		return nil, false, types.ErrActiveSubscriptionExists
	}

	if c.charges != nil {
		cached, err := c.charges.GetPendingCharge(ctx, user.TelegramUserID, product.ID)
		if err != nil {
			log.Printf("[checkout] read cached charge for %d: %v", user.TelegramUserID, err)
		}
		if cached != nil {
			return cached, true, nil
		}
	}

	name := user.FirstName
	if name == "" {
		name = user.Username
	}
	created, err := c.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		PayerEmail:        fmt.Sprintf("user_%d@telegram.bot", user.TelegramUserID),
		PayerFirstName:    name,
		Amount:            product.Amount(),
		Description:       fmt.Sprintf("%s para %s", product.Name, name),
		ExternalReference: uuid.NewString(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("create charge: %w", err)
	}

	if _, err := c.subs.CreatePending(ctx, user.ID, product.ID, created.ID); err != nil {
		if errors.Is(err, types.ErrActiveSubscriptionExists) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("store pending subscription: %w", err)
	}

	charge = &types.PendingCharge{
		TelegramUserID: user.TelegramUserID,
		ProductID:      product.ID,
		PaymentID:      created.ID,
		QRCode:         created.QRCode,
		QRCodeBase64:   created.QRCodeBase64,
		CreatedAt:      c.now().UTC(),
	}
	if c.charges != nil {
		if err := c.charges.SetPendingCharge(ctx, *charge); err != nil {
			log.Printf("[checkout] cache charge %s: %v", created.ID, err)
		}
	}
	log.Printf("[checkout] charge %s created for user %d product %d", created.ID, user.TelegramUserID, product.ID)
	return charge, false, nil
}
