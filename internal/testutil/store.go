// Package testutil holds in-memory doubles of the stores and the Telegram
// actuator, shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neochupacabras/telegram-payment-bot/types"
)

type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]*types.User
	products map[int64]*types.Product
	groups   []types.GroupTarget
	subs     []*types.Subscription
	ledger   map[string]*types.ProcessedPayment
	nextID   int64

	ActivateCalls  int
	ActivateErr    error
	MarkExpiredErr error
	ListGroupsErr  error
	FindExpiredErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*types.User),
		products: make(map[int64]*types.Product),
		ledger:   make(map[string]*types.ProcessedPayment),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) AddUser(telegramUserID int64, username string) *types.User {
	u, _ := m.UpsertUser(context.Background(), types.User{TelegramUserID: telegramUserID, Username: username, FirstName: username})
	return u
}

func (m *MemoryStore) AddProduct(name string, priceCents int64, durationDays *int) *types.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &types.Product{ID: m.id(), Name: name, PriceCents: priceCents, DurationDays: durationDays, Active: true}
	m.products[p.ID] = p
	cp := *p
	return &cp
}

func (m *MemoryStore) AddGroup(chatID int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, types.GroupTarget{ID: m.id(), ChatID: chatID, Name: name})
}

// AddSubscription inserts a record as-is, bypassing the active check.
func (m *MemoryStore) AddSubscription(sub types.Subscription) *types.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.ID = m.id()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	m.subs = append(m.subs, &sub)
	return m.enrich(&sub)
}

func (m *MemoryStore) Subscription(ref string) *types.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.PaymentReference == ref {
			return m.enrich(s)
		}
	}
	return nil
}

func (m *MemoryStore) SubscriptionByID(id int64) *types.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			return m.enrich(s)
		}
	}
	return nil
}

func (m *MemoryStore) enrich(s *types.Subscription) *types.Subscription {
	cp := *s
	for _, u := range m.users {
		if u.ID == s.UserID {
			cp.TelegramUserID = u.TelegramUserID
		}
	}
	if p, ok := m.products[s.ProductID]; ok {
		cp.ProductName = p.Name
	}
	return &cp
}

func (m *MemoryStore) UpsertUser(_ context.Context, user types.User) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[user.TelegramUserID]; ok {
		u.Username = user.Username
		u.FirstName = user.FirstName
		u.UpdatedAt = time.Now()
		cp := *u
		return &cp, nil
	}
	u := user
	u.ID = m.id()
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	m.users[u.TelegramUserID] = &u
	cp := u
	return &cp, nil
}

func (m *MemoryStore) GetUserByTelegramID(_ context.Context, telegramUserID int64) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[telegramUserID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) FindUser(ctx context.Context, identifier string) (*types.User, error) {
	identifier = strings.TrimSpace(identifier)
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		return m.GetUserByTelegramID(ctx, id)
	}
	name := strings.ToLower(strings.TrimPrefix(identifier, "@"))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.ToLower(u.Username) == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id int64) (*types.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) ListProducts(_ context.Context) ([]types.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Product
	for _, p := range m.products {
		if p.Active {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListGroups(_ context.Context) ([]types.GroupTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListGroupsErr != nil {
		return nil, m.ListGroupsErr
	}
	return append([]types.GroupTarget(nil), m.groups...), nil
}

func (m *MemoryStore) GetGroup(_ context.Context, chatID int64) (*types.GroupTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.ChatID == chatID {
			cp := g
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) hasActive(userID int64) bool {
	for _, s := range m.subs {
		if s.UserID == userID && s.Status == types.StatusActive {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CreatePending(_ context.Context, userID, productID int64, ref string) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasActive(userID) {
		return nil, types.ErrActiveSubscriptionExists
	}
	for _, s := range m.subs {
		if s.PaymentReference == ref {
			return nil, fmt.Errorf("duplicate payment reference %s", ref)
		}
	}
	s := &types.Subscription{ID: m.id(), UserID: userID, ProductID: productID, PaymentReference: ref, Status: types.StatusPendingPayment, CreatedAt: time.Now()}
	m.subs = append(m.subs, s)
	return m.enrich(s), nil
}

func term(now time.Time, d *int) (*time.Time, *time.Time) {
	start := now
	if d == nil {
		return &start, nil
	}
	end := now.AddDate(0, 0, *d)
	return &start, &end
}

func (m *MemoryStore) CreateManual(_ context.Context, userID, productID int64, note string, now time.Time) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, types.ErrProductNotFound
	}
	if m.hasActive(userID) {
		return nil, types.ErrActiveSubscriptionExists
	}
	start, end := term(now, p.DurationDays)
	s := &types.Subscription{ID: m.id(), UserID: userID, ProductID: productID, PaymentReference: note, Status: types.StatusActive, StartDate: start, EndDate: end, CreatedAt: now}
	m.subs = append(m.subs, s)
	return m.enrich(s), nil
}

func (m *MemoryStore) Activate(_ context.Context, ref string, now time.Time) (*types.Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ActivateCalls++
	if m.ActivateErr != nil {
		return nil, false, m.ActivateErr
	}
	for _, s := range m.subs {
		if s.PaymentReference != ref {
			continue
		}
		switch s.Status {
		case types.StatusActive:
			return m.enrich(s), false, nil
		case types.StatusPendingPayment:
		default:
			return nil, false, types.ErrSubscriptionClosed
		}
		if m.hasActive(s.UserID) {
			return nil, false, types.ErrActiveSubscriptionExists
		}
		s.StartDate, s.EndDate = term(now, m.products[s.ProductID].DurationDays)
		s.Status = types.StatusActive
		return m.enrich(s), true, nil
	}
	return nil, false, nil
}

func (m *MemoryStore) FindActiveForUser(_ context.Context, telegramUserID int64) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[telegramUserID]
	if !ok {
		return nil, nil
	}
	for _, s := range m.subs {
		if s.UserID == u.ID && s.Status == types.StatusActive {
			return m.enrich(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) AdminRevoke(_ context.Context, userID int64, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, s := range m.subs {
		if s.UserID == userID && s.Status == types.StatusActive {
			end := now
			s.Status = types.StatusRevokedByAdmin
			s.EndDate = &end
			s.RevokeReason = reason
			changed = true
		}
	}
	return changed, nil
}

func (m *MemoryStore) filter(keep func(*types.Subscription) bool) []types.Subscription {
	var out []types.Subscription
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, *m.enrich(s))
		}
	}
	return out
}

func (m *MemoryStore) FindExpired(_ context.Context, asOf time.Time) ([]types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindExpiredErr != nil {
		return nil, m.FindExpiredErr
	}
	return m.filter(func(s *types.Subscription) bool {
		return s.Status == types.StatusActive && s.EndDate != nil && s.EndDate.Before(asOf)
	}), nil
}

func (m *MemoryStore) FindExpiringSoon(_ context.Context, asOf time.Time, lower, upper time.Duration) ([]types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, to := asOf.Add(lower), asOf.Add(upper)
	return m.filter(func(s *types.Subscription) bool {
		return s.Status == types.StatusActive && s.ReminderSentAt == nil && s.EndDate != nil &&
			!s.EndDate.Before(from) && !s.EndDate.After(to)
	}), nil
}

func (m *MemoryStore) MarkExpired(_ context.Context, id int64, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkExpiredErr != nil {
		return false, m.MarkExpiredErr
	}
	for _, s := range m.subs {
		if s.ID == id && s.Status == types.StatusActive {
			s.Status = types.StatusExpired
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) MarkReminderSent(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			t := at
			s.ReminderSentAt = &t
		}
	}
	return nil
}

func (m *MemoryStore) ListActiveTelegramUserIDs(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, s := range m.subs {
		if s.Status != types.StatusActive {
			continue
		}
		id := m.enrich(s).TelegramUserID
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) Claim(_ context.Context, ref string, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.ledger[ref]; ok {
		if p.Status == types.LedgerProcessing && p.UpdatedAt.Before(staleBefore) {
			p.UpdatedAt = time.Now()
			return true, nil
		}
		return false, nil
	}
	now := time.Now()
	m.ledger[ref] = &types.ProcessedPayment{PaymentReference: ref, Status: types.LedgerProcessing, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (m *MemoryStore) MarkApproved(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if p, ok := m.ledger[ref]; ok {
		p.Status = types.LedgerApproved
		p.UpdatedAt = now
		return nil
	}
	m.ledger[ref] = &types.ProcessedPayment{PaymentReference: ref, Status: types.LedgerApproved, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.ledger[ref]; ok && p.Status == types.LedgerProcessing {
		delete(m.ledger, ref)
	}
	return nil
}

func (m *MemoryStore) GetProcessedPayment(_ context.Context, ref string) (*types.ProcessedPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.ledger[ref]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

// BackdateLedger moves the last update of ref into the past.
func (m *MemoryStore) BackdateLedger(ref string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.ledger[ref]; ok {
		p.UpdatedAt = p.UpdatedAt.Add(-d)
	}
}

// MemoryChargeCache keeps pending charges without expiry.
type MemoryChargeCache struct {
	mu      sync.Mutex
	charges map[string]types.PendingCharge
}

func NewMemoryChargeCache() *MemoryChargeCache {
	return &MemoryChargeCache{charges: make(map[string]types.PendingCharge)}
}

func chargeKey(telegramUserID, productID int64) string {
	return fmt.Sprintf("%d:%d", telegramUserID, productID)
}

func (c *MemoryChargeCache) GetPendingCharge(_ context.Context, telegramUserID, productID int64) (*types.PendingCharge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.charges[chargeKey(telegramUserID, productID)]; ok {
		return &ch, nil
	}
	return nil, nil
}

func (c *MemoryChargeCache) SetPendingCharge(_ context.Context, charge types.PendingCharge) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.charges[chargeKey(charge.TelegramUserID, charge.ProductID)] = charge
	return nil
}

func (c *MemoryChargeCache) DeletePendingCharge(_ context.Context, telegramUserID, productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.charges, chargeKey(telegramUserID, productID))
	return nil
}
