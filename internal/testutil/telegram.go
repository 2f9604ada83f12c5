package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/neochupacabras/telegram-payment-bot/types"
)

type BanCall struct {
	ChatID int64
	UserID int64
}

// FakeActuator records membership changes. Errors can be queued per chat;
// each queued error is returned once, in order.
type FakeActuator struct {
	mu sync.Mutex

	Members     map[int64]map[int64]types.MemberStatus
	InviteErrs  map[int64][]error
	BanErrs     map[int64][]error
	UnbanErrs   map[int64][]error
	StatusErrs  map[int64]error
	Bans        []BanCall
	Unbans      []BanCall
	Invites     []types.InviteOptions
	InviteChats []int64
}

func NewFakeActuator() *FakeActuator {
	return &FakeActuator{
		Members:    make(map[int64]map[int64]types.MemberStatus),
		InviteErrs: make(map[int64][]error),
		BanErrs:    make(map[int64][]error),
		UnbanErrs:  make(map[int64][]error),
		StatusErrs: make(map[int64]error),
	}
}

func (f *FakeActuator) SetMember(chatID, userID int64, status types.MemberStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Members[chatID] == nil {
		f.Members[chatID] = make(map[int64]types.MemberStatus)
	}
	f.Members[chatID][userID] = status
}

func (f *FakeActuator) FailInvite(chatID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InviteErrs[chatID] = append(f.InviteErrs[chatID], errs...)
}

func (f *FakeActuator) FailBan(chatID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BanErrs[chatID] = append(f.BanErrs[chatID], errs...)
}

func (f *FakeActuator) FailUnban(chatID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnbanErrs[chatID] = append(f.UnbanErrs[chatID], errs...)
}

func pop(m map[int64][]error, chatID int64) error {
	errs := m[chatID]
	if len(errs) == 0 {
		return nil
	}
	m[chatID] = errs[1:]
	return errs[0]
}

func (f *FakeActuator) MemberStatus(_ context.Context, chatID, userID int64) (types.MemberStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StatusErrs[chatID]; err != nil {
		return types.MemberUnknown, err
	}
	if st, ok := f.Members[chatID][userID]; ok {
		return st, nil
	}
	return types.MemberLeft, nil
}

func (f *FakeActuator) CreateInviteLink(_ context.Context, chatID int64, opts types.InviteOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(f.InviteErrs, chatID); err != nil {
		return "", err
	}
	f.Invites = append(f.Invites, opts)
	f.InviteChats = append(f.InviteChats, chatID)
	return fmt.Sprintf("https://t.me/+invite%d_%d", chatID, len(f.Invites)), nil
}

func (f *FakeActuator) BanMember(_ context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(f.BanErrs, chatID); err != nil {
		return err
	}
	f.Bans = append(f.Bans, BanCall{ChatID: chatID, UserID: userID})
	if f.Members[chatID] != nil {
		f.Members[chatID][userID] = types.MemberBanned
	}
	return nil
}

func (f *FakeActuator) UnbanMember(_ context.Context, chatID, userID int64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(f.UnbanErrs, chatID); err != nil {
		return err
	}
	f.Unbans = append(f.Unbans, BanCall{ChatID: chatID, UserID: userID})
	if f.Members[chatID] != nil {
		f.Members[chatID][userID] = types.MemberLeft
	}
	return nil
}

func (f *FakeActuator) BanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Bans)
}

func (f *FakeActuator) InviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Invites)
}

type SentMessage struct {
	ChatID int64
	Text   string
}

type FakeNotifier struct {
	mu   sync.Mutex
	Sent []SentMessage
	// Errs queues errors per chat, each returned once.
	Errs map[int64][]error
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{Errs: make(map[int64][]error)}
}

func (n *FakeNotifier) Fail(chatID int64, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Errs[chatID] = append(n.Errs[chatID], errs...)
}

func (n *FakeNotifier) SendMessage(_ context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := pop(n.Errs, chatID); err != nil {
		return err
	}
	n.Sent = append(n.Sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

func (n *FakeNotifier) Messages(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.Sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func (n *FakeNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Sent)
}
