package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"chat_sync_go/auth"
	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

type fakeIdentity struct {
	user auth.User
	err  error
}

func (f fakeIdentity) CurrentUser(context.Context) (auth.User, error) { return f.user, f.err }
func (f fakeIdentity) SignOut(context.Context) error                  { return nil }

var (
	alice = models.User{ID: "u1", Email: "alice@example.com", DisplayName: "Alice"}
	bob   = models.User{ID: "u2", Email: "bob@example.com", DisplayName: "Bob"}
	carol = models.User{ID: "u3", Email: "carol@example.com"}
)

func aliceIdentity() fakeIdentity {
	return fakeIdentity{user: auth.User{ID: alice.ID, Email: alice.Email}}
}

// fakeGateway is an in-memory gateway. Hooks override individual calls.
type fakeGateway struct {
	mu            sync.Mutex
	seq           int
	users         map[string]models.User
	conversations map[string]models.Conversation
	members       []models.ConversationMember
	messages      []models.Message
	reactions     []models.MessageReaction
	receipts      []models.ReadReceipt
	typing        []gateway.TypingInput
	userUpdates   []gateway.UpdateUserInput
	calls         map[string]int
	pageSize      int
	// requireMember rejects sends from authors without an active membership.
	requireMember bool

	sendHook       func(ctx context.Context, in gateway.SendMessageInput) (*models.Message, error)
	historyHook    func(ctx context.Context, in gateway.MessagesInput) (gateway.MessagePage, error)
	updateUserHook func(ctx context.Context, in gateway.UpdateUserInput) (*models.User, error)
	memberErr      func(in gateway.CreateMemberInput) error
	uploadTarget   gateway.UploadTarget
	uploadErr      error

	messageEvents chan gateway.MessageEvent
	typingEvents  chan models.TypingIndicator
}

var _ gateway.Gateway = (*fakeGateway)(nil)

func newFakeGateway(users ...models.User) *fakeGateway {
	f := &fakeGateway{
		users:         make(map[string]models.User),
		conversations: make(map[string]models.Conversation),
		calls:         make(map[string]int),
		messageEvents: make(chan gateway.MessageEvent, 16),
		typingEvents:  make(chan models.TypingIndicator, 16),
	}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeGateway) call(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeGateway) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeGateway) id(prefix string) string {
	f.seq++
	return prefix + "-" + strconv.Itoa(f.seq)
}

func (f *fakeGateway) GetUser(_ context.Context, id string) (*models.User, error) {
	f.call("GetUser")
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("getUser: %w", gateway.ErrNotFound)
	}
	return &u, nil
}

func (f *fakeGateway) UserByEmail(_ context.Context, email string) (*models.User, error) {
	f.call("UserByEmail")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("getUserByEmail: %w", gateway.ErrNotFound)
}

func (f *fakeGateway) CreateUser(_ context.Context, in gateway.CreateUserInput) (*models.User, error) {
	f.call("CreateUser")
	f.mu.Lock()
	defer f.mu.Unlock()
	u := models.User{ID: in.ID, Email: in.Email, Username: in.Username, DisplayName: in.DisplayName, IsOnline: in.IsOnline}
	f.users[u.ID] = u
	return &u, nil
}

func (f *fakeGateway) UpdateUser(ctx context.Context, in gateway.UpdateUserInput) (*models.User, error) {
	f.call("UpdateUser")
	if f.updateUserHook != nil {
		return f.updateUserHook(ctx, in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userUpdates = append(f.userUpdates, in)
	u := f.users[in.ID]
	if in.DisplayName != nil {
		u.DisplayName = *in.DisplayName
	}
	if in.Username != nil {
		u.Username = *in.Username
	}
	if in.IsOnline != nil {
		u.IsOnline = *in.IsOnline
	}
	if in.LastSeenAt != nil {
		u.LastSeenAt = in.LastSeenAt
	}
	f.users[in.ID] = u
	return &u, nil
}

// ListMemberships pages by pageSize (when set) regardless of the requested limit.
func (f *fakeGateway) ListMemberships(_ context.Context, in gateway.ListMembershipsInput) (gateway.MembershipPage, error) {
	f.call("ListMemberships")
	f.mu.Lock()
	defer f.mu.Unlock()
	var mine []models.ConversationMember
	for _, m := range f.members {
		if m.UserID == in.UserID && m.IsActive {
			mine = append(mine, m)
		}
	}
	size := f.pageSize
	if size <= 0 {
		size = len(mine) + 1
	}
	start := 0
	if in.NextToken != "" {
		start, _ = strconv.Atoi(in.NextToken)
	}
	end := start + size
	page := gateway.MembershipPage{}
	if end < len(mine) {
		page.NextToken = strconv.Itoa(end)
	} else {
		end = len(mine)
	}
	page.Items = append(page.Items, mine[start:end]...)
	return page, nil
}

func (f *fakeGateway) MembersByConversation(_ context.Context, conversationID string) ([]models.ConversationMember, error) {
	f.call("MembersByConversation")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ConversationMember
	for _, m := range f.members {
		if m.ConversationID == conversationID && m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeGateway) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	f.call("GetConversation")
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return nil, fmt.Errorf("getConversation: %w", gateway.ErrNotFound)
	}
	return &c, nil
}

func (f *fakeGateway) CreateConversation(_ context.Context, in gateway.CreateConversationInput) (*models.Conversation, error) {
	f.call("CreateConversation")
	f.mu.Lock()
	defer f.mu.Unlock()
	c := models.Conversation{ID: f.id("conv"), Name: in.Name, IsGroup: in.IsGroup, LastMessageAt: in.LastMessageAt, CreatedAt: time.Now()}
	f.conversations[c.ID] = c
	return &c, nil
}

func (f *fakeGateway) CreateMember(_ context.Context, in gateway.CreateMemberInput) (*models.ConversationMember, error) {
	f.call("CreateMember")
	if f.memberErr != nil {
		if err := f.memberErr(in); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := models.ConversationMember{ID: f.id("member"), UserID: in.UserID, ConversationID: in.ConversationID, Role: in.Role, JoinedAt: in.JoinedAt, IsActive: in.IsActive}
	f.members = append(f.members, m)
	return &m, nil
}

func (f *fakeGateway) UpdateMember(_ context.Context, in gateway.UpdateMemberInput) (*models.ConversationMember, error) {
	f.call("UpdateMember")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.members {
		if f.members[i].ID != in.ID {
			continue
		}
		if in.IsActive != nil {
			f.members[i].IsActive = *in.IsActive
		}
		if in.LastReadAt != nil {
			f.members[i].LastReadAt = in.LastReadAt
		}
		m := f.members[i]
		return &m, nil
	}
	return nil, fmt.Errorf("updateConversationMember: %w", gateway.ErrNotFound)
}

func (f *fakeGateway) MessagesByConversation(ctx context.Context, in gateway.MessagesInput) (gateway.MessagePage, error) {
	f.call("MessagesByConversation")
	if f.historyHook != nil {
		return f.historyHook(ctx, in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages {
		if m.ConversationID == in.ConversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[len(out)-in.Limit:]
	}
	return gateway.MessagePage{Items: out}, nil
}

func (f *fakeGateway) SendMessage(ctx context.Context, in gateway.SendMessageInput) (*models.Message, error) {
	f.call("SendMessage")
	if f.sendHook != nil {
		return f.sendHook(ctx, in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requireMember && !f.activeMember(in.AuthorID, in.ConversationID) {
		return nil, &gateway.Error{Op: "sendMessage", Type: gateway.TypeUnauthorized, Message: "not a member"}
	}
	m := models.Message{
		ID:             f.id("msg"),
		ConversationID: in.ConversationID,
		AuthorID:       in.AuthorID,
		Content:        in.Content,
		Type:           in.Type,
		AttachmentURL:  in.AttachmentURL,
		AttachmentType: in.AttachmentType,
		AttachmentSize: in.AttachmentSize,
		CreatedAt:      time.Now(),
	}
	f.messages = append(f.messages, m)
	return &m, nil
}

// activeMember must be called with mu held.
func (f *fakeGateway) activeMember(userID, conversationID string) bool {
	for _, m := range f.members {
		if m.UserID == userID && m.ConversationID == conversationID && m.IsActive {
			return true
		}
	}
	return false
}

func (f *fakeGateway) UpdateTyping(_ context.Context, in gateway.TypingInput) error {
	f.call("UpdateTyping")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, in)
	return nil
}

func (f *fakeGateway) typingCalls() []gateway.TypingInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.TypingInput(nil), f.typing...)
}

func (f *fakeGateway) ListReactions(_ context.Context, messageID string) ([]models.MessageReaction, error) {
	f.call("ListReactions")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MessageReaction
	for _, r := range f.reactions {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeGateway) CreateReaction(_ context.Context, in gateway.ReactionInput) (*models.MessageReaction, error) {
	f.call("CreateReaction")
	f.mu.Lock()
	defer f.mu.Unlock()
	r := models.MessageReaction{ID: f.id("reaction"), MessageID: in.MessageID, UserID: in.UserID, Emoji: in.Emoji}
	f.reactions = append(f.reactions, r)
	return &r, nil
}

func (f *fakeGateway) DeleteReaction(_ context.Context, id string) error {
	f.call("DeleteReaction")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.reactions {
		if r.ID == id {
			f.reactions = append(f.reactions[:i], f.reactions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("deleteMessageReaction: %w", gateway.ErrNotFound)
}

func (f *fakeGateway) ListReadReceipts(_ context.Context, messageID, userID string) ([]models.ReadReceipt, error) {
	f.call("ListReadReceipts")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ReadReceipt
	for _, r := range f.receipts {
		if r.MessageID == messageID && (userID == "" || r.UserID == userID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeGateway) CreateReadReceipt(_ context.Context, in gateway.ReadReceiptInput) (*models.ReadReceipt, error) {
	f.call("CreateReadReceipt")
	f.mu.Lock()
	defer f.mu.Unlock()
	r := models.ReadReceipt{ID: f.id("receipt"), MessageID: in.MessageID, UserID: in.UserID, ReadAt: in.ReadAt}
	f.receipts = append(f.receipts, r)
	return &r, nil
}

func (f *fakeGateway) SubscribeMessages(ctx context.Context, _ string) (*gateway.Subscription[gateway.MessageEvent], error) {
	f.call("SubscribeMessages")
	return pipe(ctx, f.messageEvents), nil
}

func (f *fakeGateway) SubscribeTyping(ctx context.Context, _ string) (*gateway.Subscription[models.TypingIndicator], error) {
	f.call("SubscribeTyping")
	return pipe(ctx, f.typingEvents), nil
}

func pipe[T any](ctx context.Context, src <-chan T) *gateway.Subscription[T] {
	return gateway.NewSubscription(ctx, 8, func(ctx context.Context, emit func(T) bool) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v := <-src:
				if !emit(v) {
					return nil
				}
			}
		}
	})
}

func (f *fakeGateway) UploadTarget(_ context.Context, in gateway.UploadTargetInput) (gateway.UploadTarget, error) {
	f.call("UploadTarget")
	if f.uploadErr != nil {
		return gateway.UploadTarget{}, f.uploadErr
	}
	t := f.uploadTarget
	t.Key = in.Key
	return t, nil
}

func (f *fakeGateway) addMessage(m models.Message) {
	f.mu.Lock()
	f.messages = append(f.messages, m)
	f.mu.Unlock()
}

func (f *fakeGateway) addConversation(c models.Conversation, memberIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[c.ID] = c
	for _, id := range memberIDs {
		f.members = append(f.members, models.ConversationMember{
			ID: f.id("member"), UserID: id, ConversationID: c.ID, Role: models.RoleMember, IsActive: true,
		})
	}
}

func at(minute int) time.Time {
	return time.Date(2024, 3, 1, 10, minute, 0, 0, time.UTC)
}
