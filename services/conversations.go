package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat_sync_go/auth"
	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

const (
	membershipPageSize = 100
	resolveConcurrency = 8
	rollbackTimeout    = 10 * time.Second
)

type ConversationStore interface {
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	ListMemberships(ctx context.Context, in gateway.ListMembershipsInput) (gateway.MembershipPage, error)
	MembersByConversation(ctx context.Context, conversationID string) ([]models.ConversationMember, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, in gateway.CreateConversationInput) (*models.Conversation, error)
	CreateMember(ctx context.Context, in gateway.CreateMemberInput) (*models.ConversationMember, error)
	UpdateMember(ctx context.Context, in gateway.UpdateMemberInput) (*models.ConversationMember, error)
}

// ConversationRepository lists and creates conversations for the signed-in user.
type ConversationRepository struct {
	store    ConversationStore
	identity auth.Identity
	logger   *zap.Logger
	now      func() time.Time
}

func NewConversationRepository(store ConversationStore, identity auth.Identity, logger *zap.Logger) *ConversationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationRepository{store: store, identity: identity, logger: logger, now: time.Now}
}

// ListForUser returns every conversation userID is an active member of, most
// recently active first. Memberships whose conversation cannot be resolved
// are dropped.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	memberships, err := r.memberships(ctx, userID)
	if err != nil {
		return nil, err
	}

	resolved := make([]*models.Conversation, len(memberships))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i := range memberships {
		i, m := i, memberships[i]
		if m.Conversation != nil {
			resolved[i] = m.Conversation
			continue
		}
		g.Go(func() error {
			conv, err := r.store.GetConversation(gctx, m.ConversationID)
			if err != nil {
				r.logger.Warn("Dropping unresolvable membership",
					zap.String("membershipId", m.ID),
					zap.String("conversationId", m.ConversationID),
					zap.Error(err))
				return nil
			}
			resolved[i] = conv
			return nil
		})
	}
	g.Wait()

	seen := make(map[string]bool, len(resolved))
	out := make([]models.Conversation, 0, len(resolved))
	for _, c := range resolved {
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, *c)
	}
	sortByActivity(out)
	return out, nil
}

func (r *ConversationRepository) memberships(ctx context.Context, userID string) ([]models.ConversationMember, error) {
	var all []models.ConversationMember
	next := ""
	for {
		page, err := r.store.ListMemberships(ctx, gateway.ListMembershipsInput{
			UserID:    userID,
			Limit:     membershipPageSize,
			NextToken: next,
		})
		if err != nil {
			return nil, &FetchError{Op: "list conversations", Err: err}
		}
		for _, m := range page.Items {
			if m.IsActive {
				all = append(all, m)
			}
		}
		if page.NextToken == "" || page.NextToken == next {
			return all, nil
		}
		next = page.NextToken
	}
}

// CreateDirect always creates a new direct conversation with the recipient,
// even when one already exists. FindOrCreateDirect reuses one instead.
func (r *ConversationRepository) CreateDirect(ctx context.Context, recipientEmail string) (*models.Conversation, error) {
	me, recipient, err := r.directParties(ctx, "create direct conversation", recipientEmail)
	if err != nil {
		return nil, err
	}
	return r.createDirect(ctx, me, recipient)
}

// FindOrCreateDirect returns the existing direct conversation with the
// recipient, creating one only when none exists.
func (r *ConversationRepository) FindOrCreateDirect(ctx context.Context, recipientEmail string) (*models.Conversation, bool, error) {
	me, recipient, err := r.directParties(ctx, "find or create direct conversation", recipientEmail)
	if err != nil {
		return nil, false, err
	}

	conv, err := r.findDirect(ctx, me.ID, recipient.ID)
	if err != nil {
		return nil, false, err
	}
	if conv != nil {
		return conv, false, nil
	}
	conv, err = r.createDirect(ctx, me, recipient)
	return conv, err == nil, err
}

func (r *ConversationRepository) directParties(ctx context.Context, op, recipientEmail string) (auth.User, *models.User, error) {
	recipientEmail = strings.TrimSpace(recipientEmail)
	if recipientEmail == "" {
		return auth.User{}, nil, &ValidationError{Op: op, Err: ErrNoRecipient}
	}
	me, err := r.identity.CurrentUser(ctx)
	if err != nil {
		return auth.User{}, nil, err
	}
	recipient, err := r.lookup(ctx, op, recipientEmail)
	if err != nil {
		return auth.User{}, nil, err
	}
	if recipient.ID == me.ID {
		return auth.User{}, nil, &ValidationError{Op: op, Err: ErrSelfChat}
	}
	return me, recipient, nil
}

func (r *ConversationRepository) lookup(ctx context.Context, op, email string) (*models.User, error) {
	u, err := r.store.UserByEmail(ctx, email)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, &NotFoundError{Op: op, Key: email, Err: err}
	}
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	return u, nil
}

func (r *ConversationRepository) findDirect(ctx context.Context, myID, otherID string) (*models.Conversation, error) {
	memberships, err := r.memberships(ctx, myID)
	if err != nil {
		return nil, err
	}
	for _, m := range memberships {
		if m.Conversation != nil && m.Conversation.IsGroup {
			continue
		}
		members, err := r.store.MembersByConversation(ctx, m.ConversationID)
		if err != nil {
			return nil, &FetchError{Op: "find direct conversation", Err: err}
		}
		for _, other := range members {
			if other.UserID != otherID || !other.IsActive {
				continue
			}
			if m.Conversation != nil {
				return m.Conversation, nil
			}
			conv, err := r.store.GetConversation(ctx, m.ConversationID)
			if err != nil {
				return nil, &FetchError{Op: "find direct conversation", Err: err}
			}
			if !conv.IsGroup {
				return conv, nil
			}
		}
	}
	return nil, nil
}

func (r *ConversationRepository) createDirect(ctx context.Context, me auth.User, recipient *models.User) (*models.Conversation, error) {
	now := r.now()
	conv, err := r.store.CreateConversation(ctx, gateway.CreateConversationInput{
		Name:          "Chat with " + recipient.Name(),
		IsGroup:       false,
		LastMessageAt: &now,
	})
	if err != nil {
		return nil, &SendError{Op: "create direct conversation", Err: err}
	}
	err = r.addMembers(ctx, conv.ID, now, []memberSpec{
		{userID: me.ID, role: models.RoleMember},
		{userID: recipient.ID, role: models.RoleMember},
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("Direct conversation created", zap.String("conversationId", conv.ID), zap.String("recipientId", recipient.ID))
	return conv, nil
}

// CreateGroup creates a named group with the creator as ADMIN. Every email
// must resolve before anything is written.
func (r *ConversationRepository) CreateGroup(ctx context.Context, name string, memberEmails []string) (*models.Conversation, error) {
	const op = "create group"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Op: op, Err: ErrEmptyName}
	}
	me, err := r.identity.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}

	var members []*models.User
	seen := map[string]bool{me.ID: true}
	for _, email := range memberEmails {
		if email = strings.TrimSpace(email); email == "" {
			continue
		}
		u, err := r.lookup(ctx, op, email)
		if err != nil {
			return nil, err
		}
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		members = append(members, u)
	}

	now := r.now()
	conv, err := r.store.CreateConversation(ctx, gateway.CreateConversationInput{
		Name:          name,
		IsGroup:       true,
		LastMessageAt: &now,
	})
	if err != nil {
		return nil, &SendError{Op: op, Err: err}
	}
	specs := []memberSpec{{userID: me.ID, role: models.RoleAdmin}}
	for _, u := range members {
		specs = append(specs, memberSpec{userID: u.ID, role: models.RoleMember})
	}
	if err := r.addMembers(ctx, conv.ID, now, specs); err != nil {
		return nil, err
	}
	return conv, nil
}

type memberSpec struct {
	userID string
	role   models.ConversationRole
}

// addMembers creates the memberships in order. The backend has no way to
// delete a conversation, so when one insert fails the memberships already
// created are deactivated again and the half-built conversation drops out of
// everyone's list. The conversation row itself stays behind.
func (r *ConversationRepository) addMembers(ctx context.Context, conversationID string, joinedAt time.Time, specs []memberSpec) error {
	created := make([]string, 0, len(specs))
	for _, spec := range specs {
		m, err := r.store.CreateMember(ctx, gateway.CreateMemberInput{
			UserID:         spec.userID,
			ConversationID: conversationID,
			Role:           spec.role,
			JoinedAt:       joinedAt,
			IsActive:       true,
		})
		if err != nil {
			r.deactivate(conversationID, created)
			return &SendError{Op: "add member", Err: err}
		}
		created = append(created, m.ID)
	}
	return nil
}

func (r *ConversationRepository) deactivate(conversationID string, memberIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	inactive := false
	for _, id := range memberIDs {
		if _, err := r.store.UpdateMember(ctx, gateway.UpdateMemberInput{ID: id, IsActive: &inactive}); err != nil {
			r.logger.Warn("Could not deactivate membership of an incomplete conversation",
				zap.String("conversationId", conversationID), zap.String("memberId", id), zap.Error(err))
		}
	}
}

// Leave deactivates the current user's membership. The row is kept.
func (r *ConversationRepository) Leave(ctx context.Context, conversationID string) error {
	const op = "leave conversation"
	me, err := r.identity.CurrentUser(ctx)
	if err != nil {
		return err
	}
	members, err := r.store.MembersByConversation(ctx, conversationID)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	for _, m := range members {
		if m.UserID != me.ID || !m.IsActive {
			continue
		}
		inactive := false
		if _, err := r.store.UpdateMember(ctx, gateway.UpdateMemberInput{ID: m.ID, IsActive: &inactive}); err != nil {
			return &SendError{Op: op, Err: err}
		}
		return nil
	}
	return &NotFoundError{Op: op, Key: conversationID}
}

// Members lists the active members of a conversation.
func (r *ConversationRepository) Members(ctx context.Context, conversationID string) ([]models.ConversationMember, error) {
	members, err := r.store.MembersByConversation(ctx, conversationID)
	if err != nil {
		return nil, &FetchError{Op: "list members", Err: err}
	}
	return members, nil
}

func sortByActivity(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := activity(convs[i]), activity(convs[j])
		return a.After(b)
	})
}

func activity(c models.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
