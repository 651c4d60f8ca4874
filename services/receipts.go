package services

import (
	"context"
	"errors"
	"time"

	"chat_sync_go/auth"
	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

type ReceiptStore interface {
	ListReadReceipts(ctx context.Context, messageID, userID string) ([]models.ReadReceipt, error)
	CreateReadReceipt(ctx context.Context, in gateway.ReadReceiptInput) (*models.ReadReceipt, error)
	MembersByConversation(ctx context.Context, conversationID string) ([]models.ConversationMember, error)
	UpdateMember(ctx context.Context, in gateway.UpdateMemberInput) (*models.ConversationMember, error)
}

type ReceiptService struct {
	store    ReceiptStore
	identity auth.Identity
	now      func() time.Time
}

func NewReceiptService(store ReceiptStore, identity auth.Identity) *ReceiptService {
	return &ReceiptService{store: store, identity: identity, now: time.Now}
}

// MarkRead records a receipt per message (at most one per user) and advances
// the membership's lastReadAt. It returns how many receipts were created.
func (s *ReceiptService) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (int, error) {
	const op = "mark read"
	me, err := s.identity.CurrentUser(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()

	created := 0
	for _, id := range messageIDs {
		if id == "" || models.IsTempID(id) {
			continue
		}
		existing, err := s.store.ListReadReceipts(ctx, id, me.ID)
		if err != nil {
			return created, &FetchError{Op: op, Err: err}
		}
		if len(existing) > 0 {
			continue
		}
		_, err = s.store.CreateReadReceipt(ctx, gateway.ReadReceiptInput{MessageID: id, UserID: me.ID, ReadAt: now})
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.Type == "UniqueViolation" {
			continue
		}
		if err != nil {
			return created, &SendError{Op: op, Err: err}
		}
		created++
	}

	members, err := s.store.MembersByConversation(ctx, conversationID)
	if err != nil {
		return created, &FetchError{Op: op, Err: err}
	}
	for _, m := range members {
		if m.UserID != me.ID {
			continue
		}
		if m.LastReadAt != nil && !m.LastReadAt.Before(now) {
			break
		}
		if _, err := s.store.UpdateMember(ctx, gateway.UpdateMemberInput{ID: m.ID, LastReadAt: &now}); err != nil {
			return created, &SendError{Op: op, Err: err}
		}
		break
	}
	return created, nil
}
