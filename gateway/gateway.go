// Package gateway is the client side of the remote data contract: typed
// queries, mutations and subscriptions against the chat backend, plus the
// object storage upload target request.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat_sync_go/models"
)

// ErrNotFound is returned by single-record lookups when the record is absent.
var ErrNotFound = errors.New("record not found")

// Error is a backend-side rejection (GraphQL errors array, SQL error, non-2xx).
type Error struct {
	Op      string
	Type    string
	Message string
}

// TypeUnauthorized marks a call the backend refused for the caller, such as
// posting to a conversation they are not an active member of.
const TypeUnauthorized = "Unauthorized"

// IsUnauthorized reports whether err carries a TypeUnauthorized rejection.
func IsUnauthorized(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == TypeUnauthorized
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Gateway is the full contract. Both adapters implement it; the services
// depend on the narrower interfaces they need.
type Gateway interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, in CreateUserInput) (*models.User, error)
	UpdateUser(ctx context.Context, in UpdateUserInput) (*models.User, error)

	ListMemberships(ctx context.Context, in ListMembershipsInput) (MembershipPage, error)
	MembersByConversation(ctx context.Context, conversationID string) ([]models.ConversationMember, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, error)
	CreateMember(ctx context.Context, in CreateMemberInput) (*models.ConversationMember, error)
	UpdateMember(ctx context.Context, in UpdateMemberInput) (*models.ConversationMember, error)

	MessagesByConversation(ctx context.Context, in MessagesInput) (MessagePage, error)
	SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error)
	UpdateTyping(ctx context.Context, in TypingInput) error

	ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error)
	CreateReaction(ctx context.Context, in ReactionInput) (*models.MessageReaction, error)
	DeleteReaction(ctx context.Context, id string) error
	ListReadReceipts(ctx context.Context, messageID, userID string) ([]models.ReadReceipt, error)
	CreateReadReceipt(ctx context.Context, in ReadReceiptInput) (*models.ReadReceipt, error)

	SubscribeMessages(ctx context.Context, conversationID string) (*Subscription[MessageEvent], error)
	SubscribeTyping(ctx context.Context, conversationID string) (*Subscription[models.TypingIndicator], error)

	UploadTarget(ctx context.Context, in UploadTargetInput) (UploadTarget, error)
}

type CreateUserInput struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	IsOnline    bool   `json:"isOnline"`
}

// UpdateUserInput only sends the fields that are set.
type UpdateUserInput struct {
	ID          string     `json:"id"`
	Username    *string    `json:"username,omitempty"`
	DisplayName *string    `json:"displayName,omitempty"`
	Avatar      *string    `json:"avatar,omitempty"`
	IsOnline    *bool      `json:"isOnline,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}

type ListMembershipsInput struct {
	UserID    string
	Limit     int
	NextToken string
}

type MembershipPage struct {
	Items     []models.ConversationMember `json:"items"`
	NextToken string                      `json:"nextToken,omitempty"`
}

type CreateConversationInput struct {
	Name          string     `json:"name,omitempty"`
	IsGroup       bool       `json:"isGroup"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

type CreateMemberInput struct {
	UserID         string                  `json:"userId"`
	ConversationID string                  `json:"conversationId"`
	Role           models.ConversationRole `json:"role"`
	JoinedAt       time.Time               `json:"joinedAt"`
	IsActive       bool                    `json:"isActive"`
}

type UpdateMemberInput struct {
	ID         string     `json:"id"`
	IsActive   *bool      `json:"isActive,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

type MessagesInput struct {
	ConversationID string
	Limit          int
	NextToken      string
}

type MessagePage struct {
	Items     []models.Message `json:"items"`
	NextToken string           `json:"nextToken,omitempty"`
}

type SendMessageInput struct {
	ConversationID string                `json:"conversationId"`
	AuthorID       string                `json:"authorId"`
	Content        string                `json:"content"`
	Type           models.MessageType    `json:"type"`
	AttachmentURL  string                `json:"attachmentUrl,omitempty"`
	AttachmentType models.AttachmentType `json:"attachmentType,omitempty"`
	AttachmentSize int64                 `json:"attachmentSize,omitempty"`
	ReplyToID      string                `json:"replyToId,omitempty"`
}

type TypingInput struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type ReactionInput struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type ReadReceiptInput struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

type UploadTargetInput struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// UploadTarget is a short-lived write destination plus the matching read reference.
type UploadTarget struct {
	UploadURL   string `json:"uploadUrl"`
	DownloadURL string `json:"downloadUrl"`
	Key         string `json:"key"`
}

type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// MessageEvent is one real-time delivery for a conversation.
type MessageEvent struct {
	Kind    EventKind
	Message models.Message
}
