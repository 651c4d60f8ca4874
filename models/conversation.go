package models

import "time"

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

type ConversationRole string

const (
	RoleAdmin  ConversationRole = "ADMIN"
	RoleMember ConversationRole = "MEMBER"
)

type Conversation struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Description   string     `json:"description,omitempty"`
	IsGroup       bool       `json:"isGroup"`
	Avatar        string     `json:"avatar,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Type derives the conversation kind from the stored isGroup flag.
func (c Conversation) Type() ConversationType {
	if c.IsGroup {
		return ConversationGroup
	}
	return ConversationDirect
}

// ConversationMember is the membership row for a (userId, conversationId) pair.
// Removal is soft: IsActive is cleared, the row stays.
type ConversationMember struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	ConversationID string           `json:"conversationId"`
	Role           ConversationRole `json:"role"`
	JoinedAt       time.Time        `json:"joinedAt"`
	IsActive       bool             `json:"isActive"`
	LastReadAt     *time.Time       `json:"lastReadAt,omitempty"`
	Conversation   *Conversation    `json:"conversation,omitempty"`
}

type TypingIndicator struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
