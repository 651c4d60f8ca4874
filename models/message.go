package models

import "time"

type MessageType string

const (
	MessageText       MessageType = "TEXT"
	MessageAttachment MessageType = "ATTACHMENT"
	MessageSystem     MessageType = "SYSTEM"
)

type AttachmentType string

const (
	AttachmentImage AttachmentType = "IMAGE"
	AttachmentPDF   AttachmentType = "PDF"
)

// AttachmentRef points at an uploaded object readable by conversation members.
type AttachmentRef struct {
	URL  string         `json:"url"`
	Kind AttachmentType `json:"kind"`
	Size int64          `json:"size"`
	Key  string         `json:"key,omitempty"`
}

type Message struct {
	ID             string         `json:"id"`
	Content        string         `json:"content,omitempty"`
	AuthorID       string         `json:"authorId"`
	ConversationID string         `json:"conversationId"`
	Type           MessageType    `json:"type"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	AttachmentType AttachmentType `json:"attachmentType,omitempty"`
	AttachmentSize int64          `json:"attachmentSize,omitempty"`
	ReplyToID      string         `json:"replyToId,omitempty"`
	IsEdited       bool           `json:"isEdited"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Author         *User          `json:"author,omitempty"`
}

// Attachment returns the message attachment, if any.
func (m Message) Attachment() (AttachmentRef, bool) {
	if m.AttachmentURL == "" {
		return AttachmentRef{}, false
	}
	return AttachmentRef{URL: m.AttachmentURL, Kind: m.AttachmentType, Size: m.AttachmentSize}, true
}

type MessageReaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

type ReadReceipt struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}
