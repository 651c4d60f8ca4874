package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

const defaultHistoryLimit = 100

// MessageStore is the part of the gateway the synchronizer talks to.
type MessageStore interface {
	MessagesByConversation(ctx context.Context, in gateway.MessagesInput) (gateway.MessagePage, error)
	SendMessage(ctx context.Context, in gateway.SendMessageInput) (*models.Message, error)
}

// MessageSync keeps one conversation's local message sequence in step with
// the backend. Sends are applied optimistically and reconciled when the
// backend answers; remote deliveries are merged idempotently.
//
// The mutex guards entries only and is never held across a store call.
type MessageSync struct {
	store         MessageStore
	currentUserID string
	limit         int
	logger        *zap.Logger
	now           func() time.Time

	mu       sync.Mutex
	entries  []models.Entry
	closed   bool
	onChange func()
}

func NewMessageSync(store MessageStore, currentUserID string, limit int, logger *zap.Logger) *MessageSync {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageSync{
		store:         store,
		currentUserID: currentUserID,
		limit:         limit,
		logger:        logger,
		now:           time.Now,
	}
}

// OnChange registers fn to run after every change to the sequence. It is
// called without the lock held.
func (s *MessageSync) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *MessageSync) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close detaches the sequence: late history and late confirmations are dropped.
func (s *MessageSync) Close() {
	s.mu.Lock()
	s.closed = true
	s.onChange = nil
	s.mu.Unlock()
}

// LoadHistory fetches the latest page of the conversation and makes it the
// sequence. On failure the sequence is left as it was.
func (s *MessageSync) LoadHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs, err := s.FetchHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.ApplyHistory(msgs)
	return s.Messages(), nil
}

// FetchHistory reads history without touching the sequence.
func (s *MessageSync) FetchHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	page, err := s.store.MessagesByConversation(ctx, gateway.MessagesInput{
		ConversationID: conversationID,
		Limit:          s.limit,
	})
	if err != nil {
		return nil, &FetchError{Op: "load history", Err: err}
	}
	return page.Items, nil
}

// ApplyHistory replaces the sequence with msgs. Entries the history does not
// cover (pending sends, deliveries that raced the fetch) are kept.
func (s *MessageSync) ApplyHistory(msgs []models.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	merged := make([]models.Entry, 0, len(msgs)+len(s.entries))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, models.Entry{Key: models.ConfirmedKey{ID: m.ID}, Message: m})
	}
	old := s.entries
	s.entries = merged
	for _, e := range old {
		switch k := e.Key.(type) {
		case models.PendingKey:
			s.entries = append(s.entries, e)
		case models.ConfirmedKey:
			if !seen[k.ID] {
				s.insertByTime(e)
			}
		}
	}
	s.mu.Unlock()
	s.changed()
}

// Send posts a text (or system) message. The optimistic entry is visible
// before the call returns from the backend and is replaced in place on
// success or removed on failure.
func (s *MessageSync) Send(ctx context.Context, conversationID, authorID, content string, msgType models.MessageType) (models.Message, error) {
	if msgType == "" {
		msgType = models.MessageText
	}
	content = strings.TrimSpace(content)
	if msgType == models.MessageText && content == "" {
		return models.Message{}, &ValidationError{Op: "send message", Err: ErrEmptyMessage}
	}
	return s.send(ctx, gateway.SendMessageInput{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		Type:           msgType,
	})
}

// SendAttachment posts an already uploaded attachment with an optional caption.
func (s *MessageSync) SendAttachment(ctx context.Context, conversationID, authorID, caption string, ref models.AttachmentRef) (models.Message, error) {
	if ref.URL == "" {
		return models.Message{}, &ValidationError{Op: "send attachment", Err: ErrFileType}
	}
	return s.send(ctx, gateway.SendMessageInput{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        strings.TrimSpace(caption),
		Type:           models.MessageAttachment,
		AttachmentURL:  ref.URL,
		AttachmentType: ref.Kind,
		AttachmentSize: ref.Size,
	})
}

func (s *MessageSync) send(ctx context.Context, in gateway.SendMessageInput) (models.Message, error) {
	key := models.NewPendingKey()
	optimistic := models.Message{
		ID:             key.TempID,
		Content:        in.Content,
		AuthorID:       in.AuthorID,
		ConversationID: in.ConversationID,
		Type:           in.Type,
		AttachmentURL:  in.AttachmentURL,
		AttachmentType: in.AttachmentType,
		AttachmentSize: in.AttachmentSize,
		CreatedAt:      s.now(),
	}

	s.mu.Lock()
	s.entries = append(s.entries, models.Entry{Key: key, Message: optimistic})
	s.mu.Unlock()
	s.changed()

	saved, err := s.store.SendMessage(ctx, in)
	if err != nil {
		s.mu.Lock()
		s.removeAt(s.indexOf(key))
		s.mu.Unlock()
		s.changed()
		s.logger.Warn("Send failed, optimistic message removed",
			zap.String("conversationId", in.ConversationID), zap.Error(err))
		return models.Message{}, &SendError{Op: "send message", Err: err}
	}

	s.confirm(key, *saved)
	return *saved, nil
}

// confirm swaps the pending entry for the saved message. If the subscription
// already delivered the same id, the pending entry is dropped instead.
func (s *MessageSync) confirm(key models.PendingKey, saved models.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	confirmed := models.ConfirmedKey{ID: saved.ID}
	i := s.indexOf(key)
	switch {
	case s.indexOf(confirmed) >= 0:
		s.removeAt(i)
	case i >= 0:
		s.entries[i] = models.Entry{Key: confirmed, Message: saved}
	default:
		s.insertByTime(models.Entry{Key: confirmed, Message: saved})
	}
	s.mu.Unlock()
	s.changed()
}

// OnRemoteMessage merges a subscription delivery. Messages authored by the
// current user and ids already present are ignored. It reports whether the
// sequence changed.
func (s *MessageSync) OnRemoteMessage(msg models.Message) bool {
	if msg.AuthorID != "" && msg.AuthorID == s.currentUserID {
		return false
	}
	s.mu.Lock()
	if s.closed || s.indexOf(models.ConfirmedKey{ID: msg.ID}) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.insertByTime(models.Entry{Key: models.ConfirmedKey{ID: msg.ID}, Message: msg})
	s.mu.Unlock()
	s.changed()
	return true
}

// OnRemoteUpdate replaces a known message in place.
func (s *MessageSync) OnRemoteUpdate(msg models.Message) bool {
	s.mu.Lock()
	i := s.indexOf(models.ConfirmedKey{ID: msg.ID})
	if s.closed || i < 0 {
		s.mu.Unlock()
		return false
	}
	if msg.Author == nil {
		msg.Author = s.entries[i].Message.Author
	}
	s.entries[i].Message = msg
	s.mu.Unlock()
	s.changed()
	return true
}

func (s *MessageSync) OnRemoteDelete(id string) bool {
	s.mu.Lock()
	i := s.indexOf(models.ConfirmedKey{ID: id})
	if s.closed || i < 0 {
		s.mu.Unlock()
		return false
	}
	s.removeAt(i)
	s.mu.Unlock()
	s.changed()
	return true
}

// Messages returns a snapshot of the sequence.
func (s *MessageSync) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message
	}
	return out
}

func (s *MessageSync) Entries() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// insertByTime keeps CreatedAt non-decreasing; equal timestamps keep arrival order.
func (s *MessageSync) insertByTime(e models.Entry) {
	i := len(s.entries)
	for i > 0 && s.entries[i-1].Message.CreatedAt.After(e.Message.CreatedAt) {
		i--
	}
	s.entries = append(s.entries, models.Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func (s *MessageSync) indexOf(key models.EntryKey) int {
	for i, e := range s.entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func (s *MessageSync) removeAt(i int) {
	if i < 0 || i >= len(s.entries) {
		return
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}
