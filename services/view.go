package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chat_sync_go/auth"
	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

type UpdateKind string

const (
	UpdateMessages UpdateKind = "messages"
	UpdateTyping   UpdateKind = "typing"
	UpdateError    UpdateKind = "error"
)

// Update is pushed to session listeners whenever the open view changes.
type Update struct {
	Kind           UpdateKind       `json:"type"`
	ConversationID string           `json:"conversationId"`
	Messages       []models.Message `json:"messages,omitempty"`
	Typing         []string         `json:"typing,omitempty"`
	TypingText     string           `json:"typingText,omitempty"`
	Err            error            `json:"-"`
	Error          string           `json:"error,omitempty"`
}

type SessionConfig struct {
	HistoryLimit      int
	TypingQuietPeriod time.Duration
	TypingExpiry      time.Duration
	Constraints       Constraints
}

// Session is the signed-in user's client state: the services bound to one
// gateway and identity, and at most one open conversation view.
type Session struct {
	gw       gateway.Gateway
	identity auth.Identity
	cfg      SessionConfig
	logger   *zap.Logger

	users         *UserDirectory
	conversations *ConversationRepository
	uploader      *AttachmentUploader
	reactions     *ReactionService
	receipts      *ReceiptService

	mu        sync.Mutex
	current   *ConversationView
	presence  *PresenceCoordinator
	listeners map[int]func(Update)
	nextID    int
}

func NewSession(gw gateway.Gateway, identity auth.Identity, cfg SessionConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Constraints.Accept) == 0 && cfg.Constraints.MaxSize == 0 {
		cfg.Constraints = DefaultConstraints()
	}
	return &Session{
		gw:            gw,
		identity:      identity,
		cfg:           cfg,
		logger:        logger,
		users:         NewUserDirectory(gw, identity, logger.Named("users")),
		conversations: NewConversationRepository(gw, identity, logger.Named("conversations")),
		uploader:      NewAttachmentUploader(gw, logger.Named("uploads")),
		reactions:     NewReactionService(gw, identity),
		receipts:      NewReceiptService(gw, identity),
		listeners:     make(map[int]func(Update)),
	}
}

func (s *Session) Users() *UserDirectory                  { return s.users }
func (s *Session) Conversations() *ConversationRepository { return s.conversations }
func (s *Session) Uploader() *AttachmentUploader          { return s.uploader }
func (s *Session) Reactions() *ReactionService            { return s.reactions }
func (s *Session) Receipts() *ReceiptService              { return s.receipts }
func (s *Session) Constraints() Constraints               { return s.cfg.Constraints }
func (s *Session) Identity() auth.Identity                { return s.identity }

// Subscribe registers fn for view updates and returns its cancel func.
// Listeners run on the view's goroutines and must not call Close on it.
func (s *Session) Subscribe(fn func(Update)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) broadcast(u Update) {
	if u.Err != nil {
		u.Error = u.Err.Error()
	}
	s.mu.Lock()
	fns := make([]func(Update), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Current returns the open view, or nil.
func (s *Session) Current() *ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) isCurrent(v *ConversationView) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == v
}

func (s *Session) release(v *ConversationView) {
	s.mu.Lock()
	if s.current == v {
		s.current = nil
	}
	s.mu.Unlock()
}

// Open closes the previous view and opens conversationID. History loads in
// the background and is applied only while the view is still current.
func (s *Session) Open(ctx context.Context, conversationID string) (*ConversationView, error) {
	me, err := s.identity.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	v := newConversationView(s, conversationID, me.ID)
	if err := v.subscribe(); err != nil {
		v.Close()
		return nil, &FetchError{Op: "open conversation", Err: err}
	}

	s.mu.Lock()
	raced := s.current
	s.current = v
	s.mu.Unlock()
	if raced != nil {
		raced.Close()
	}

	v.loadHistory()
	s.logger.Debug("Conversation opened", zap.String("conversationId", conversationID))
	return v, nil
}

// CloseCurrent releases the open view, if any.
func (s *Session) CloseCurrent() {
	if v := s.Current(); v != nil {
		v.Close()
	}
}

// SetPresence publishes the signed-in user's online state.
func (s *Session) SetPresence(ctx context.Context, online bool) error {
	me, err := s.identity.CurrentUser(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.presence == nil || s.presence.userID != me.ID {
		s.presence = NewPresenceCoordinator(s.gw, me.ID, s.logger.Named("presence"))
	}
	p := s.presence
	s.mu.Unlock()
	return p.SetPresence(ctx, online)
}

// ConversationView owns everything tied to one open conversation: the
// message sequence, both subscriptions and all typing timers.
type ConversationView struct {
	session        *Session
	conversationID string
	userID         string
	logger         *zap.Logger

	msgs   *MessageSync
	typing *TypingCoordinator
	remote *remoteTyping

	ctx    context.Context
	cancel context.CancelFunc
	msgSub *gateway.Subscription[gateway.MessageEvent]
	typSub *gateway.Subscription[models.TypingIndicator]

	wg        sync.WaitGroup
	loaded    chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newConversationView(s *Session, conversationID, userID string) *ConversationView {
	ctx, cancel := context.WithCancel(context.Background())
	logger := s.logger.With(zap.String("conversationId", conversationID))
	v := &ConversationView{
		session:        s,
		conversationID: conversationID,
		userID:         userID,
		logger:         logger,
		msgs:           NewMessageSync(s.gw, userID, s.cfg.HistoryLimit, logger),
		typing:         NewTypingCoordinator(s.gw, userID, s.cfg.TypingQuietPeriod, logger),
		ctx:            ctx,
		cancel:         cancel,
		loaded:         make(chan struct{}),
	}
	v.remote = newRemoteTyping(s.cfg.TypingExpiry, v.emitTyping)
	v.msgs.OnChange(v.emitMessages)
	return v
}

func (v *ConversationView) subscribe() error {
	msgSub, err := v.session.gw.SubscribeMessages(v.ctx, v.conversationID)
	if err != nil {
		return err
	}
	v.msgSub = msgSub

	typSub, err := v.session.gw.SubscribeTyping(v.ctx, v.conversationID)
	if err != nil {
		return err
	}
	v.typSub = typSub

	v.wg.Add(2)
	go v.pumpMessages()
	go v.pumpTyping()
	return nil
}

func (v *ConversationView) loadHistory() {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(v.loaded)

		msgs, err := v.msgs.FetchHistory(v.ctx, v.conversationID)
		if v.closed.Load() || !v.session.isCurrent(v) {
			v.logger.Debug("Discarding history for a view that is no longer open")
			return
		}
		if err != nil {
			v.logger.Warn("History load failed", zap.Error(err))
			v.emit(Update{Kind: UpdateError, Err: err})
			v.emitMessages()
			return
		}
		v.msgs.ApplyHistory(msgs)
	}()
}

func (v *ConversationView) pumpMessages() {
	defer v.wg.Done()
	for ev := range v.msgSub.Events() {
		switch ev.Kind {
		case gateway.EventCreated:
			v.msgs.OnRemoteMessage(ev.Message)
		case gateway.EventUpdated:
			v.msgs.OnRemoteUpdate(ev.Message)
		case gateway.EventDeleted:
			v.msgs.OnRemoteDelete(ev.Message.ID)
		}
	}
	if err := v.msgSub.Err(); err != nil {
		v.logger.Warn("Message subscription ended", zap.Error(err))
		v.emit(Update{Kind: UpdateError, Err: &FetchError{Op: "message subscription", Err: err}})
	}
}

func (v *ConversationView) pumpTyping() {
	defer v.wg.Done()
	for ti := range v.typSub.Events() {
		if ti.UserID == v.userID {
			continue
		}
		v.remote.set(ti.UserID, ti.IsTyping)
	}
	if err := v.typSub.Err(); err != nil {
		v.logger.Warn("Typing subscription ended", zap.Error(err))
	}
}

func (v *ConversationView) emit(u Update) {
	if v.closed.Load() {
		return
	}
	u.ConversationID = v.conversationID
	v.session.broadcast(u)
}

func (v *ConversationView) emitMessages() {
	v.emit(Update{Kind: UpdateMessages, Messages: v.msgs.Messages()})
}

func (v *ConversationView) emitTyping() {
	ids := v.remote.list()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = v.session.users.DisplayName(v.ctx, id)
	}
	v.emit(Update{Kind: UpdateTyping, Typing: ids, TypingText: TypingText(names)})
}

func (v *ConversationView) ConversationID() string { return v.conversationID }

func (v *ConversationView) Messages() []models.Message { return v.msgs.Messages() }

func (v *ConversationView) Entries() []models.Entry { return v.msgs.Entries() }

// TypingUsers lists the other participants currently typing.
func (v *ConversationView) TypingUsers() []string { return v.remote.list() }

// Loaded is closed once the initial history load has finished or been discarded.
func (v *ConversationView) Loaded() <-chan struct{} { return v.loaded }

// Send stops the local typing signal and sends content. Send failures are
// also surfaced to listeners as an error update.
func (v *ConversationView) Send(ctx context.Context, content string) (models.Message, error) {
	if v.closed.Load() {
		return models.Message{}, ErrViewClosed
	}
	msg, err := v.msgs.Send(ctx, v.conversationID, v.userID, content, models.MessageText)
	if err != nil {
		v.surface(err)
		return msg, err
	}
	v.typing.SetTyping(ctx, v.conversationID, false)
	return msg, nil
}

// SendAttachment uploads f under the session constraints and sends it with caption.
func (v *ConversationView) SendAttachment(ctx context.Context, caption string, f File) (models.Message, error) {
	if v.closed.Load() {
		return models.Message{}, ErrViewClosed
	}
	ref, err := v.session.uploader.Upload(ctx, f, v.session.cfg.Constraints)
	if err != nil {
		v.surface(err)
		return models.Message{}, err
	}
	msg, err := v.msgs.SendAttachment(ctx, v.conversationID, v.userID, caption, ref)
	if err != nil {
		v.surface(err)
	}
	return msg, err
}

func (v *ConversationView) SetTyping(ctx context.Context, isTyping bool) error {
	if v.closed.Load() {
		return ErrViewClosed
	}
	return v.typing.SetTyping(ctx, v.conversationID, isTyping)
}

// MarkRead records receipts for every confirmed message currently loaded.
func (v *ConversationView) MarkRead(ctx context.Context) (int, error) {
	var ids []string
	for _, e := range v.msgs.Entries() {
		if !e.Pending() && e.Message.AuthorID != v.userID {
			ids = append(ids, e.Message.ID)
		}
	}
	return v.session.receipts.MarkRead(ctx, v.conversationID, ids)
}

func (v *ConversationView) surface(err error) {
	var sendErr *SendError
	var uploadErr *UploadError
	if errors.As(err, &sendErr) || errors.As(err, &uploadErr) {
		v.emit(Update{Kind: UpdateError, Err: err})
	}
}

// Close releases the subscriptions and timers. It is safe to call more than
// once and must not be called from a listener.
func (v *ConversationView) Close() {
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		v.msgs.Close()
		v.cancel()
		if v.msgSub != nil {
			v.msgSub.Close()
		}
		if v.typSub != nil {
			v.typSub.Close()
		}
		v.typing.Close()
		v.remote.close()
		v.wg.Wait()
		v.session.release(v)
		v.logger.Debug("Conversation closed")
	})
}
