package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat_sync_go/gateway"
)

const (
	DefaultTypingQuietPeriod = 2 * time.Second
	DefaultTypingExpiry      = 5 * time.Second

	typingPublishTimeout = 10 * time.Second
)

type TypingPublisher interface {
	UpdateTyping(ctx context.Context, in gateway.TypingInput) error
}

// TypingCoordinator debounces the local user's typing signal per
// conversation: one "started" on the leading edge, one "stopped" after the
// quiet period or an explicit stop.
type TypingCoordinator struct {
	pub    TypingPublisher
	userID string
	quiet  time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	timers map[string]*typingTimer
	tails  map[string]chan struct{}
	closed bool
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

func NewTypingCoordinator(pub TypingPublisher, userID string, quiet time.Duration, logger *zap.Logger) *TypingCoordinator {
	if quiet <= 0 {
		quiet = DefaultTypingQuietPeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingCoordinator{
		pub:    pub,
		userID: userID,
		quiet:  quiet,
		logger: logger,
		timers: make(map[string]*typingTimer),
		tails:  make(map[string]chan struct{}),
	}
}

// SetTyping records activity (true) or an explicit stop (false). Only
// transitions reach the backend.
func (t *TypingCoordinator) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	st, typing := t.timers[conversationID]

	if !isTyping {
		if !typing {
			t.mu.Unlock()
			return nil
		}
		st.timer.Stop()
		delete(t.timers, conversationID)
		prev, done := t.enqueue(conversationID)
		t.mu.Unlock()
		return t.publishAfter(ctx, conversationID, false, prev, done)
	}

	if typing {
		st.timer.Stop()
		st.gen++
		st.timer = t.arm(conversationID, st)
		t.mu.Unlock()
		return nil
	}

	st = &typingTimer{}
	st.timer = t.arm(conversationID, st)
	t.timers[conversationID] = st
	prev, done := t.enqueue(conversationID)
	t.mu.Unlock()
	return t.publishAfter(ctx, conversationID, true, prev, done)
}

// arm must be called with mu held. A fired timer only acts if st is still
// the live state at the same generation.
func (t *TypingCoordinator) arm(conversationID string, st *typingTimer) *time.Timer {
	gen := st.gen
	return time.AfterFunc(t.quiet, func() {
		t.mu.Lock()
		if t.timers[conversationID] != st || st.gen != gen {
			t.mu.Unlock()
			return
		}
		delete(t.timers, conversationID)
		prev, done := t.enqueue(conversationID)
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), typingPublishTimeout)
		defer cancel()
		t.publishAfter(ctx, conversationID, false, prev, done)
	})
}

// enqueue must be called with mu held. It reserves the next publish slot for
// conversationID; prev is closed once the previous publish has finished.
func (t *TypingCoordinator) enqueue(conversationID string) (prev <-chan struct{}, done chan struct{}) {
	done = make(chan struct{})
	if tail, ok := t.tails[conversationID]; ok {
		prev = tail
	}
	t.tails[conversationID] = done
	return prev, done
}

// publishAfter sends the update once every earlier update for the same
// conversation has been sent, so the backend sees transitions in order.
func (t *TypingCoordinator) publishAfter(ctx context.Context, conversationID string, isTyping bool, prev <-chan struct{}, done chan struct{}) error {
	if prev != nil {
		<-prev
	}
	defer func() {
		t.mu.Lock()
		if t.tails[conversationID] == done {
			delete(t.tails, conversationID)
		}
		t.mu.Unlock()
		close(done)
	}()
	return t.publish(ctx, conversationID, isTyping)
}

// IsTyping reports whether a "started" is outstanding for conversationID.
func (t *TypingCoordinator) IsTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[conversationID]
	return ok
}

// Close cancels every timer and sends "stopped" where one is still owed.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	type slot struct {
		id   string
		prev <-chan struct{}
		done chan struct{}
	}
	pending := make([]slot, 0, len(t.timers))
	for id, st := range t.timers {
		st.timer.Stop()
		prev, done := t.enqueue(id)
		pending = append(pending, slot{id: id, prev: prev, done: done})
	}
	t.timers = make(map[string]*typingTimer)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), typingPublishTimeout)
	defer cancel()
	for _, p := range pending {
		t.publishAfter(ctx, p.id, false, p.prev, p.done)
	}
}

func (t *TypingCoordinator) publish(ctx context.Context, conversationID string, isTyping bool) error {
	err := t.pub.UpdateTyping(ctx, gateway.TypingInput{
		ConversationID: conversationID,
		UserID:         t.userID,
		IsTyping:       isTyping,
	})
	if err != nil {
		t.logger.Debug("Typing update failed",
			zap.String("conversationId", conversationID), zap.Bool("isTyping", isTyping), zap.Error(err))
		return &SendError{Op: "update typing", Err: err}
	}
	return nil
}

// TypingText renders the indicator line for the given display names.
func TypingText(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%s and %d others are typing...", names[0], len(names)-1)
	}
}

// remoteTyping tracks other participants' typing indicators, each expiring
// after a client-side timeout so a lost "stopped" cannot stick.
type remoteTyping struct {
	expiry   time.Duration
	onChange func()

	mu     sync.Mutex
	users  map[string]*typingTimer
	order  []string
	closed bool
}

func newRemoteTyping(expiry time.Duration, onChange func()) *remoteTyping {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &remoteTyping{expiry: expiry, onChange: onChange, users: make(map[string]*typingTimer)}
}

func (r *remoteTyping) set(userID string, isTyping bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	st, ok := r.users[userID]
	changed := false
	switch {
	case isTyping && ok:
		st.timer.Stop()
		st.gen++
		st.timer = r.arm(userID, st)
	case isTyping:
		st = &typingTimer{}
		st.timer = r.arm(userID, st)
		r.users[userID] = st
		r.order = append(r.order, userID)
		changed = true
	case ok:
		st.timer.Stop()
		r.drop(userID)
		changed = true
	}
	r.mu.Unlock()
	if changed && r.onChange != nil {
		r.onChange()
	}
}

func (r *remoteTyping) arm(userID string, st *typingTimer) *time.Timer {
	gen := st.gen
	return time.AfterFunc(r.expiry, func() {
		r.mu.Lock()
		if r.closed || r.users[userID] != st || st.gen != gen {
			r.mu.Unlock()
			return
		}
		r.drop(userID)
		r.mu.Unlock()
		if r.onChange != nil {
			r.onChange()
		}
	})
}

// drop must be called with mu held.
func (r *remoteTyping) drop(userID string) {
	delete(r.users, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// list returns the typing users in the order they started.
func (r *remoteTyping) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *remoteTyping) close() {
	r.mu.Lock()
	r.closed = true
	for _, st := range r.users {
		st.timer.Stop()
	}
	r.users = make(map[string]*typingTimer)
	r.order = nil
	r.mu.Unlock()
}
