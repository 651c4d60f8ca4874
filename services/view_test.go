package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

type collector struct {
	mu      sync.Mutex
	updates []Update
}

func (c *collector) add(u Update) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

func (c *collector) any(pred func(Update) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.updates {
		if pred(u) {
			return true
		}
	}
	return false
}

func newTestSession(f *fakeGateway) (*Session, *collector) {
	s := NewSession(f, aliceIdentity(), SessionConfig{
		TypingQuietPeriod: time.Hour,
		TypingExpiry:      time.Hour,
	}, nil)
	c := &collector{}
	s.Subscribe(c.add)
	return s, c
}

func TestSession_OpenLoadsHistoryAndMergesDeliveries(t *testing.T) {
	f := newFakeGateway(alice, bob)
	f.addMessage(models.Message{ID: "m-1", ConversationID: "conv-1", AuthorID: bob.ID, Content: "Hi", CreatedAt: at(0)})
	s, updates := newTestSession(f)

	v, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	defer v.Close()
	<-v.Loaded()

	require.Len(t, v.Messages(), 1)
	assert.Same(t, v, s.Current())

	f.messageEvents <- gateway.MessageEvent{Kind: gateway.EventCreated, Message: models.Message{ID: "m-2", ConversationID: "conv-1", AuthorID: bob.ID, Content: "there", CreatedAt: at(1)}}
	require.Eventually(t, func() bool { return len(v.Messages()) == 2 }, time.Second, 5*time.Millisecond)

	f.messageEvents <- gateway.MessageEvent{Kind: gateway.EventDeleted, Message: models.Message{ID: "m-1"}}
	require.Eventually(t, func() bool { return len(v.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "m-2", v.Messages()[0].ID)

	f.typingEvents <- models.TypingIndicator{ConversationID: "conv-1", UserID: alice.ID, IsTyping: true}
	f.typingEvents <- models.TypingIndicator{ConversationID: "conv-1", UserID: bob.ID, IsTyping: true}
	require.Eventually(t, func() bool {
		return updates.any(func(u Update) bool {
			return u.Kind == UpdateTyping && u.TypingText == "Bob is typing..."
		})
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{bob.ID}, v.TypingUsers())

	assert.True(t, updates.any(func(u Update) bool {
		return u.Kind == UpdateMessages && u.ConversationID == "conv-1" && len(u.Messages) == 2
	}))
}

func TestSession_OpeningAnotherConversationClosesThePrevious(t *testing.T) {
	f := newFakeGateway(alice, bob)
	s, _ := newTestSession(f)

	first, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	second, err := s.Open(context.Background(), "conv-2")
	require.NoError(t, err)
	defer second.Close()

	assert.True(t, first.closed.Load())
	assert.Same(t, second, s.Current())

	_, err = first.Send(context.Background(), "late")
	assert.ErrorIs(t, err, ErrViewClosed)
	assert.ErrorIs(t, first.SetTyping(context.Background(), true), ErrViewClosed)

	second.Close()
	assert.Nil(t, s.Current())
}

func TestSession_LateHistoryIsDiscarded(t *testing.T) {
	f := newFakeGateway(alice, bob)
	f.historyHook = func(ctx context.Context, in gateway.MessagesInput) (gateway.MessagePage, error) {
		if in.ConversationID == "conv-A" {
			<-ctx.Done()
			// The response still arrives, after the user has moved on.
			return gateway.MessagePage{Items: []models.Message{{ID: "a-1", ConversationID: "conv-A", CreatedAt: at(0)}}}, nil
		}
		return gateway.MessagePage{Items: []models.Message{{ID: "b-1", ConversationID: "conv-B", CreatedAt: at(0)}}}, nil
	}
	s, updates := newTestSession(f)

	a, err := s.Open(context.Background(), "conv-A")
	require.NoError(t, err)
	b, err := s.Open(context.Background(), "conv-B")
	require.NoError(t, err)
	defer b.Close()
	<-a.Loaded()
	<-b.Loaded()

	assert.Empty(t, a.Messages())
	require.Len(t, b.Messages(), 1)
	assert.Equal(t, "b-1", b.Messages()[0].ID)
	assert.False(t, updates.any(func(u Update) bool { return u.ConversationID == "conv-A" && len(u.Messages) > 0 }))
}

func TestSession_HistoryFailureIsSurfaced(t *testing.T) {
	f := newFakeGateway(alice)
	f.historyHook = func(context.Context, gateway.MessagesInput) (gateway.MessagePage, error) {
		return gateway.MessagePage{}, errors.New("boom")
	}
	s, updates := newTestSession(f)

	v, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	defer v.Close()
	<-v.Loaded()

	assert.True(t, updates.any(func(u Update) bool {
		return u.Kind == UpdateError && u.ConversationID == "conv-1" && u.Error != ""
	}))
	assert.Empty(t, v.Messages())
}

func TestConversationView_SendFailureIsSurfacedAndRolledBack(t *testing.T) {
	f := newFakeGateway(alice)
	f.sendHook = func(context.Context, gateway.SendMessageInput) (*models.Message, error) {
		return nil, errors.New("rejected")
	}
	s, updates := newTestSession(f)
	v, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	defer v.Close()
	<-v.Loaded()

	_, err = v.Send(context.Background(), "Hello")

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Empty(t, v.Messages())
	assert.True(t, updates.any(func(u Update) bool { return u.Kind == UpdateError && u.Err != nil }))
}

func TestConversationView_SendStopsTyping(t *testing.T) {
	f := newFakeGateway(alice)
	s, _ := newTestSession(f)
	v, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	<-v.Loaded()

	require.NoError(t, v.SetTyping(context.Background(), true))
	_, err = v.Send(context.Background(), "Hello")
	require.NoError(t, err)
	v.Close()

	assert.Equal(t, []bool{true, false}, typingStates(f.typingCalls(), "conv-1"))
	require.Len(t, f.messages, 1)
	assert.Equal(t, alice.ID, f.messages[0].AuthorID)
}

func TestConversationView_MarkReadSkipsOwnAndPending(t *testing.T) {
	f := newFakeGateway(alice, bob)
	f.addConversation(models.Conversation{ID: "conv-1"}, alice.ID, bob.ID)
	f.addMessage(models.Message{ID: "m-1", ConversationID: "conv-1", AuthorID: bob.ID, CreatedAt: at(0)})
	f.addMessage(models.Message{ID: "m-2", ConversationID: "conv-1", AuthorID: alice.ID, CreatedAt: at(1)})
	s, _ := newTestSession(f)
	v, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	defer v.Close()
	<-v.Loaded()

	n, err := v.MarkRead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSession_SetPresence(t *testing.T) {
	f := newFakeGateway(alice)
	s, _ := newTestSession(f)

	require.NoError(t, s.SetPresence(context.Background(), true))
	require.NoError(t, s.SetPresence(context.Background(), false))

	require.Len(t, f.userUpdates, 2)
	assert.False(t, *f.userUpdates[1].IsOnline)
}
