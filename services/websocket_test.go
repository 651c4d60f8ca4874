package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

func TestHub_PushesUpdatesAndAcceptsCommands(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFakeGateway(alice, bob)
	s, _ := newTestSession(f)
	hub := NewHub(s, []string{"*"}, nil)
	defer hub.Close()

	r := gin.New()
	r.GET("/ws", hub.ServeWs)
	srv := httptest.NewServer(r)
	defer srv.Close()

	v, err := s.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	defer v.Close()
	<-v.Loaded()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	f.messageEvents <- gateway.MessageEvent{Kind: gateway.EventCreated, Message: models.Message{ID: "m-9", ConversationID: "conv-1", AuthorID: bob.ID, Content: "ping", CreatedAt: at(0)}}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Update
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, UpdateMessages, got.Kind)
	assert.Equal(t, "conv-1", got.ConversationID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "ping", got.Messages[0].Content)

	require.NoError(t, conn.WriteJSON(ClientCommand{Type: "send", Content: "pong"}))
	require.Eventually(t, func() bool { return f.count("SendMessage") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("")))
	assert.True(t, check(req("http://localhost:3000")))
	assert.False(t, check(req("https://evil.example")))
	assert.True(t, originChecker([]string{"*"})(req("https://anywhere.example")))
}
