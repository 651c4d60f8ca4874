package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync_go/models"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// fakeAPI answers GraphQL posts with the body returned by respond.
func fakeAPI(t *testing.T, respond func(req graphQLRequest) string) (*GraphQLClient, *[]graphQLRequest) {
	t.Helper()
	var seen []graphQLRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "id-token", r.Header.Get("Authorization"))

		var req graphQLRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		seen = append(seen, req)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(respond(req)))
	}))
	t.Cleanup(srv.Close)

	return NewGraphQLClient(srv.URL+"/graphql", "", staticToken("id-token"), nil), &seen
}

func TestGraphQLClient_GetUser(t *testing.T) {
	client, seen := fakeAPI(t, func(req graphQLRequest) string {
		return `{"data":{"getUser":{"id":"u1","email":"a@x.com","displayName":"Alice","isOnline":true}}}`
	})

	user, err := client.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.True(t, user.IsOnline)

	require.Len(t, *seen, 1)
	assert.Contains(t, (*seen)[0].Query, "getUser(id: $id)")
	assert.Equal(t, "u1", (*seen)[0].Variables["id"])
}

func TestGraphQLClient_Errors(t *testing.T) {
	t.Run("errors array", func(t *testing.T) {
		client, _ := fakeAPI(t, func(graphQLRequest) string {
			return `{"data":null,"errors":[{"message":"Not Authorized","errorType":"Unauthorized"}]}`
		})
		_, err := client.GetConversation(context.Background(), "c1")

		var gwErr *Error
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, "Unauthorized", gwErr.Type)
		assert.Equal(t, opGetConversation, gwErr.Op)
	})

	t.Run("null record", func(t *testing.T) {
		client, _ := fakeAPI(t, func(graphQLRequest) string {
			return `{"data":{"getConversation":null}}`
		})
		_, err := client.GetConversation(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty email lookup", func(t *testing.T) {
		client, _ := fakeAPI(t, func(graphQLRequest) string {
			return `{"data":{"getUserByEmail":{"items":[],"nextToken":null}}}`
		})
		_, err := client.UserByEmail(context.Background(), "nobody@x.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGraphQLClient_SendMessageMutationChoice(t *testing.T) {
	client, seen := fakeAPI(t, func(req graphQLRequest) string {
		if strings.Contains(req.Query, "sendMessage(") {
			return `{"data":{"sendMessage":{"id":"m1","conversationId":"conv-1","content":"Hello","type":"TEXT"}}}`
		}
		return `{"data":{"createMessage":{"id":"m2","conversationId":"conv-1","type":"ATTACHMENT","attachmentUrl":"https://cdn/x.png"}}}`
	})

	msg, err := client.SendMessage(context.Background(), SendMessageInput{ConversationID: "conv-1", Content: "Hello", Type: models.MessageText})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)

	msg, err = client.SendMessage(context.Background(), SendMessageInput{
		ConversationID: "conv-1",
		Type:           models.MessageAttachment,
		AttachmentURL:  "https://cdn/x.png",
		AttachmentType: models.AttachmentImage,
	})
	require.NoError(t, err)
	assert.Equal(t, "m2", msg.ID)

	require.Len(t, *seen, 2)
	assert.Equal(t, "Hello", (*seen)[0].Variables["content"])
	assert.Contains(t, (*seen)[1].Query, "createMessage(input: $input)")
}

func TestGraphQLClient_ListMembershipsPaging(t *testing.T) {
	client, seen := fakeAPI(t, func(req graphQLRequest) string {
		if req.Variables["nextToken"] == nil {
			return `{"data":{"listConversationMembers":{"items":[{"id":"mb1","userId":"u1","conversationId":"c1","isActive":true}],"nextToken":"page-2"}}}`
		}
		return `{"data":{"listConversationMembers":{"items":[{"id":"mb2","userId":"u1","conversationId":"c2","isActive":true}],"nextToken":null}}}`
	})

	page, err := client.ListMemberships(context.Background(), ListMembershipsInput{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "page-2", page.NextToken)

	page, err = client.ListMemberships(context.Background(), ListMembershipsInput{UserID: "u1", Limit: 1, NextToken: page.NextToken})
	require.NoError(t, err)
	assert.Empty(t, page.NextToken)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c2", page.Items[0].ConversationID)

	filter := (*seen)[0].Variables["filter"].(map[string]any)
	assert.Equal(t, map[string]any{"eq": "u1"}, filter["userId"])
}

func TestGraphQLClient_UploadTargetMissing(t *testing.T) {
	client, _ := fakeAPI(t, func(graphQLRequest) string {
		return `{"data":{"getUploadUrl":null}}`
	})
	_, err := client.UploadTarget(context.Background(), UploadTargetInput{Key: "chat-attachments/a.png", ContentType: "image/png"})

	var gwErr *Error
	assert.True(t, errors.As(err, &gwErr))
}

func TestRealtimeURLFor(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://abc.appsync-api.eu-west-1.amazonaws.com/graphql", "wss://abc.appsync-realtime-api.eu-west-1.amazonaws.com/graphql"},
		{"http://localhost:4000/graphql", "ws://localhost:4000/graphql"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RealtimeURLFor(tt.in))
	}
}
