package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sendgrid/rest"
	"go.uber.org/zap"

	"chat_sync_go/models"
)

// TokenSource supplies the id token sent with every request.
type TokenSource interface {
	Token() (string, error)
}

// GraphQLClient talks to the managed GraphQL API over HTTP and to its
// real-time endpoint over websockets.
type GraphQLClient struct {
	endpoint    string
	realtimeURL string
	tokens      TokenSource
	rest        *rest.Client
	dialer      *websocket.Dialer
	logger      *zap.Logger
}

var _ Gateway = (*GraphQLClient)(nil)

func NewGraphQLClient(endpoint, realtimeURL string, tokens TokenSource, logger *zap.Logger) *GraphQLClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if realtimeURL == "" {
		realtimeURL = RealtimeURLFor(endpoint)
	}
	return &GraphQLClient{
		endpoint:    endpoint,
		realtimeURL: realtimeURL,
		tokens:      tokens,
		rest:        &rest.Client{HTTPClient: &http.Client{Timeout: 30 * time.Second}},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"graphql-ws"},
		},
		logger: logger.Named("graphql"),
	}
}

func (c *GraphQLClient) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	resp, err := c.rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: c.endpoint,
		Headers: map[string]string{
			"Authorization": token,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var envelope struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []graphQLError             `json:"errors"`
	}
	decodeErr := json.Unmarshal([]byte(resp.Body), &envelope)
	if len(envelope.Errors) > 0 {
		e := envelope.Errors[0]
		return &Error{Op: op, Type: e.ErrorType, Message: e.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, Type: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: decode response: %w", op, decodeErr)
	}

	raw, ok := envelope.Data[op]
	if !ok || string(raw) == "null" {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", op, op, err)
	}
	return nil
}

func (c *GraphQLClient) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, opGetUser, getUserQuery, map[string]any{"id": id}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *GraphQLClient) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var conn connection[models.User]
	if err := c.do(ctx, opGetUserByEmail, getUserByEmailQuery, map[string]any{"email": email}, &conn); err != nil {
		return nil, err
	}
	if len(conn.Items) == 0 {
		return nil, fmt.Errorf("%s: %w", opGetUserByEmail, ErrNotFound)
	}
	return &conn.Items[0], nil
}

func (c *GraphQLClient) CreateUser(ctx context.Context, in CreateUserInput) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, opCreateUser, createUserMutation, map[string]any{"input": in}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *GraphQLClient) UpdateUser(ctx context.Context, in UpdateUserInput) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, opUpdateUser, updateUserMutation, map[string]any{"input": in}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *GraphQLClient) ListMemberships(ctx context.Context, in ListMembershipsInput) (MembershipPage, error) {
	vars := map[string]any{
		"filter": map[string]any{
			"userId":   eqFilter{Eq: in.UserID},
			"isActive": eqFilter{Eq: true},
		},
		"limit": in.Limit,
	}
	if in.NextToken != "" {
		vars["nextToken"] = in.NextToken
	}
	var conn connection[models.ConversationMember]
	if err := c.do(ctx, opListConversationMember, listMembershipsQuery, vars, &conn); err != nil {
		return MembershipPage{}, err
	}
	return MembershipPage{Items: conn.Items, NextToken: conn.next()}, nil
}

func (c *GraphQLClient) MembersByConversation(ctx context.Context, conversationID string) ([]models.ConversationMember, error) {
	vars := map[string]any{
		"filter": map[string]any{
			"conversationId": eqFilter{Eq: conversationID},
			"isActive":       eqFilter{Eq: true},
		},
		"limit": 100,
	}
	var conn connection[models.ConversationMember]
	if err := c.do(ctx, opListConversationMember, listMembershipsQuery, vars, &conn); err != nil {
		return nil, err
	}
	return conn.Items, nil
}

func (c *GraphQLClient) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, opGetConversation, getConversationQuery, map[string]any{"id": id}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *GraphQLClient) CreateConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.do(ctx, opCreateConversation, createConversationMutation, map[string]any{"input": in}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *GraphQLClient) CreateMember(ctx context.Context, in CreateMemberInput) (*models.ConversationMember, error) {
	var member models.ConversationMember
	if err := c.do(ctx, opCreateMember, createMemberMutation, map[string]any{"input": in}, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *GraphQLClient) UpdateMember(ctx context.Context, in UpdateMemberInput) (*models.ConversationMember, error) {
	var member models.ConversationMember
	if err := c.do(ctx, opUpdateMember, updateMemberMutation, map[string]any{"input": in}, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *GraphQLClient) MessagesByConversation(ctx context.Context, in MessagesInput) (MessagePage, error) {
	vars := map[string]any{
		"conversationId": in.ConversationID,
		"sortDirection":  "ASC",
		"limit":          in.Limit,
	}
	if in.NextToken != "" {
		vars["nextToken"] = in.NextToken
	}
	var conn connection[models.Message]
	if err := c.do(ctx, opMessagesByConversation, messagesByConversationQuery, vars, &conn); err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Items: conn.Items, NextToken: conn.next()}, nil
}

// SendMessage uses the sendMessage resolver for plain messages, which stamps
// the author and lastMessageAt server-side. Attachments and replies go through
// createMessage since sendMessage takes no attachment arguments.
func (c *GraphQLClient) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	var msg models.Message
	if in.AttachmentURL == "" && in.ReplyToID == "" {
		vars := map[string]any{
			"conversationId": in.ConversationID,
			"content":        in.Content,
			"type":           string(in.Type),
		}
		if err := c.do(ctx, opSendMessage, sendMessageMutation, vars, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}
	if err := c.do(ctx, opCreateMessage, createMessageMutation, map[string]any{"input": in}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *GraphQLClient) UpdateTyping(ctx context.Context, in TypingInput) error {
	vars := map[string]any{"conversationId": in.ConversationID, "isTyping": in.IsTyping}
	return c.do(ctx, opUpdateTypingStatus, updateTypingStatusMutation, vars, nil)
}

func (c *GraphQLClient) ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error) {
	vars := map[string]any{
		"filter": map[string]any{"messageId": eqFilter{Eq: messageID}},
		"limit":  1000,
	}
	var conn connection[models.MessageReaction]
	if err := c.do(ctx, opListReactions, listReactionsQuery, vars, &conn); err != nil {
		return nil, err
	}
	return conn.Items, nil
}

func (c *GraphQLClient) CreateReaction(ctx context.Context, in ReactionInput) (*models.MessageReaction, error) {
	var r models.MessageReaction
	if err := c.do(ctx, opCreateReaction, createReactionMutation, map[string]any{"input": in}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *GraphQLClient) DeleteReaction(ctx context.Context, id string) error {
	var out idOnly
	return c.do(ctx, opDeleteReaction, deleteReactionMutation, map[string]any{"input": idOnly{ID: id}}, &out)
}

func (c *GraphQLClient) ListReadReceipts(ctx context.Context, messageID, userID string) ([]models.ReadReceipt, error) {
	filter := map[string]any{"messageId": eqFilter{Eq: messageID}}
	if userID != "" {
		filter["userId"] = eqFilter{Eq: userID}
	}
	var conn connection[models.ReadReceipt]
	if err := c.do(ctx, opListReadReceipts, listReadReceiptsQuery, map[string]any{"filter": filter, "limit": 1000}, &conn); err != nil {
		return nil, err
	}
	return conn.Items, nil
}

func (c *GraphQLClient) CreateReadReceipt(ctx context.Context, in ReadReceiptInput) (*models.ReadReceipt, error) {
	var r models.ReadReceipt
	if err := c.do(ctx, opCreateReadReceipt, createReadReceiptMutation, map[string]any{"input": in}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *GraphQLClient) UploadTarget(ctx context.Context, in UploadTargetInput) (UploadTarget, error) {
	var target UploadTarget
	vars := map[string]any{"key": in.Key, "contentType": in.ContentType}
	if err := c.do(ctx, opGetUploadURL, getUploadURLQuery, vars, &target); err != nil {
		if errors.Is(err, ErrNotFound) {
			return UploadTarget{}, &Error{Op: opGetUploadURL, Message: "no upload target issued"}
		}
		return UploadTarget{}, err
	}
	return target, nil
}
