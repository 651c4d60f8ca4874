package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat_sync_go/models"
)

const (
	ackTimeout            = 10 * time.Second
	defaultConnectTimeout = 5 * time.Minute
)

// RealtimeURLFor derives the real-time endpoint from the GraphQL endpoint
// (appsync-api -> appsync-realtime-api, http(s) -> ws(s)).
func RealtimeURLFor(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Host = strings.Replace(u.Host, "appsync-api", "appsync-realtime-api", 1)
	return u.String()
}

type realtimeMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type realtimeOp struct {
	field string
	query string
	vars  map[string]any
}

// realtimeStream is one websocket carrying one or more started subscriptions.
type realtimeStream struct {
	conn    *websocket.Conn
	timeout time.Duration
	fields  map[string]string // subscription id -> response field
	logger  *zap.Logger
}

func (c *GraphQLClient) authHeader(token string) map[string]string {
	host := ""
	if u, err := url.Parse(c.endpoint); err == nil {
		host = u.Host
	}
	return map[string]string{"host": host, "Authorization": token}
}

// connect dials, waits for connection_ack and starts every op.
func (c *GraphQLClient) connect(ctx context.Context, ops []realtimeOp) (*realtimeStream, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.realtimeURL)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	header, err := json.Marshal(c.authHeader(token))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("header", base64.StdEncoding.EncodeToString(header))
	q.Set("payload", base64.StdEncoding.EncodeToString([]byte("{}")))
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	s := &realtimeStream{conn: conn, timeout: defaultConnectTimeout, fields: make(map[string]string), logger: c.logger}
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	for _, op := range ops {
		data, err := json.Marshal(graphQLRequest{Query: op.query, Variables: op.vars})
		if err != nil {
			conn.Close()
			return nil, err
		}
		payload, err := json.Marshal(map[string]any{
			"data":       string(data),
			"extensions": map[string]any{"authorization": c.authHeader(token)},
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		id := uuid.NewString()
		if err := conn.WriteJSON(realtimeMessage{ID: id, Type: "start", Payload: payload}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("realtime start %s: %w", op.field, err)
		}
		s.fields[id] = op.field
	}
	return s, nil
}

func (s *realtimeStream) handshake() error {
	if err := s.conn.WriteJSON(realtimeMessage{Type: "connection_init"}); err != nil {
		return fmt.Errorf("realtime init: %w", err)
	}
	s.conn.SetReadDeadline(time.Now().Add(ackTimeout))
	for {
		var msg realtimeMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("realtime ack: %w", err)
		}
		switch msg.Type {
		case "connection_ack":
			var p struct {
				ConnectionTimeoutMs int `json:"connectionTimeoutMs"`
			}
			if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &p) == nil && p.ConnectionTimeoutMs > 0 {
				s.timeout = time.Duration(p.ConnectionTimeoutMs) * time.Millisecond
			}
			return nil
		case "ka":
			continue
		default:
			return &Error{Op: "connection_init", Type: msg.Type, Message: string(msg.Payload)}
		}
	}
}

// run reads until ctx ends, the server completes every subscription, or the
// keep-alive window lapses. handle returning false stops the stream.
func (s *realtimeStream) run(ctx context.Context, handle func(field string, data json.RawMessage) bool) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		if ctx.Err() != nil {
			for id := range s.fields {
				s.conn.WriteJSON(realtimeMessage{ID: id, Type: "stop"})
			}
		}
		s.conn.Close()
	}()

	remaining := len(s.fields)
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		var msg realtimeMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime read: %w", err)
		}

		switch msg.Type {
		case "ka", "start_ack":
		case "data":
			field, ok := s.fields[msg.ID]
			if !ok {
				continue
			}
			var p struct {
				Data map[string]json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				s.logger.Warn("Dropping malformed realtime payload", zap.String("field", field), zap.Error(err))
				continue
			}
			raw, ok := p.Data[field]
			if !ok || string(raw) == "null" {
				continue
			}
			if !handle(field, raw) {
				return nil
			}
		case "complete":
			if _, ok := s.fields[msg.ID]; ok {
				remaining--
			}
			if remaining <= 0 {
				return nil
			}
		case "error", "connection_error":
			return &Error{Op: "subscription", Type: msg.Type, Message: string(msg.Payload)}
		}
	}
}

func (c *GraphQLClient) SubscribeMessages(ctx context.Context, conversationID string) (*Subscription[MessageEvent], error) {
	vars := map[string]any{"filter": conversationFilter(conversationID)}
	kinds := map[string]EventKind{
		opOnCreateMessage: EventCreated,
		opOnUpdateMessage: EventUpdated,
		opOnDeleteMessage: EventDeleted,
	}
	stream, err := c.connect(ctx, []realtimeOp{
		{field: opOnCreateMessage, query: onCreateMessageSubscription, vars: vars},
		{field: opOnUpdateMessage, query: onUpdateMessageSubscription, vars: vars},
		{field: opOnDeleteMessage, query: onDeleteMessageSubscription, vars: vars},
	})
	if err != nil {
		return nil, err
	}

	return NewSubscription(ctx, 32, func(ctx context.Context, emit func(MessageEvent) bool) error {
		return stream.run(ctx, func(field string, raw json.RawMessage) bool {
			var msg models.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.logger.Warn("Dropping undecodable message event", zap.String("field", field), zap.Error(err))
				return true
			}
			return emit(MessageEvent{Kind: kinds[field], Message: msg})
		})
	}), nil
}

func (c *GraphQLClient) SubscribeTyping(ctx context.Context, conversationID string) (*Subscription[models.TypingIndicator], error) {
	stream, err := c.connect(ctx, []realtimeOp{
		{field: opOnTypingStatus, query: onTypingStatusSubscription, vars: map[string]any{"conversationId": conversationID}},
	})
	if err != nil {
		return nil, err
	}

	return NewSubscription(ctx, 16, func(ctx context.Context, emit func(models.TypingIndicator) bool) error {
		return stream.run(ctx, func(field string, raw json.RawMessage) bool {
			var ti models.TypingIndicator
			if err := json.Unmarshal(raw, &ti); err != nil {
				c.logger.Warn("Dropping undecodable typing event", zap.Error(err))
				return true
			}
			return emit(ti)
		})
	}), nil
}
