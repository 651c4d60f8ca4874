package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"chat_sync_go/db"
	"chat_sync_go/models"
)

const (
	uniqueViolation = "23505"
	opGetMessage    = "getMessage"
)

// PostgresGateway serves the same contract straight from the chat schema.
// Subscriptions ride on LISTEN/NOTIFY; uploads go to the local upload store.
type PostgresGateway struct {
	pool      *pgxpool.Pool
	publicURL string
	logger    *zap.Logger
}

var _ Gateway = (*PostgresGateway)(nil)

func NewPostgresGateway(pool *pgxpool.Pool, publicURL string, logger *zap.Logger) *PostgresGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresGateway{
		pool:      pool,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.Named("postgres"),
	}
}

const userColumns = `id, email, COALESCE(username, ''), COALESCE(display_name, ''), COALESCE(avatar, ''),
	is_online, last_seen_at, created_at, updated_at`

const conversationColumns = `id::text, COALESCE(name, ''), COALESCE(description, ''), is_group, COALESCE(avatar, ''),
	last_message_at, created_at, updated_at`

const memberColumns = `id::text, user_id, conversation_id::text, role, joined_at, is_active, last_read_at`

const messageColumns = `m.id::text, m.conversation_id::text, m.author_id, COALESCE(m.content, ''), m.type,
	COALESCE(m.attachment_url, ''), COALESCE(m.attachment_type, ''), COALESCE(m.attachment_size, 0),
	COALESCE(m.reply_to_id::text, ''), m.is_edited, m.edited_at, m.created_at, m.updated_at,
	u.id, u.email, COALESCE(u.display_name, ''), COALESCE(u.avatar, '')`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.DisplayName, &u.Avatar,
		&u.IsOnline, &u.LastSeenAt, &u.CreatedAt, &u.UpdatedAt)
	return &u, err
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.IsGroup, &c.Avatar,
		&c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func scanMember(row pgx.Row) (*models.ConversationMember, error) {
	var m models.ConversationMember
	var role string
	err := row.Scan(&m.ID, &m.UserID, &m.ConversationID, &role, &m.JoinedAt, &m.IsActive, &m.LastReadAt)
	m.Role = models.ConversationRole(role)
	return &m, err
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		m              models.Message
		author         models.User
		msgType, aType string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &msgType,
		&m.AttachmentURL, &aType, &m.AttachmentSize,
		&m.ReplyToID, &m.IsEdited, &m.EditedAt, &m.CreatedAt, &m.UpdatedAt,
		&author.ID, &author.Email, &author.DisplayName, &author.Avatar)
	m.Type = models.MessageType(msgType)
	m.AttachmentType = models.AttachmentType(aType)
	m.Author = &author
	return &m, err
}

// wrap maps driver errors onto the gateway's error vocabulary.
func (g *PostgresGateway) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return &Error{Op: op, Type: "UniqueViolation", Message: pgErr.Detail}
		}
		return &Error{Op: op, Type: pgErr.Code, Message: pgErr.Message}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (g *PostgresGateway) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(g.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, g.wrap(opGetUser, err)
	}
	return u, nil
}

func (g *PostgresGateway) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(g.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
	if err != nil {
		return nil, g.wrap(opGetUserByEmail, err)
	}
	return u, nil
}

func (g *PostgresGateway) CreateUser(ctx context.Context, in CreateUserInput) (*models.User, error) {
	u, err := scanUser(g.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, username, display_name, is_online)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
		RETURNING `+userColumns,
		in.ID, in.Email, in.Username, in.DisplayName, in.IsOnline))
	if err != nil {
		return nil, g.wrap(opCreateUser, err)
	}
	return u, nil
}

func (g *PostgresGateway) UpdateUser(ctx context.Context, in UpdateUserInput) (*models.User, error) {
	u, err := scanUser(g.pool.QueryRow(ctx, `
		UPDATE users SET
			username = COALESCE($2, username),
			display_name = COALESCE($3, display_name),
			avatar = COALESCE($4, avatar),
			is_online = COALESCE($5, is_online),
			last_seen_at = COALESCE($6, last_seen_at),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		in.ID, in.Username, in.DisplayName, in.Avatar, in.IsOnline, in.LastSeenAt))
	if err != nil {
		return nil, g.wrap(opUpdateUser, err)
	}
	return u, nil
}

// ListMemberships pages with an offset carried in NextToken.
func (g *PostgresGateway) ListMemberships(ctx context.Context, in ListMembershipsInput) (MembershipPage, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if in.NextToken != "" {
		n, err := strconv.Atoi(in.NextToken)
		if err != nil {
			return MembershipPage{}, &Error{Op: opListConversationMember, Message: "invalid nextToken"}
		}
		offset = n
	}

	rows, err := g.pool.Query(ctx, `
		SELECT `+memberColumns+` FROM conversation_members
		WHERE user_id = $1 AND is_active
		ORDER BY joined_at, id
		LIMIT $2 OFFSET $3`, in.UserID, limit+1, offset)
	if err != nil {
		return MembershipPage{}, g.wrap(opListConversationMember, err)
	}
	defer rows.Close()

	var page MembershipPage
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return MembershipPage{}, g.wrap(opListConversationMember, err)
		}
		page.Items = append(page.Items, *m)
	}
	if err := rows.Err(); err != nil {
		return MembershipPage{}, g.wrap(opListConversationMember, err)
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextToken = strconv.Itoa(offset + limit)
	}
	return page, nil
}

func (g *PostgresGateway) MembersByConversation(ctx context.Context, conversationID string) ([]models.ConversationMember, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT `+memberColumns+` FROM conversation_members
		WHERE conversation_id = $1 AND is_active
		ORDER BY joined_at`, conversationID)
	if err != nil {
		return nil, g.wrap(opListConversationMember, err)
	}
	defer rows.Close()

	var members []models.ConversationMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, g.wrap(opListConversationMember, err)
		}
		members = append(members, *m)
	}
	return members, g.wrap(opListConversationMember, rows.Err())
}

func (g *PostgresGateway) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := scanConversation(g.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, g.wrap(opGetConversation, err)
	}
	return c, nil
}

func (g *PostgresGateway) CreateConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, error) {
	c, err := scanConversation(g.pool.QueryRow(ctx, `
		INSERT INTO conversations (name, is_group, last_message_at)
		VALUES (NULLIF($1, ''), $2, $3)
		RETURNING `+conversationColumns,
		in.Name, in.IsGroup, in.LastMessageAt))
	if err != nil {
		return nil, g.wrap(opCreateConversation, err)
	}
	return c, nil
}

func (g *PostgresGateway) CreateMember(ctx context.Context, in CreateMemberInput) (*models.ConversationMember, error) {
	joinedAt := in.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	m, err := scanMember(g.pool.QueryRow(ctx, `
		INSERT INTO conversation_members (user_id, conversation_id, role, joined_at, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+memberColumns,
		in.UserID, in.ConversationID, string(in.Role), joinedAt, in.IsActive))
	if err != nil {
		return nil, g.wrap(opCreateMember, err)
	}
	return m, nil
}

func (g *PostgresGateway) UpdateMember(ctx context.Context, in UpdateMemberInput) (*models.ConversationMember, error) {
	m, err := scanMember(g.pool.QueryRow(ctx, `
		UPDATE conversation_members SET
			is_active = COALESCE($2, is_active),
			last_read_at = COALESCE($3, last_read_at)
		WHERE id = $1
		RETURNING `+memberColumns,
		in.ID, in.IsActive, in.LastReadAt))
	if err != nil {
		return nil, g.wrap(opUpdateMember, err)
	}
	return m, nil
}

func (g *PostgresGateway) getMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(g.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.author_id
		WHERE m.id = $1`, id))
	if err != nil {
		return nil, g.wrap(opGetMessage, err)
	}
	return m, nil
}

func (g *PostgresGateway) MessagesByConversation(ctx context.Context, in MessagesInput) (MessagePage, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if in.NextToken != "" {
		n, err := strconv.Atoi(in.NextToken)
		if err != nil {
			return MessagePage{}, &Error{Op: opMessagesByConversation, Message: "invalid nextToken"}
		}
		offset = n
	}

	rows, err := g.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.author_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $2 OFFSET $3`, in.ConversationID, limit+1, offset)
	if err != nil {
		return MessagePage{}, g.wrap(opMessagesByConversation, err)
	}
	defer rows.Close()

	var page MessagePage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, g.wrap(opMessagesByConversation, err)
		}
		page.Items = append(page.Items, *m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, g.wrap(opMessagesByConversation, err)
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextToken = strconv.Itoa(offset + limit)
	}
	return page, nil
}

// rowQuerier is the part of pgx.Tx the membership check needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// requireActiveMember fails with TypeUnauthorized unless userID holds an
// active membership in conversationID.
func requireActiveMember(ctx context.Context, q rowQuerier, op, userID, conversationID string) error {
	var active bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE user_id = $1 AND conversation_id = $2::uuid AND is_active
		)`, userID, conversationID).Scan(&active)
	if err != nil {
		return err
	}
	if !active {
		return &Error{Op: op, Type: TypeUnauthorized, Message: "not an active member of the conversation"}
	}
	return nil
}

// SendMessage checks the author's membership, inserts the message and bumps
// the conversation's lastMessageAt in one transaction.
func (g *PostgresGateway) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	msgType := in.Type
	if msgType == "" {
		msgType = models.MessageText
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, g.wrap(opSendMessage, err)
	}
	defer tx.Rollback(ctx)

	if err := requireActiveMember(ctx, tx, opSendMessage, in.AuthorID, in.ConversationID); err != nil {
		if IsUnauthorized(err) {
			return nil, err
		}
		return nil, g.wrap(opSendMessage, err)
	}

	var id string
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, author_id, content, type,
			attachment_url, attachment_type, attachment_size, reply_to_id)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, 0), NULLIF($8, '')::uuid)
		RETURNING id::text, created_at`,
		in.ConversationID, in.AuthorID, in.Content, string(msgType),
		in.AttachmentURL, string(in.AttachmentType), in.AttachmentSize, in.ReplyToID).Scan(&id, &createdAt)
	if err != nil {
		return nil, g.wrap(opSendMessage, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message_at = $2, updated_at = NOW() WHERE id = $1`,
		in.ConversationID, createdAt); err != nil {
		return nil, g.wrap(opSendMessage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, g.wrap(opSendMessage, err)
	}

	return g.getMessage(ctx, id)
}

func (g *PostgresGateway) UpdateTyping(ctx context.Context, in TypingInput) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO typing_indicators (conversation_id, user_id, is_typing, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET is_typing = EXCLUDED.is_typing, updated_at = EXCLUDED.updated_at`,
		in.ConversationID, in.UserID, in.IsTyping)
	return g.wrap(opUpdateTypingStatus, err)
}

func (g *PostgresGateway) ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id::text, message_id::text, user_id, emoji, created_at
		FROM message_reactions WHERE message_id = $1 ORDER BY created_at`, messageID)
	if err != nil {
		return nil, g.wrap(opListReactions, err)
	}
	defer rows.Close()

	var out []models.MessageReaction
	for rows.Next() {
		var r models.MessageReaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, g.wrap(opListReactions, err)
		}
		out = append(out, r)
	}
	return out, g.wrap(opListReactions, rows.Err())
}

func (g *PostgresGateway) CreateReaction(ctx context.Context, in ReactionInput) (*models.MessageReaction, error) {
	var r models.MessageReaction
	err := g.pool.QueryRow(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
		RETURNING id::text, message_id::text, user_id, emoji, created_at`,
		in.MessageID, in.UserID, in.Emoji).Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt)
	if err != nil {
		return nil, g.wrap(opCreateReaction, err)
	}
	return &r, nil
}

func (g *PostgresGateway) DeleteReaction(ctx context.Context, id string) error {
	tag, err := g.pool.Exec(ctx, `DELETE FROM message_reactions WHERE id = $1`, id)
	if err != nil {
		return g.wrap(opDeleteReaction, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", opDeleteReaction, ErrNotFound)
	}
	return nil
}

func (g *PostgresGateway) ListReadReceipts(ctx context.Context, messageID, userID string) ([]models.ReadReceipt, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id::text, message_id::text, user_id, read_at FROM read_receipts
		WHERE message_id = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY read_at`, messageID, userID)
	if err != nil {
		return nil, g.wrap(opListReadReceipts, err)
	}
	defer rows.Close()

	var out []models.ReadReceipt
	for rows.Next() {
		var r models.ReadReceipt
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.ReadAt); err != nil {
			return nil, g.wrap(opListReadReceipts, err)
		}
		out = append(out, r)
	}
	return out, g.wrap(opListReadReceipts, rows.Err())
}

func (g *PostgresGateway) CreateReadReceipt(ctx context.Context, in ReadReceiptInput) (*models.ReadReceipt, error) {
	readAt := in.ReadAt
	if readAt.IsZero() {
		readAt = time.Now()
	}
	var r models.ReadReceipt
	err := g.pool.QueryRow(ctx, `
		INSERT INTO read_receipts (message_id, user_id, read_at) VALUES ($1, $2, $3)
		RETURNING id::text, message_id::text, user_id, read_at`,
		in.MessageID, in.UserID, readAt).Scan(&r.ID, &r.MessageID, &r.UserID, &r.ReadAt)
	if err != nil {
		return nil, g.wrap(opCreateReadReceipt, err)
	}
	return &r, nil
}

// UploadTarget points both URLs at the local upload store.
func (g *PostgresGateway) UploadTarget(ctx context.Context, in UploadTargetInput) (UploadTarget, error) {
	key := path.Clean("/" + in.Key)[1:]
	if key == "" || key == "." {
		return UploadTarget{}, &Error{Op: opGetUploadURL, Message: "empty key"}
	}
	escaped := (&url.URL{Path: key}).EscapedPath()
	u := g.publicURL + "/uploads/" + escaped
	return UploadTarget{UploadURL: u, DownloadURL: u, Key: key}, nil
}

type messageNotification struct {
	Op             string `json:"op"`
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

// listen acquires a dedicated connection and subscribes it to channel. The
// caller owns the connection and hands it back through release.
func (g *PostgresGateway) listen(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, g.wrap("listen", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, g.wrap("listen", err)
	}
	return conn, nil
}

func (g *PostgresGateway) release(conn *pgxpool.Conn, channel string) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			g.logger.Debug("Unlisten failed", zap.String("channel", channel), zap.Error(err))
		}
		cancel()
	}
	conn.Release()
}

func (g *PostgresGateway) SubscribeMessages(ctx context.Context, conversationID string) (*Subscription[MessageEvent], error) {
	conn, err := g.listen(ctx, db.MessagesChannel)
	if err != nil {
		return nil, err
	}

	return NewSubscription(ctx, 32, func(ctx context.Context, emit func(MessageEvent) bool) error {
		defer g.release(conn, db.MessagesChannel)
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return g.wrap("onMessage", err)
			}

			var note messageNotification
			if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
				g.logger.Warn("Dropping malformed notification", zap.String("payload", n.Payload), zap.Error(err))
				continue
			}
			if note.ConversationID != conversationID {
				continue
			}

			event := MessageEvent{Message: models.Message{ID: note.ID, ConversationID: note.ConversationID}}
			switch note.Op {
			case "INSERT":
				event.Kind = EventCreated
			case "UPDATE":
				event.Kind = EventUpdated
			case "DELETE":
				event.Kind = EventDeleted
			default:
				continue
			}
			if event.Kind != EventDeleted {
				msg, err := g.getMessage(ctx, note.ID)
				if err != nil {
					g.logger.Warn("Failed to load notified message", zap.String("id", note.ID), zap.Error(err))
					continue
				}
				event.Message = *msg
			}
			if !emit(event) {
				return nil
			}
		}
	}), nil
}

func (g *PostgresGateway) SubscribeTyping(ctx context.Context, conversationID string) (*Subscription[models.TypingIndicator], error) {
	conn, err := g.listen(ctx, db.TypingChannel)
	if err != nil {
		return nil, err
	}

	return NewSubscription(ctx, 16, func(ctx context.Context, emit func(models.TypingIndicator) bool) error {
		defer g.release(conn, db.TypingChannel)
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return g.wrap(opOnTypingStatus, err)
			}
			var ti models.TypingIndicator
			if err := json.Unmarshal([]byte(n.Payload), &ti); err != nil {
				g.logger.Warn("Dropping malformed notification", zap.String("payload", n.Payload), zap.Error(err))
				continue
			}
			if ti.ConversationID != conversationID {
				continue
			}
			if !emit(ti) {
				return nil
			}
		}
	}), nil
}
