package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresGateway_UploadTarget(t *testing.T) {
	g := NewPostgresGateway(nil, "http://localhost:3001/", nil)

	target, err := g.UploadTarget(context.Background(), UploadTargetInput{Key: "chat-attachments/a b.png", ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "chat-attachments/a b.png", target.Key)
	assert.Equal(t, "http://localhost:3001/uploads/chat-attachments/a%20b.png", target.UploadURL)
	assert.Equal(t, target.UploadURL, target.DownloadURL)

	t.Run("traversal is flattened", func(t *testing.T) {
		target, err := g.UploadTarget(context.Background(), UploadTargetInput{Key: "../../etc/passwd"})
		require.NoError(t, err)
		assert.Equal(t, "etc/passwd", target.Key)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := g.UploadTarget(context.Background(), UploadTargetInput{})
		assert.Error(t, err)
	})
}

func TestPostgresGateway_Wrap(t *testing.T) {
	g := NewPostgresGateway(nil, "", nil)

	assert.ErrorIs(t, g.wrap(opGetUser, pgx.ErrNoRows), ErrNotFound)
	assert.NoError(t, g.wrap(opGetUser, nil))

	var gwErr *Error
	err := g.wrap(opCreateReadReceipt, &pgconn.PgError{Code: uniqueViolation, Detail: "Key (message_id, user_id) already exists."})
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "UniqueViolation", gwErr.Type)
}

type scanRow struct {
	active bool
	err    error
}

func (r scanRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.active
	return nil
}

type memberQuerier struct {
	row  scanRow
	args []interface{}
}

func (q *memberQuerier) QueryRow(_ context.Context, _ string, args ...interface{}) pgx.Row {
	q.args = args
	return q.row
}

func TestRequireActiveMember(t *testing.T) {
	ctx := context.Background()

	q := &memberQuerier{row: scanRow{active: true}}
	require.NoError(t, requireActiveMember(ctx, q, opSendMessage, "u1", "c1"))
	assert.Equal(t, []interface{}{"u1", "c1"}, q.args)

	err := requireActiveMember(ctx, &memberQuerier{row: scanRow{active: false}}, opSendMessage, "u1", "c1")
	assert.True(t, IsUnauthorized(err))
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, opSendMessage, gwErr.Op)

	connErr := errors.New("conn reset")
	err = requireActiveMember(ctx, &memberQuerier{row: scanRow{err: connErr}}, opSendMessage, "u1", "c1")
	assert.ErrorIs(t, err, connErr)
	assert.False(t, IsUnauthorized(err))
}
