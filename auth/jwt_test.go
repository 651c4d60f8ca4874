package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSession_CurrentUser(t *testing.T) {
	user := User{ID: "current-user-id", Email: "me@example.com", Username: "me"}
	token, err := GenerateToken(user, "secret", time.Hour)
	require.NoError(t, err)

	t.Run("decodes without a secret", func(t *testing.T) {
		s := NewTokenSession(token, "")
		got, err := s.CurrentUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, user, got)
	})

	t.Run("verifies with a secret", func(t *testing.T) {
		s := NewTokenSession(token, "secret")
		got, err := s.CurrentUser(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "current-user-id", got.ID)
	})

	t.Run("wrong secret is unauthenticated", func(t *testing.T) {
		s := NewTokenSession(token, "other")
		_, err := s.CurrentUser(context.Background())
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestTokenSession_Expired(t *testing.T) {
	token, err := GenerateToken(User{ID: "u1"}, "secret", time.Minute)
	require.NoError(t, err)

	s := NewTokenSession(token, "")
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err = s.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestTokenSession_SignOut(t *testing.T) {
	token, err := GenerateToken(User{ID: "u1"}, "secret", time.Hour)
	require.NoError(t, err)

	s := NewTokenSession(token, "")
	require.NoError(t, s.SignOut(context.Background()))

	_, err = s.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = s.Token()
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
