package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

func ptr(t time.Time) *time.Time { return &t }

func TestConversationRepository_ListForUser(t *testing.T) {
	f := newFakeGateway(alice, bob, carol)
	f.pageSize = 2
	f.addConversation(models.Conversation{ID: "old", CreatedAt: at(0), LastMessageAt: ptr(at(5))}, alice.ID, bob.ID)
	f.addConversation(models.Conversation{ID: "new", CreatedAt: at(0), LastMessageAt: ptr(at(20))}, alice.ID, carol.ID)
	f.addConversation(models.Conversation{ID: "quiet", CreatedAt: at(10)}, alice.ID)
	f.addConversation(models.Conversation{ID: "not-mine", CreatedAt: at(30)}, bob.ID)
	// A membership whose conversation no longer exists.
	f.members = append(f.members, models.ConversationMember{ID: "orphan", UserID: alice.ID, ConversationID: "gone", IsActive: true})

	repo := NewConversationRepository(f, aliceIdentity(), nil)
	convs, err := repo.ListForUser(context.Background(), alice.ID)
	require.NoError(t, err)

	var ids []string
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"new", "quiet", "old"}, ids)
	assert.Equal(t, 2, f.count("ListMemberships"))
}

func TestConversationRepository_ListForUserUsesEmbeddedConversation(t *testing.T) {
	f := newFakeGateway(alice)
	f.members = append(f.members, models.ConversationMember{
		ID: "m1", UserID: alice.ID, ConversationID: "c1", IsActive: true,
		Conversation: &models.Conversation{ID: "c1", Name: "embedded"},
	})
	repo := NewConversationRepository(f, aliceIdentity(), nil)

	convs, err := repo.ListForUser(context.Background(), alice.ID)
	require.NoError(t, err)

	require.Len(t, convs, 1)
	assert.Equal(t, "embedded", convs[0].Name)
	assert.Zero(t, f.count("GetConversation"))
}

func TestConversationRepository_CreateDirect(t *testing.T) {
	f := newFakeGateway(alice, bob)
	repo := NewConversationRepository(f, aliceIdentity(), nil)

	first, err := repo.CreateDirect(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Chat with Bob", first.Name)
	assert.False(t, first.IsGroup)
	assert.NotNil(t, first.LastMessageAt)

	members, err := repo.Members(context.Background(), first.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, models.RoleMember, m.Role)
		assert.True(t, m.IsActive)
	}

	// Creating again makes a second conversation rather than reusing the first.
	second, err := repo.CreateDirect(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	convs, err := repo.ListForUser(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 2)
}

func TestConversationRepository_CreateDirectErrors(t *testing.T) {
	f := newFakeGateway(alice, bob)
	repo := NewConversationRepository(f, aliceIdentity(), nil)

	_, err := repo.CreateDirect(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = repo.CreateDirect(context.Background(), "alice@example.com")
	assert.ErrorIs(t, err, ErrSelfChat)

	_, err = repo.CreateDirect(context.Background(), "nobody@example.com")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nobody@example.com", nf.Key)

	assert.Zero(t, f.count("CreateConversation"))
	assert.Zero(t, f.count("CreateMember"))
}

func TestConversationRepository_FindOrCreateDirect(t *testing.T) {
	f := newFakeGateway(alice, bob, carol)
	repo := NewConversationRepository(f, aliceIdentity(), nil)
	_, err := repo.CreateGroup(context.Background(), "Team", []string{"bob@example.com"})
	require.NoError(t, err)

	conv, created, err := repo.FindOrCreateDirect(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.True(t, created, "the group with bob is not a direct conversation")

	again, created, err := repo.FindOrCreateDirect(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)
}

func TestConversationRepository_CreateGroup(t *testing.T) {
	f := newFakeGateway(alice, bob, carol)
	repo := NewConversationRepository(f, aliceIdentity(), nil)

	conv, err := repo.CreateGroup(context.Background(), " Weekend ", []string{"bob@example.com", "carol@example.com", "bob@example.com", "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Weekend", conv.Name)
	assert.True(t, conv.IsGroup)

	members, err := repo.Members(context.Background(), conv.ID)
	require.NoError(t, err)
	roles := make(map[string]models.ConversationRole)
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	assert.Equal(t, map[string]models.ConversationRole{
		alice.ID: models.RoleAdmin,
		bob.ID:   models.RoleMember,
		carol.ID: models.RoleMember,
	}, roles)
}

func TestConversationRepository_CreateGroupErrors(t *testing.T) {
	f := newFakeGateway(alice, bob)
	repo := NewConversationRepository(f, aliceIdentity(), nil)

	_, err := repo.CreateGroup(context.Background(), "", []string{"bob@example.com"})
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = repo.CreateGroup(context.Background(), "Team", []string{"bob@example.com", "ghost@example.com"})
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
	assert.Zero(t, f.count("CreateConversation"))
}

func TestConversationRepository_Leave(t *testing.T) {
	f := newFakeGateway(alice, bob)
	f.addConversation(models.Conversation{ID: "c1", CreatedAt: at(0)}, alice.ID, bob.ID)
	repo := NewConversationRepository(f, aliceIdentity(), nil)

	require.NoError(t, repo.Leave(context.Background(), "c1"))

	convs, err := repo.ListForUser(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Empty(t, convs)
	// The row is kept, only deactivated.
	assert.Len(t, f.members, 2)

	var nf *NotFoundError
	assert.ErrorAs(t, repo.Leave(context.Background(), "c1"), &nf)
}

func TestConversationRepository_SendAfterLeaveIsRejected(t *testing.T) {
	f := newFakeGateway(alice, bob)
	f.requireMember = true
	f.addConversation(models.Conversation{ID: "c1", CreatedAt: at(0)}, alice.ID, bob.ID)
	repo := NewConversationRepository(f, aliceIdentity(), nil)
	s := NewMessageSync(f, alice.ID, 0, nil)

	_, err := s.Send(context.Background(), "c1", alice.ID, "before", models.MessageText)
	require.NoError(t, err)
	require.NoError(t, repo.Leave(context.Background(), "c1"))

	_, err = s.Send(context.Background(), "c1", alice.ID, "after", models.MessageText)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, gateway.IsUnauthorized(err))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "before", msgs[0].Content)
}

func TestConversationRepository_FailedMemberInsertDeactivatesPartialConversation(t *testing.T) {
	f := newFakeGateway(alice, bob)
	f.memberErr = func(in gateway.CreateMemberInput) error {
		if in.UserID == bob.ID {
			return errors.New("throttled")
		}
		return nil
	}
	repo := NewConversationRepository(f, aliceIdentity(), nil)

	_, err := repo.CreateDirect(context.Background(), bob.Email)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)

	require.Len(t, f.members, 1)
	assert.Equal(t, alice.ID, f.members[0].UserID)
	assert.False(t, f.members[0].IsActive)
	assert.Equal(t, 1, f.count("UpdateMember"))

	convs, err := repo.ListForUser(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Empty(t, convs)
}
