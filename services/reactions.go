package services

import (
	"context"
	"errors"
	"strings"

	"chat_sync_go/auth"
	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

// QuickReactions is the emoji row offered under a message.
var QuickReactions = []string{"👍", "❤️", "😂", "😮", "😢", "🙏"}

type ReactionStore interface {
	ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error)
	CreateReaction(ctx context.Context, in gateway.ReactionInput) (*models.MessageReaction, error)
	DeleteReaction(ctx context.Context, id string) error
}

type ReactionService struct {
	store    ReactionStore
	identity auth.Identity
}

func NewReactionService(store ReactionStore, identity auth.Identity) *ReactionService {
	return &ReactionService{store: store, identity: identity}
}

// Toggle adds the current user's emoji to the message, or removes it if it
// is already there. It reports whether the reaction is now present.
func (s *ReactionService) Toggle(ctx context.Context, messageID, emoji string) (bool, error) {
	const op = "toggle reaction"
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || models.IsTempID(messageID) {
		return false, &ValidationError{Op: op, Err: errors.New("message or emoji missing")}
	}
	me, err := s.identity.CurrentUser(ctx)
	if err != nil {
		return false, err
	}

	existing, err := s.store.ListReactions(ctx, messageID)
	if err != nil {
		return false, &FetchError{Op: op, Err: err}
	}
	for _, r := range existing {
		if r.UserID == me.ID && r.Emoji == emoji {
			if err := s.store.DeleteReaction(ctx, r.ID); err != nil && !errors.Is(err, gateway.ErrNotFound) {
				return true, &SendError{Op: op, Err: err}
			}
			return false, nil
		}
	}

	if _, err := s.store.CreateReaction(ctx, gateway.ReactionInput{MessageID: messageID, UserID: me.ID, Emoji: emoji}); err != nil {
		return false, &SendError{Op: op, Err: err}
	}
	return true, nil
}

// List returns the aggregated reactions of a message.
func (s *ReactionService) List(ctx context.Context, messageID string) ([]ReactionCount, error) {
	rs, err := s.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, &FetchError{Op: "list reactions", Err: err}
	}
	return CountReactions(rs), nil
}

type ReactionCount struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

// CountReactions groups reactions by emoji in order of first use.
func CountReactions(rs []models.MessageReaction) []ReactionCount {
	var out []ReactionCount
	index := make(map[string]int)
	for _, r := range rs {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, ReactionCount{Emoji: r.Emoji})
		}
		out[i].Count++
		out[i].UserIDs = append(out[i].UserIDs, r.UserID)
	}
	return out
}
