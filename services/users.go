package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chat_sync_go/auth"
	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, in gateway.CreateUserInput) (*models.User, error)
	UpdateUser(ctx context.Context, in gateway.UpdateUserInput) (*models.User, error)
}

// UserDirectory owns the signed-in user's profile record and caches the
// profiles of other participants for display.
type UserDirectory struct {
	store    UserStore
	identity auth.Identity
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]models.User
}

func NewUserDirectory(store UserStore, identity auth.Identity, logger *zap.Logger) *UserDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserDirectory{store: store, identity: identity, logger: logger, cache: make(map[string]models.User)}
}

// EnsureUser returns the profile of the signed-in user, creating it on first
// access.
func (d *UserDirectory) EnsureUser(ctx context.Context) (*models.User, error) {
	me, err := d.identity.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}

	u, err := d.store.GetUser(ctx, me.ID)
	if err == nil {
		d.remember(*u)
		return u, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, &FetchError{Op: "get user", Err: err}
	}

	u, err = d.store.CreateUser(ctx, gateway.CreateUserInput{
		ID:          me.ID,
		Email:       me.Email,
		Username:    me.Username,
		DisplayName: localPart(me.Email),
		IsOnline:    true,
	})
	if err != nil {
		return nil, &SendError{Op: "create user", Err: err}
	}
	d.logger.Info("User profile created", zap.String("userId", u.ID))
	d.remember(*u)
	return u, nil
}

// UpdateProfile changes the display name and/or username. Empty arguments
// leave the field untouched.
func (d *UserDirectory) UpdateProfile(ctx context.Context, displayName, username string) (*models.User, error) {
	displayName, username = strings.TrimSpace(displayName), strings.TrimSpace(username)
	if displayName == "" && username == "" {
		return nil, &ValidationError{Op: "update profile", Err: ErrEmptyProfile}
	}
	me, err := d.identity.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}

	in := gateway.UpdateUserInput{ID: me.ID}
	if displayName != "" {
		in.DisplayName = &displayName
	}
	if username != "" {
		in.Username = &username
	}
	u, err := d.store.UpdateUser(ctx, in)
	if err != nil {
		return nil, &SendError{Op: "update profile", Err: err}
	}
	d.remember(*u)
	return u, nil
}

// Get returns a profile, from cache when possible.
func (d *UserDirectory) Get(ctx context.Context, id string) (*models.User, error) {
	d.mu.RLock()
	u, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return &u, nil
	}

	fetched, err := d.store.GetUser(ctx, id)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, &NotFoundError{Op: "get user", Key: id, Err: err}
	}
	if err != nil {
		return nil, &FetchError{Op: "get user", Err: err}
	}
	d.remember(*fetched)
	return fetched, nil
}

// DisplayName resolves id to a printable name, falling back to the id.
func (d *UserDirectory) DisplayName(ctx context.Context, id string) string {
	u, err := d.Get(ctx, id)
	if err != nil {
		d.logger.Debug("Name lookup failed", zap.String("userId", id), zap.Error(err))
		return id
	}
	return u.Name()
}

func (d *UserDirectory) remember(u models.User) {
	d.mu.Lock()
	d.cache[u.ID] = u
	d.mu.Unlock()
}

func localPart(email string) string {
	name, _, _ := strings.Cut(email, "@")
	return name
}
