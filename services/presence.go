package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"chat_sync_go/gateway"
	"chat_sync_go/models"
)

type PresencePublisher interface {
	UpdateUser(ctx context.Context, in gateway.UpdateUserInput) (*models.User, error)
}

// PresenceCoordinator publishes the local user's online state. A newer call
// cancels the one still in flight so the last call wins.
type PresenceCoordinator struct {
	pub    PresencePublisher
	userID string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

func NewPresenceCoordinator(pub PresencePublisher, userID string, logger *zap.Logger) *PresenceCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceCoordinator{pub: pub, userID: userID, logger: logger, now: time.Now}
}

// SetPresence returns ErrSuperseded when a later call replaced this one
// before it completed.
func (p *PresenceCoordinator) SetPresence(ctx context.Context, online bool) error {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.seq++
	seq := p.seq
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.seq == seq {
			p.cancel = nil
		}
		p.mu.Unlock()
		cancel()
	}()

	in := gateway.UpdateUserInput{ID: p.userID, IsOnline: &online}
	if !online {
		now := p.now()
		in.LastSeenAt = &now
	}

	_, err := p.pub.UpdateUser(ctx, in)
	if p.superseded(seq) {
		return ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		p.logger.Warn("Presence update failed", zap.Bool("online", online), zap.Error(err))
		return &SendError{Op: "update presence", Err: err}
	}
	return nil
}

func (p *PresenceCoordinator) superseded(seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq != seq
}

// LastSeenText is the presence badge caption for u.
func LastSeenText(u models.User, now time.Time) string {
	switch {
	case u.IsOnline:
		return "Online"
	case u.LastSeenAt == nil:
		return "Offline"
	case now.Sub(*u.LastSeenAt) < time.Minute:
		return "Last seen just now"
	default:
		return "Last seen " + humanize.RelTime(*u.LastSeenAt, now, "ago", "from now")
	}
}
