package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chat_sync_go/auth"
	"chat_sync_go/config"
	"chat_sync_go/db"
	"chat_sync_go/gateway"
	"chat_sync_go/services"
)

// backend bundles what a session needs from the configured deployment.
type backend struct {
	gateway  gateway.Gateway
	identity *auth.TokenSession
	close    func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendGraphQL:
		tokens := auth.NewTokenSession(cfg.IDToken, "")
		return &backend{
			gateway:  gateway.NewGraphQLClient(cfg.GraphQLURL, cfg.RealtimeURL, tokens, logger),
			identity: tokens,
			close:    func() {},
		}, nil

	case config.BackendPostgres:
		pool, err := db.InitDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			gateway:  gateway.NewPostgresGateway(pool, cfg.PublicURL, logger),
			identity: auth.NewTokenSession(cfg.IDToken, cfg.JWTSecret),
			close:    pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	return services.SessionConfig{
		HistoryLimit:      cfg.HistoryLimit,
		TypingQuietPeriod: cfg.TypingQuietPeriod,
		TypingExpiry:      cfg.TypingExpiry,
		Constraints: services.Constraints{
			Accept:  services.ParseAccept(cfg.AttachmentAccept),
			MaxSize: cfg.MaxAttachmentBytes,
		},
	}
}

// withSession opens the backend, runs fn against a fresh session and
// releases everything afterwards.
func withSession(ctx context.Context, fn func(*services.Session) error) error {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	session := services.NewSession(b.gateway, b.identity, sessionConfig(cfg), logger)
	defer session.CloseCurrent()
	return fn(session)
}
