package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat_sync_go/config"
	"chat_sync_go/routes"
	"chat_sync_go/services"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session to a local UI over HTTP and websockets",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	session := services.NewSession(b.gateway, b.identity, sessionConfig(cfg), logger)
	defer session.CloseCurrent()

	me, err := session.Users().EnsureUser(ctx)
	if err != nil {
		return err
	}
	logger.Info("Signed in", zap.String("userId", me.ID), zap.String("name", me.Name()))
	if err := session.SetPresence(ctx, true); err != nil {
		logger.Warn("Could not publish presence", zap.Error(err))
	}

	hub := services.NewHub(session, cfg.AllowedOrigins, logger)
	defer hub.Close()

	if !verbose && cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := routes.NewEngine(cfg.AllowedOrigins, logger.Named("http"))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": hub.ClientCount()})
	})
	routes.SetupChatRoutes(r, session)
	routes.SetupUserRoutes(r, session)
	routes.SetupRealtimeRoutes(r, hub)
	if cfg.Backend == config.BackendPostgres {
		routes.SetupUploadRoutes(r, routes.NewUploadStore(cfg.UploadDir, cfg.MaxAttachmentBytes, logger.Named("uploads")))
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", zap.String("addr", cfg.HTTPAddr), zap.String("backend", cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.Close()
		session.CloseCurrent()
		if err := session.SetPresence(shutdownCtx, false); err != nil {
			logger.Warn("Could not publish offline presence", zap.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
