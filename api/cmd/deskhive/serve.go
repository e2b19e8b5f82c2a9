package deskhive

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deskhive/deskhive/api/pkg/agent"
	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/display"
	"github.com/deskhive/deskhive/api/pkg/fsisolation"
	"github.com/deskhive/deskhive/api/pkg/janitor"
	"github.com/deskhive/deskhive/api/pkg/server"
	"github.com/deskhive/deskhive/api/pkg/sessions"
	"github.com/deskhive/deskhive/api/pkg/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the deskhive api server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	displayManager := display.NewManager(cfg.VNC, db)

	fsManager := fsisolation.NewManager(cfg.Filesystem, fsisolation.NewOverlayMounter())
	if cfg.Filesystem.IsolationEnabled {
		if err := fsManager.InitializeBase(); err != nil {
			return fmt.Errorf("failed to initialize base filesystem: %w", err)
		}
	}

	sessionManager := sessions.NewManager(cfg, db, displayManager, fsManager, &agent.ScriptedExecutor{})

	if _, err := displayManager.RecoverActiveSessions(ctx); err != nil {
		log.Warn().Err(err).Msg("display recovery failed")
	}

	cleaner := janitor.New(cfg.Cleanup, db, sessionManager)
	if err := cleaner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}

	apiServer := server.NewServer(cfg, db, sessionManager, displayManager, fsManager, cleaner)

	err = apiServer.ListenAndServe(ctx)

	// Reverse startup order: stop producing work, then unwind the
	// resources sessions hold.
	cleaner.Stop()
	sessionManager.Shutdown(context.Background())
	displayManager.Shutdown(context.Background())
	fsManager.Shutdown(context.Background())

	return err
}
