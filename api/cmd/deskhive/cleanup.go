package deskhive

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskhive/deskhive/api/pkg/agent"
	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/display"
	"github.com/deskhive/deskhive/api/pkg/fsisolation"
	"github.com/deskhive/deskhive/api/pkg/janitor"
	"github.com/deskhive/deskhive/api/pkg/sessions"
	"github.com/deskhive/deskhive/api/pkg/store"
)

// newCleanupCmd runs one reclamation sweep against the configured
// store and exits. Useful from cron or an operator shell when the
// server is down.
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim expired sessions and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setLogLevel(cfg.LogLevel)

			db, err := store.NewSQLStore(cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}

			displayManager := display.NewManager(cfg.VNC, db)
			fsManager := fsisolation.NewManager(cfg.Filesystem, fsisolation.NewOverlayMounter())
			sessionManager := sessions.NewManager(cfg, db, displayManager, fsManager, &agent.ScriptedExecutor{})

			reclaimed, err := janitor.New(cfg.Cleanup, db, sessionManager).ForceCleanup(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("reclaimed %d expired sessions\n", reclaimed)
			return nil
		},
	}
}
