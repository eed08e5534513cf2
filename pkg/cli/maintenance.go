package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/database"
)

func newCleanupImagesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-images",
		Short: "Delete stored images no project references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.store.CleanupImages(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to clean up images: %w", err)
			}
			logger.Info("Image cleanup finished", zap.Int("deleted", deleted))
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d unreferenced images\n", deleted)
			return nil
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Persistence != "postgres" {
				return fmt.Errorf("migrate requires postgres persistence, got %q", cfg.Persistence)
			}
			db, err := database.Open(cmd.Context(), database.ConfigFrom(&cfg.Database), logger)
			if err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			db.Close()
			logger.Info("Database is up to date")
			return nil
		},
	}
}
