package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/clinical-api/config"
	"github.com/jwalitptl/clinical-api/internal/repository/postgres"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the clinical-api database schema",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 2*time.Minute, "Give up after this long")
	rootCmd.AddCommand(upCmd(), downCmd(), statusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withDB loads config, connects and runs fn under the command timeout.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, db *sqlx.DB) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, db)
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *sqlx.DB) error {
				n, err := postgres.Migrate(ctx, db)
				if err != nil {
					return err
				}
				log.Info().Int("applied", n).Msg("migrations up to date")
				return nil
			})
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *sqlx.DB) error {
				provider, err := postgres.NewMigrator(db)
				if err != nil {
					return err
				}
				result, err := provider.Down(ctx)
				if err != nil {
					return fmt.Errorf("failed to roll back: %w", err)
				}
				log.Info().Int64("version", result.Source.Version).Dur("took", result.Duration).Msg("migration rolled back")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *sqlx.DB) error {
				provider, err := postgres.NewMigrator(db)
				if err != nil {
					return err
				}
				statuses, err := provider.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to read migration status: %w", err)
				}
				for _, s := range statuses {
					applied := "pending"
					if !s.AppliedAt.IsZero() {
						applied = s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%5d  %-10s  %s  %s\n", s.Source.Version, s.State, applied, s.Source.Path)
				}
				return nil
			})
		},
	}
}
