package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/robotpdf/devkeys/internal/database"
	"github.com/robotpdf/devkeys/internal/database/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// migrateCmd is the parent command for migration operations
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long:  `Database migration management commands for applying, rolling back, and checking migration status.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Long:  `Apply all pending migrations to bring the database up to date.`,
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback the last migration",
	Long:  `Rollback the most recently applied migration.`,
	RunE:  runMigrateDown,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether each is applied",
	RunE:  runMigrateStatus,
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current migration version",
	Long:  `Display the current migration version. Returns 0 if no migrations have been applied.`,
	RunE:  runMigrateVersion,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd, migrateVersionCmd)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	return withMigrationRunner(cmd, func(ctx context.Context, runner *migrations.MigrationRunner) error {
		if err := runner.Up(ctx); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
		return nil
	})
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	return withMigrationRunner(cmd, func(ctx context.Context, runner *migrations.MigrationRunner) error {
		if err := runner.Down(ctx); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migration rolled back successfully")
		return nil
	})
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	return withMigrationRunner(cmd, func(ctx context.Context, runner *migrations.MigrationRunner) error {
		states, err := runner.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
		for _, s := range states {
			applied := "pending"
			if s.Applied {
				applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.Name, applied)
		}
		return w.Flush()
	})
}

func runMigrateVersion(cmd *cobra.Command, args []string) error {
	return withMigrationRunner(cmd, func(ctx context.Context, runner *migrations.MigrationRunner) error {
		version, err := runner.Version(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Current migration version: %d\n", version)
		return nil
	})
}

// withMigrationRunner opens the database from the environment without
// migrating it and hands fn a runner for it.
func withMigrationRunner(cmd *cobra.Command, fn func(context.Context, *migrations.MigrationRunner) error) error {
	dbConfig := database.ConfigFromEnv(zap.NewNop())
	dbConfig.SkipMigrations = true
	db, err := newDatabaseFromConfig(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmd.PrintErrf("Warning: Failed to close database connection: %v\n", closeErr)
		}
	}()

	runner, err := db.MigrationRunner()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), runner)
}
