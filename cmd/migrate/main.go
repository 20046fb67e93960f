package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/spf13/cobra"

	"eventgate/internal/config"
	"eventgate/internal/constants"
	"eventgate/internal/logger"
	"eventgate/pkg/bootstrap"
	"eventgate/pkg/logging"
	"eventgate/pkg/migrations"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migrations",
		Long:  "Waits for PostgreSQL to accept connections, then applies the embedded schema migrations",
		RunE:  upCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	rootCmd.AddCommand(upCmd(), downCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withDatabase loads config, opens Postgres and waits until it answers.
func withDatabase(fn func(ctx context.Context, db *sql.DB, log logger.Logger) error) error {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	cfg, err := config.Load(configFile, constants.ServiceMigrate)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return err
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := bootstrap.WaitForPostgres(ctx, db, log); err != nil {
		log.ErrorwCtx(ctx, "Database is not reachable", "error", err)
		return err
	}

	return fn(ctx, db, log)
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(ctx context.Context, db *sql.DB, log logger.Logger) error {
				if err := migrations.Up(db); err != nil {
					log.ErrorwCtx(ctx, "Migration failed", "error", err)
					return err
				}
				version, _, err := migrations.Version(db)
				if err != nil {
					return err
				}
				log.InfowCtx(ctx, "Migrations complete", "version", version)
				return nil
			})
		},
	}
}

func downCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			return withDatabase(func(ctx context.Context, db *sql.DB, log logger.Logger) error {
				if err := migrations.Down(db, steps); err != nil {
					log.ErrorwCtx(ctx, "Rollback failed", "error", err)
					return err
				}
				log.InfowCtx(ctx, "Rolled back migrations", "steps", steps)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(ctx context.Context, db *sql.DB, _ logger.Logger) error {
				version, dirty, err := migrations.Version(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "version %d (dirty: %t)\n", version, dirty)
				return nil
			})
		},
	}
}
