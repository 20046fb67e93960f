package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"eventgate/internal/constants"
	"eventgate/internal/outbox"
	"eventgate/pkg/bootstrap"
)

func failedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and requeue dead-lettered outbox records",
	}
	cmd.AddCommand(failedListCmd(), failedRequeueCmd())
	return cmd
}

// withStore opens the outbox store for a one-off operator command. Only the
// database settings are required.
func withStore(fn func(ctx context.Context, store *outbox.PostgresStore) error) error {
	cfg, log, err := loadConfig(constants.ServiceMigrate)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dc := bootstrap.NewDatabaseConnector(cfg, log)
	db, err := dc.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, outbox.NewPostgresStore(db))
}

func failedListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List FAILED records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *outbox.PostgresStore) error {
				records, err := store.ListFailed(ctx, limit)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tEVENT ID\tRETRIES\tCREATED\tLAST ERROR")
				for _, r := range records {
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
						r.ID, r.EventID, r.RetryCount, r.CreatedAt.Format(time.RFC3339), r.LastError)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", constants.DefaultLimit, "Maximum number of records to list")
	return cmd
}

func failedRequeueCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Move FAILED records back to PENDING with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("pass record ids or --all")
			}

			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid record id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			return withStore(func(ctx context.Context, store *outbox.PostgresStore) error {
				n, err := store.RequeueFailed(ctx, ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "requeued %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Requeue every FAILED record")
	return cmd
}
