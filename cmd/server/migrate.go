package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"gstpos/backend/internal/config"
	"gstpos/backend/internal/store/sqlstore"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema for the postgres and sqlite backends",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSQLStore(cmd.Context(), func(db *sqlstore.Store) error {
				if err := db.Migrate(); err != nil {
					return err
				}
				return printVersion(cmd, db)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down <steps>",
		Short: "Roll back the given number of migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := strconv.Atoi(args[0])
			if err != nil || steps < 1 {
				return fmt.Errorf("steps must be a positive integer, got %q", args[0])
			}
			return withSQLStore(cmd.Context(), func(db *sqlstore.Store) error {
				if err := db.MigrateDown(steps); err != nil {
					return err
				}
				return printVersion(cmd, db)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSQLStore(cmd.Context(), func(db *sqlstore.Store) error {
				return printVersion(cmd, db)
			})
		},
	})

	return cmd
}

func withSQLStore(parent context.Context, fn func(db *sqlstore.Store) error) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()

	db, err := openSQLStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func printVersion(cmd *cobra.Command, db *sqlstore.Store) error {
	version, dirty, err := db.SchemaVersion()
	if err != nil {
		return err
	}
	if dirty {
		cmd.Printf("schema version %d (dirty)\n", version)
		return nil
	}
	cmd.Printf("schema version %d\n", version)
	return nil
}
