package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/httpapi"
	"gstpos/backend/internal/store/sqlstore"
)

func newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage staff accounts",
	}

	var username, password, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an admin or cashier account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSQLStore(cmd.Context(), func(db *sqlstore.Store) error {
				if err := db.Migrate(); err != nil {
					return err
				}
				auth := httpapi.NewAuthManager(cmd.Context(), "", time.Hour, "", db)
				if err := auth.CreateUser(cmd.Context(), username, password, role); err != nil {
					return fmt.Errorf("create user: %w", err)
				}
				cmd.Printf("created %s account %q\n", role, username)
				return nil
			})
		},
	}
	add.Flags().StringVar(&username, "username", "", "login name, at least 4 characters")
	add.Flags().StringVar(&password, "password", "", "password, at least 6 characters")
	add.Flags().StringVar(&role, "role", domain.RoleCashier, "admin or cashier")
	_ = add.MarkFlagRequired("username")
	_ = add.MarkFlagRequired("password")

	cmd.AddCommand(add)
	return cmd
}
