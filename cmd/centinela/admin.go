package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"centinela/internal/model"
	"centinela/internal/store"

	"github.com/spf13/cobra"
)

const adminTimeout = 10 * time.Second

// withStore opens the store for one admin command and closes it after.
func withStore(logger *slog.Logger, fn func(ctx context.Context, st *store.Store) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	st, err := store.Open(ctx, databaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return fn(ctx, st)
}

func newAPIKeyCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage collector API keys",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a key and print the plaintext once",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")
			name, _ := cmd.Flags().GetString("name")

			return withStore(logger, func(ctx context.Context, st *store.Store) error {
				key, plaintext, err := st.CreateAPIKey(ctx, tenantID, name)
				if err != nil {
					return err
				}
				// The hash is all we keep; this is the only time the
				// plaintext is available.
				fmt.Printf("id:     %s\n", key.ID)
				fmt.Printf("prefix: %s\n", key.Prefix)
				fmt.Printf("key:    %s\n", plaintext)
				return nil
			})
		},
	}
	createCmd.Flags().String("tenant", "", "tenant ID the key belongs to")
	createCmd.Flags().String("name", "", "display name, e.g. the site it is deployed at")
	createCmd.MarkFlagRequired("tenant")
	createCmd.MarkFlagRequired("name")

	revokeCmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Deactivate a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(logger, func(ctx context.Context, st *store.Store) error {
				if err := st.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked")
				return nil
			})
		},
	}

	cmd.AddCommand(createCmd, revokeCmd)
	return cmd
}

func newTenantCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			tier, _ := cmd.Flags().GetString("tier")
			locale, _ := cmd.Flags().GetString("locale")
			timezone, _ := cmd.Flags().GetString("timezone")

			return withStore(logger, func(ctx context.Context, st *store.Store) error {
				t, err := st.CreateTenant(ctx, model.Tenant{
					Name:          name,
					PlanTier:      tier,
					DefaultLocale: locale,
					Timezone:      timezone,
				})
				if err != nil {
					return err
				}
				fmt.Printf("id: %s\n", t.ID)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "tenant display name")
	createCmd.Flags().String("tier", "free", "plan tier: free, basic, pro, or enterprise")
	createCmd.Flags().String("locale", "en", "digest locale")
	createCmd.Flags().String("timezone", "UTC", "tenant timezone")
	createCmd.MarkFlagRequired("name")

	cmd.AddCommand(createCmd)
	return cmd
}
