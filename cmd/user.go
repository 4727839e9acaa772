package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GeminiLight/OverLink/internal/observability"
	"github.com/GeminiLight/OverLink/internal/registry"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage registry entries",
	}
	cmd.AddCommand(newUserAddCmd(a), newUserDeleteCmd(a), newUserListCmd(a))
	return cmd
}

func newUserAddCmd(a *app) *cobra.Command {
	var nickname, projectID, email string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := registry.Open(ctx, a.cfg, observability.GetLogger().Named("registry"))
			if err != nil {
				return err
			}
			defer closeStore()

			if _, err := store.Upsert(ctx, nickname, email, projectID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' added/updated successfully.\n", nickname)
			return nil
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "public name of the PDF")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Overleaf project id, share token or URL")
	cmd.Flags().StringVar(&email, "email", "", "owner email, required to delete through the API")
	_ = cmd.MarkFlagRequired("nickname")
	_ = cmd.MarkFlagRequired("project-id")
	return cmd
}

func newUserDeleteCmd(a *app) *cobra.Command {
	var nickname string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := registry.Open(ctx, a.cfg, observability.GetLogger().Named("registry"))
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Delete(ctx, nickname); err != nil {
				if errors.Is(err, registry.ErrNotFound) {
					return fmt.Errorf("user '%s' not found", nickname)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' deleted.\n", nickname)
			return nil
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname to delete")
	_ = cmd.MarkFlagRequired("nickname")
	return cmd
}

func newUserListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := registry.Open(ctx, a.cfg, observability.GetLogger().Named("registry"))
			if err != nil {
				return err
			}
			defer closeStore()

			entries, err := store.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NICKNAME\tEMAIL\tURL")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Username, e.Email, e.URL)
			}
			return tw.Flush()
		},
	}
}
