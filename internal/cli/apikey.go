package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"printlog/internal/models"
)

func newAPIKeyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage REST API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCommand(opts), newAPIKeyListCommand(opts), newAPIKeyRevokeCommand(opts))
	return cmd
}

func newAPIKeyCreateCommand(opts *RootOptions) *cobra.Command {
	var (
		name    string
		expires time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a key and print it once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var expiresAt *time.Time
			if expires > 0 {
				t := time.Now().UTC().Add(expires)
				expiresAt = &t
			}
			plain, key, err := st.CreateAPIKey(ctx, name, expiresAt)
			if err != nil {
				return err
			}
			out := struct {
				Key    string        `json:"key"`
				APIKey models.APIKey `json:"api_key"`
			}{plain, key}
			return opts.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "created key %d (%s)\n%s\n", key.ID, key.Name, plain)
				fmt.Fprintln(w, "store it now, it cannot be shown again")
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().DurationVar(&expires, "expires", 0, "lifetime, e.g. 720h (default never)")
	return cmd
}

func newAPIKeyListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			keys, err := st.ListAPIKeys(ctx)
			if err != nil {
				return err
			}
			if keys == nil {
				keys = []models.APIKey{}
			}
			return opts.emit(cmd.OutOrStdout(), keys, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tACTIVE\tLAST USED")
				for _, k := range keys {
					lastUsed := "-"
					if k.LastUsed != nil {
						lastUsed = k.LastUsed.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", k.ID, k.Name, k.KeyPrefix, k.IsActive, lastUsed)
				}
				_ = tw.Flush()
			})
		},
	}
}

func newAPIKeyRevokeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Deactivate a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RevokeAPIKey(ctx, id); err != nil {
				return fmt.Errorf("revoke key %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked key %d\n", id)
			return nil
		},
	}
}
