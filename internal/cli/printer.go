package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"printlog/internal/models"
	"printlog/internal/store"
)

func newPrinterCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "printer",
		Short: "Manage the printer directory",
	}
	cmd.AddCommand(newPrinterAddCommand(opts), newPrinterListCommand(opts))
	return cmd
}

func newPrinterAddCommand(opts *RootOptions) *cobra.Command {
	var (
		params   store.CreatePrinterParams
		location string
		apiKey   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a printer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if location != "" {
				params.Location = &location
			}
			if apiKey != "" {
				params.MoonrakerAPIKey = &apiKey
			}
			p, err := st.CreatePrinter(ctx, params)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), p, func(w io.Writer) {
				fmt.Fprintf(w, "added printer %d (%s) at %s\n", p.ID, p.Name, p.MoonrakerURL)
			})
		},
	}
	cmd.Flags().StringVar(&params.Name, "name", "", "printer name (required)")
	_ = cmd.MarkFlagRequired("name")
	cmd.Flags().StringVar(&params.MoonrakerURL, "url", "", "moonraker base url, e.g. http://voron.local:7125 (required)")
	_ = cmd.MarkFlagRequired("url")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "moonraker api key")
	cmd.Flags().StringVar(&location, "location", "", "free-form location")
	cmd.Flags().BoolVar(&params.Inactive, "inactive", false, "register without connecting")
	return cmd
}

func newPrinterListCommand(opts *RootOptions) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List printers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			printers, err := st.ListPrinters(ctx, activeOnly)
			if err != nil {
				return err
			}
			if printers == nil {
				printers = []models.Printer{}
			}
			return opts.emit(cmd.OutOrStdout(), printers, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tURL\tACTIVE\tLAST SEEN")
				for _, p := range printers {
					lastSeen := "-"
					if p.LastSeen != nil {
						lastSeen = p.LastSeen.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", p.ID, p.Name, p.MoonrakerURL, p.IsActive, lastSeen)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active printers")
	return cmd
}
