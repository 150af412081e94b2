package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"printlog/internal/history"
	"printlog/internal/models"
	"printlog/internal/reconcile"
	"printlog/internal/thumbnail"
)

// withImporter opens the store, resolves the printer and builds an importer
// for a one-shot run.
func (o *RootOptions) withImporter(ctx context.Context, printerID int64, fn func(*history.Importer, models.PrinterIdentity) error) error {
	st, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.GetPrinter(ctx, printerID)
	if err != nil {
		return fmt.Errorf("printer %d: %w", printerID, err)
	}
	thumbs, err := thumbnail.New(ctx, o.cfg)
	if err != nil {
		return err
	}
	imp := history.New(st, reconcile.New(st), history.Options{
		Thumbnails:     thumbs,
		HTTPTimeout:    o.cfg.MoonrakerHTTPTimeout,
		GcodeFetchRate: o.cfg.GcodeFetchRate,
	})
	return fn(imp, p.Identity())
}

func newImportCommand(opts *RootOptions) *cobra.Command {
	var (
		printerID int64
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a printer's job history now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				limit = opts.cfg.HistoryImportLimit
			}
			return opts.withImporter(cmd.Context(), printerID, func(imp *history.Importer, p models.PrinterIdentity) error {
				stats := imp.Import(cmd.Context(), p, limit)
				if err := opts.emit(cmd.OutOrStdout(), stats, func(w io.Writer) {
					fmt.Fprintf(w, "imported %d, updated %d, skipped %d, errors %d\n",
						stats.Imported, stats.Updated, stats.Skipped, stats.Errors)
				}); err != nil {
					return err
				}
				if stats.Errors > 0 && stats.Imported+stats.Updated+stats.Skipped == 0 {
					return fmt.Errorf("import from %s failed", p.URL)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&printerID, "printer", 0, "printer id (required)")
	_ = cmd.MarkFlagRequired("printer")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum history entries (default HISTORY_IMPORT_LIMIT)")
	return cmd
}

func newBackfillCommand(opts *RootOptions) *cobra.Command {
	var printerID int64
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch slicer details for jobs that have none",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withImporter(cmd.Context(), printerID, func(imp *history.Importer, p models.PrinterIdentity) error {
				stats := imp.BackfillDetails(cmd.Context(), p)
				return opts.emit(cmd.OutOrStdout(), stats, func(w io.Writer) {
					fmt.Fprintf(w, "processed %d, created %d, errors %d\n", stats.Processed, stats.Created, stats.Errors)
				})
			})
		},
	}
	cmd.Flags().Int64Var(&printerID, "printer", 0, "printer id (required)")
	_ = cmd.MarkFlagRequired("printer")
	return cmd
}
