// Package cli implements printlogctl, the admin command line for the printer
// directory, API keys and one-shot history imports.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"printlog/internal/config"
	"printlog/internal/logging"
	"printlog/internal/store"
)

// RootOptions holds global flags and the resolved configuration.
type RootOptions struct {
	Format   string // text or json
	Driver   string
	Database string
	DSN      string

	cfg config.Config
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the printlogctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "printlogctl",
		Short:         "Administer the printlog job ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.Driver != "" {
				cfg.DatabaseDriver = opts.Driver
			}
			if opts.Database != "" {
				cfg.DatabasePath = opts.Database
			}
			if opts.DSN != "" {
				cfg.PostgresDSN = opts.DSN
			}
			opts.cfg = cfg
			logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console", Output: cmd.ErrOrStderr()})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "database driver (sqlite|postgres), overrides DATABASE_DRIVER")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "sqlite database path, overrides DATABASE_PATH")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "postgres dsn, overrides POSTGRES_DSN")

	cmd.AddCommand(newAPIKeyCommand(opts))
	cmd.AddCommand(newPrinterCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newBackfillCommand(opts))
	return cmd
}

func (o *RootOptions) openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, store.OptionsFromConfig(o.cfg))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// emit writes v as JSON, or calls text when the format is text.
func (o *RootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
