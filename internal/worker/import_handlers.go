package worker

import (
	"context"
	"errors"
	"fmt"

	"printlog/internal/history"
	"printlog/internal/logging"
	"printlog/internal/models"
)

// ErrImportFailed marks a run that could not reach the controller at all.
var ErrImportFailed = errors.New("history import failed")

// PrinterLookup resolves the printer a task targets.
type PrinterLookup interface {
	GetPrinter(ctx context.Context, id int64) (models.Printer, error)
}

// HistoryRunner is satisfied by *history.Importer.
type HistoryRunner interface {
	Import(ctx context.Context, printer models.PrinterIdentity, limit int) history.Stats
	BackfillDetails(ctx context.Context, printer models.PrinterIdentity) history.BackfillStats
}

// ImportHandlers adapts the history importer to queue tasks.
type ImportHandlers struct {
	printers     PrinterLookup
	runner       HistoryRunner
	defaultLimit int
}

func NewImportHandlers(printers PrinterLookup, runner HistoryRunner, defaultLimit int) *ImportHandlers {
	if defaultLimit <= 0 {
		defaultLimit = 1000
	}
	return &ImportHandlers{printers: printers, runner: runner, defaultLimit: defaultLimit}
}

// Register binds both import task types on p.
func (h *ImportHandlers) Register(p *Processor) {
	p.RegisterHandler(models.TaskHistoryImport, h.HistoryImport)
	p.RegisterHandler(models.TaskBackfillDetails, h.BackfillDetails)
}

// resolve returns false when the printer was deactivated after enqueue.
func (h *ImportHandlers) resolve(ctx context.Context, task models.ImportTask) (models.PrinterIdentity, bool, error) {
	printer, err := h.printers.GetPrinter(ctx, task.PrinterID)
	if err != nil {
		return models.PrinterIdentity{}, false, fmt.Errorf("load printer %d: %w", task.PrinterID, err)
	}
	if !printer.IsActive {
		logging.Ctx(ctx).Info().Int64("printer_id", printer.ID).Msg("printer inactive, skipping task")
		return models.PrinterIdentity{}, false, nil
	}
	return printer.Identity(), true, nil
}

func (h *ImportHandlers) HistoryImport(ctx context.Context, task models.ImportTask) error {
	printer, ok, err := h.resolve(ctx, task)
	if err != nil || !ok {
		return err
	}
	limit := task.Limit
	if limit <= 0 {
		limit = h.defaultLimit
	}
	stats := h.runner.Import(ctx, printer, limit)
	if stats.Errors > 0 && stats.Imported == 0 && stats.Updated == 0 && stats.Skipped == 0 {
		return ErrImportFailed
	}
	return nil
}

func (h *ImportHandlers) BackfillDetails(ctx context.Context, task models.ImportTask) error {
	printer, ok, err := h.resolve(ctx, task)
	if err != nil || !ok {
		return err
	}
	stats := h.runner.BackfillDetails(ctx, printer)
	if stats.Processed == 0 && stats.Errors > 0 {
		return errors.New("backfill could not list jobs")
	}
	return nil
}
