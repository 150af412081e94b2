// Package history pulls a controller's job history over REST and reconciles
// it against the ledger.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"printlog/internal/gcode"
	"printlog/internal/logging"
	"printlog/internal/models"
	"printlog/internal/moonraker"
	"printlog/internal/reconcile"
	"printlog/internal/store"
	"printlog/internal/telemetry"
)

// Ledger is the storage the importer needs.
type Ledger interface {
	reconcile.Ledger
	RecomputeTotals(ctx context.Context, printerID int64) (models.JobTotals, error)
	JobsWithoutDetails(ctx context.Context, printerID int64) ([]models.PrintJob, error)
	UpsertJobDetails(ctx context.Context, d models.JobDetails) error
}

// Source is a controller's REST API.
type Source interface {
	HistoryList(ctx context.Context, limit, start int) ([]moonraker.HistoryJob, int, error)
	FetchGcode(ctx context.Context, filename string) (string, error)
}

// ThumbnailSaver stores a job's preview image and returns its location.
type ThumbnailSaver interface {
	Save(ctx context.Context, printerID, printJobID int64, png []byte) (string, error)
}

type Options struct {
	Thumbnails  ThumbnailSaver
	HTTPTimeout time.Duration
	// GcodeFetchRate is gcode downloads per second across all printers. Zero
	// means unlimited.
	GcodeFetchRate float64
	PageSize       int
}

// Stats counts import outcomes. A failed history fetch is a single error.
type Stats struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

func (s Stats) changed() bool { return s.Imported > 0 || s.Updated > 0 }

type BackfillStats struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Errors    int `json:"errors"`
}

type Importer struct {
	ledger     Ledger
	reconciler *reconcile.Reconciler
	thumbs     ThumbnailSaver
	limiter    *rate.Limiter
	timeout    time.Duration
	pageSize   int

	mu        sync.Mutex
	sources   map[string]Source
	newSource func(models.PrinterIdentity) Source
}

func New(ledger Ledger, rec *reconcile.Reconciler, opts Options) *Importer {
	limit := rate.Inf
	if opts.GcodeFetchRate > 0 {
		limit = rate.Limit(opts.GcodeFetchRate)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	imp := &Importer{
		ledger:     ledger,
		reconciler: rec,
		thumbs:     opts.Thumbnails,
		limiter:    rate.NewLimiter(limit, 1),
		timeout:    opts.HTTPTimeout,
		pageSize:   opts.PageSize,
		sources:    make(map[string]Source),
	}
	imp.newSource = func(p models.PrinterIdentity) Source {
		return moonraker.NewHTTPClient(p.URL, p.APIKey, imp.timeout)
	}
	return imp
}

// SetSourceFactory replaces how REST clients are built.
func (i *Importer) SetSourceFactory(fn func(models.PrinterIdentity) Source) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.newSource = fn
	i.sources = make(map[string]Source)
}

// source reuses one client per controller so its breaker state survives
// between imports.
func (i *Importer) source(p models.PrinterIdentity) Source {
	key := p.URL + "\x00" + p.APIKey
	i.mu.Lock()
	defer i.mu.Unlock()
	src, ok := i.sources[key]
	if !ok {
		src = i.newSource(p)
		i.sources[key] = src
	}
	return src
}

// Import reconciles up to limit history entries of one printer. It never
// returns an error; failures are counted.
func (i *Importer) Import(ctx context.Context, printer models.PrinterIdentity, limit int) Stats {
	log := logging.Ctx(ctx).With().Int64("printer_id", printer.ID).Logger()
	var stats Stats
	src := i.source(printer)

	entries, err := i.fetchAll(ctx, src, limit)
	if err != nil && len(entries) == 0 {
		log.Error().Err(err).Msg("failed to fetch history")
		telemetry.ImportOutcomes.WithLabelValues("error").Inc()
		return Stats{Errors: 1}
	}
	if err != nil {
		log.Warn().Err(err).Int("fetched", len(entries)).Msg("history fetch stopped early")
		stats.Errors++
	}
	log.Info().Int("entries", len(entries)).Msg("importing history")

	for _, hj := range entries {
		var (
			job     models.PrintJob
			outcome reconcile.Outcome
		)
		err := i.ledger.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			job, outcome, err = i.reconciler.ApplyHistoryJob(ctx, tx, printer.ID, hj)
			return err
		})
		if err != nil {
			log.Error().Err(err).Str("job_id", hj.JobID).Msg("failed to import job")
			stats.Errors++
			telemetry.ImportOutcomes.WithLabelValues("error").Inc()
			continue
		}
		telemetry.ImportOutcomes.WithLabelValues(outcome.String()).Inc()

		switch outcome {
		case reconcile.OutcomeImported:
			stats.Imported++
			if err := i.fetchDetails(ctx, src, printer.ID, job); err != nil {
				log.Debug().Err(err).Str("filename", job.Filename).Msg("no details for imported job")
			}
		case reconcile.OutcomeUpdated:
			stats.Updated++
		default:
			stats.Skipped++
		}
	}

	if stats.changed() {
		if _, err := i.ledger.RecomputeTotals(ctx, printer.ID); err != nil {
			log.Error().Err(err).Msg("failed to recompute totals")
		}
	}

	log.Info().Int("imported", stats.Imported).Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).Int("errors", stats.Errors).Msg("history import complete")
	return stats
}

// fetchAll pages through the history list until limit entries or the end.
func (i *Importer) fetchAll(ctx context.Context, src Source, limit int) ([]moonraker.HistoryJob, error) {
	var out []moonraker.HistoryJob
	for len(out) < limit {
		want := min(i.pageSize, limit-len(out))
		page, total, err := src.HistoryList(ctx, want, len(out))
		if err != nil {
			return out, err
		}
		out = append(out, page...)
		if len(page) < want || len(out) >= total {
			break
		}
	}
	return out, nil
}

// BackfillDetails fetches and parses the gcode of every job that has no
// details yet. Per-job failures are counted and skipped.
func (i *Importer) BackfillDetails(ctx context.Context, printer models.PrinterIdentity) BackfillStats {
	log := logging.Ctx(ctx).With().Int64("printer_id", printer.ID).Logger()
	var stats BackfillStats

	jobs, err := i.ledger.JobsWithoutDetails(ctx, printer.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to list jobs without details")
		return BackfillStats{Errors: 1}
	}
	log.Info().Int("jobs", len(jobs)).Msg("backfilling job details")

	src := i.source(printer)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		stats.Processed++
		if err := i.fetchDetails(ctx, src, printer.ID, job); err != nil {
			log.Debug().Err(err).Str("filename", job.Filename).Msg("backfill failed")
			stats.Errors++
			continue
		}
		stats.Created++
	}

	log.Info().Int("processed", stats.Processed).Int("created", stats.Created).
		Int("errors", stats.Errors).Msg("backfill complete")
	return stats
}

func (i *Importer) fetchDetails(ctx context.Context, src Source, printerID int64, job models.PrintJob) error {
	if job.Filename == "" || job.Filename == "unknown" {
		return errors.New("job has no filename")
	}
	if err := i.limiter.Wait(ctx); err != nil {
		return err
	}
	text, err := src.FetchGcode(ctx, job.Filename)
	if err != nil {
		return err
	}
	md, err := gcode.ParseString(text)
	if err != nil {
		return fmt.Errorf("parse %s: %w", job.Filename, err)
	}

	details := md.Details
	details.PrintJobID = job.ID
	if md.Thumbnail != nil && i.thumbs != nil {
		loc, err := i.thumbs.Save(ctx, printerID, job.ID, md.Thumbnail.PNG)
		if err != nil {
			logging.Warn().Err(err).Int64("print_job_id", job.ID).Msg("failed to store thumbnail")
		} else {
			details.ThumbnailPath = &loc
		}
	}
	return i.ledger.UpsertJobDetails(ctx, details)
}
