// Package reconcile merges the live status stream and the history stream of
// each printer into the job ledger.
//
// Every event is applied in one ledger transaction and leaves at most one
// printing or paused job per printer.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"printlog/internal/logging"
	"printlog/internal/models"
	"printlog/internal/moonraker"
	"printlog/internal/store"
	"printlog/internal/telemetry"
)

// Controller print_stats states.
const (
	StatePrinting = "printing"
	StatePaused   = "paused"
	StateComplete = "complete"
	StateError    = "error"
	StateStandby  = "standby"
)

// Controller history actions.
const (
	ActionFinished = "finished"
	ActionAdded    = "added"
	ActionDeleted  = "deleted"
)

// DefaultMatchWindow bounds clock skew between the controller and this
// service when matching a synthetic job to an authoritative one.
const DefaultMatchWindow = 10 * time.Minute

// Ledger is the transactional store the reconciler writes to.
type Ledger interface {
	WithTx(ctx context.Context, fn func(*store.Tx) error) error
}

// Outcome classifies what an authoritative upsert did to the ledger.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeImported
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeImported:
		return "imported"
	case OutcomeUpdated:
		return "updated"
	default:
		return "skipped"
	}
}

// Reconciler applies status and history events of every printer to the ledger.
type Reconciler struct {
	ledger      Ledger
	now         func() time.Time
	matchWindow time.Duration
}

// New returns a Reconciler writing to ledger with the default match window.
func New(ledger Ledger) *Reconciler {
	return &Reconciler{
		ledger:      ledger,
		now:         func() time.Time { return time.Now().UTC() },
		matchWindow: DefaultMatchWindow,
	}
}

// SetClock overrides the time source for tests.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = func() time.Time { return now().UTC() }
}

// HandleStatus applies one print_stats update.
func (r *Reconciler) HandleStatus(ctx context.Context, printerID int64, u *moonraker.StatusUpdate) error {
	now := r.now()
	return r.ledger.WithTx(ctx, func(tx *store.Tx) error {
		if u.PrintStats != nil {
			var err error
			if u.PrintStats.State == nil {
				err = r.applyMetricsTick(ctx, tx, printerID, u.PrintStats)
			} else {
				err = r.applyState(ctx, tx, printerID, u.PrintStats, now)
			}
			if err != nil {
				return err
			}
		}
		return tx.TouchLastSeen(ctx, printerID, now)
	})
}

func (r *Reconciler) applyMetricsTick(ctx context.Context, tx *store.Tx, printerID int64, ps *moonraker.PrintStats) error {
	if ps.PrintDuration == nil && ps.FilamentUsed == nil {
		return nil
	}
	job, err := tx.FindOpen(ctx, printerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !raiseCounters(&job, ps) {
		return nil
	}
	return tx.SaveJob(ctx, job)
}

func (r *Reconciler) applyState(ctx context.Context, tx *store.Tx, printerID int64, ps *moonraker.PrintStats, now time.Time) error {
	state := *ps.State
	filename, err := r.stateFilename(ctx, tx, printerID, ps)
	if err != nil {
		return err
	}
	log := logging.With().Int64("printer_id", printerID).Str("state", state).Str("filename", filename).Logger()

	switch state {
	case StatePrinting, StatePaused:
		status := models.StatusPrinting
		if state == StatePaused {
			status = models.StatusPaused
		}
		job, err := r.openOrCreate(ctx, tx, printerID, filename, status, ps, now)
		if err != nil {
			return err
		}
		log.Debug().Str("job_id", job.JobID).Msg("active job updated")
		return r.demoteOthers(ctx, tx, printerID, job.ID, now)

	case StateComplete, StateError:
		final := models.StatusCompleted
		if state == StateError {
			final = models.StatusError
		}
		job, err := r.finalize(ctx, tx, printerID, filename, final, ps, now)
		if err != nil {
			return err
		}
		log.Info().Str("job_id", job.JobID).Str("status", string(final)).Msg("job finalized")
		if err := r.demoteOthers(ctx, tx, printerID, job.ID, now); err != nil {
			return err
		}
		_, err = tx.RecomputeTotals(ctx, printerID)
		return err

	case StateStandby:
		return r.demoteOthers(ctx, tx, printerID, 0, now)

	default:
		log.Info().Msg("ignoring unhandled printer state")
		return nil
	}
}

// stateFilename resolves the file a state change refers to. Deltas that omit
// the filename refer to the printer's open job, if any.
func (r *Reconciler) stateFilename(ctx context.Context, tx *store.Tx, printerID int64, ps *moonraker.PrintStats) (string, error) {
	if name := deref(ps.Filename); name != "" {
		return models.NormalizeFilename(name), nil
	}
	open, err := tx.FindOpen(ctx, printerID)
	switch {
	case err == nil:
		return open.Filename, nil
	case errors.Is(err, store.ErrNotFound):
		return models.NormalizeFilename(""), nil
	default:
		return "", err
	}
}

// openOrCreate updates the open job for filename, or starts a synthetic one.
// A cancelled or finished job for the same file is never reopened.
func (r *Reconciler) openOrCreate(ctx context.Context, tx *store.Tx, printerID int64, filename string,
	status models.JobStatus, ps *moonraker.PrintStats, now time.Time) (models.PrintJob, error) {
	job, err := tx.FindOpenByFilename(ctx, printerID, filename)
	switch {
	case err == nil:
		changed := raiseCounters(&job, ps)
		if job.Status != status {
			job.Status = status
			changed = true
		}
		if !changed {
			return job, nil
		}
		return job, tx.SaveJob(ctx, job)
	case !errors.Is(err, store.ErrNotFound):
		return models.PrintJob{}, err
	}

	key, err := tx.NextSyntheticKey(ctx, printerID, filename)
	if err != nil {
		return models.PrintJob{}, err
	}
	job, _, err = tx.UpsertJob(ctx, printerID, key.String(), models.JobFields{
		Filename:      filename,
		Status:        status,
		StartTime:     now,
		PrintDuration: derefFloat(ps.PrintDuration),
		FilamentUsed:  derefFloat(ps.FilamentUsed),
		Synthetic:     true,
	})
	if err != nil {
		return models.PrintJob{}, fmt.Errorf("create synthetic job: %w", err)
	}
	logging.Info().Int64("printer_id", printerID).Str("job_id", job.JobID).Msg("synthetic job created")
	return job, nil
}

func (r *Reconciler) finalize(ctx context.Context, tx *store.Tx, printerID int64, filename string,
	final models.JobStatus, ps *moonraker.PrintStats, now time.Time) (models.PrintJob, error) {
	job, err := tx.FindOpenByFilename(ctx, printerID, filename)
	if err == nil {
		raiseCounters(&job, ps)
		job.Status = final
		end := now
		job.EndTime = &end
		if job.TotalDuration == nil {
			d := end.Sub(job.StartTime).Seconds()
			job.TotalDuration = &d
		}
		return job, tx.SaveJob(ctx, job)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.PrintJob{}, err
	}

	// The controller keeps reporting a terminal state until the next print,
	// so a repeat of the latest outcome is a replay.
	latest, err := tx.FindLatestByFilename(ctx, printerID, filename)
	if err == nil && latest.Status == final {
		if raiseCounters(&latest, ps) {
			return latest, tx.SaveJob(ctx, latest)
		}
		return latest, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.PrintJob{}, err
	}

	key, err := tx.NextSyntheticKey(ctx, printerID, filename)
	if err != nil {
		return models.PrintJob{}, err
	}
	end := now
	job, _, err = tx.UpsertJob(ctx, printerID, key.String(), models.JobFields{
		Filename:      filename,
		Status:        final,
		StartTime:     now,
		EndTime:       &end,
		PrintDuration: derefFloat(ps.PrintDuration),
		FilamentUsed:  derefFloat(ps.FilamentUsed),
		Synthetic:     true,
	})
	if err != nil {
		return models.PrintJob{}, fmt.Errorf("create terminal synthetic job: %w", err)
	}
	return job, nil
}

func (r *Reconciler) demoteOthers(ctx context.Context, tx *store.Tx, printerID, keepID int64, now time.Time) error {
	demoted, err := tx.DemoteOpen(ctx, printerID, keepID, now)
	if err != nil {
		return fmt.Errorf("demote open jobs: %w", err)
	}
	for _, j := range demoted {
		logging.Info().Int64("printer_id", printerID).Str("job_id", j.JobID).Str("filename", j.Filename).Msg("stale job cancelled")
	}
	telemetry.JobsDemoted.Add(float64(len(demoted)))
	return nil
}

// HandleHistory applies one history notification.
func (r *Reconciler) HandleHistory(ctx context.Context, printerID int64, h *moonraker.HistoryChanged) error {
	if h.Action == "" || h.Job == nil {
		logging.Debug().Int64("printer_id", printerID).Msg("history change without action or job")
		return nil
	}
	now := r.now()
	log := logging.With().Int64("printer_id", printerID).Str("action", h.Action).Str("job_id", h.Job.JobID).Logger()

	return r.ledger.WithTx(ctx, func(tx *store.Tx) error {
		switch h.Action {
		case ActionFinished:
			job, _, err := r.ApplyHistoryJob(ctx, tx, printerID, *h.Job)
			if err != nil {
				return err
			}
			log.Info().Str("status", string(job.Status)).Msg("history job finished")
			if _, err := tx.RecomputeTotals(ctx, printerID); err != nil {
				return err
			}

		case ActionAdded:
			if existing, err := tx.GetJob(ctx, printerID, h.Job.JobID); err == nil && existing.Status.IsTerminal() {
				log.Debug().Msg("history job already finished")
				break
			} else if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			added := *h.Job
			added.Status = "in_progress"
			added.EndTime = nil
			job, _, err := r.ApplyHistoryJob(ctx, tx, printerID, added)
			if err != nil {
				return err
			}
			log.Info().Msg("history job added")
			if err := r.demoteOthers(ctx, tx, printerID, job.ID, now); err != nil {
				return err
			}

		case ActionDeleted:
			log.Info().Msg("history job deleted on controller; ledger keeps it")

		default:
			log.Debug().Msg("ignoring unknown history action")
		}
		return tx.TouchLastSeen(ctx, printerID, now)
	})
}

// ApplyHistoryJob upserts an authoritative job inside tx. When the id is new
// a matching synthetic job is adopted instead of inserting a second row. When
// the job is terminal, other open jobs for the same print are collapsed into it.
func (r *Reconciler) ApplyHistoryJob(ctx context.Context, tx *store.Tx, printerID int64, hj moonraker.HistoryJob) (models.PrintJob, Outcome, error) {
	if hj.JobID == "" {
		return models.PrintJob{}, OutcomeSkipped, errors.New("history job without job_id")
	}
	fields := r.historyFields(hj)

	var (
		job     models.PrintJob
		outcome Outcome
	)
	existing, err := tx.GetJob(ctx, printerID, hj.JobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		adopt, found, err := r.findAdoptable(ctx, tx, printerID, fields)
		if err != nil {
			return models.PrintJob{}, OutcomeSkipped, err
		}
		if found {
			from := adopt.JobID
			applyFields(&adopt, fields)
			adopt.JobID = hj.JobID
			adopt.Synthetic = false
			if err := tx.SaveJob(ctx, adopt); err != nil {
				return models.PrintJob{}, OutcomeSkipped, err
			}
			logging.Info().Int64("printer_id", printerID).Str("from", from).Str("job_id", hj.JobID).Msg("synthetic job adopted")
			job, outcome = adopt, OutcomeUpdated
		} else {
			job, _, err = tx.UpsertJob(ctx, printerID, hj.JobID, fields)
			if err != nil {
				return models.PrintJob{}, OutcomeSkipped, err
			}
			outcome = OutcomeImported
		}

	case err != nil:
		return models.PrintJob{}, OutcomeSkipped, err

	default:
		job = existing
		outcome = OutcomeSkipped
		if !sameFields(existing, fields) {
			job, _, err = tx.UpsertJob(ctx, printerID, hj.JobID, fields)
			if err != nil {
				return models.PrintJob{}, OutcomeSkipped, err
			}
			outcome = OutcomeUpdated
		}
	}

	if job.Status.IsTerminal() {
		if err := r.collapseDuplicates(ctx, tx, job); err != nil {
			return models.PrintJob{}, OutcomeSkipped, err
		}
	}
	return job, outcome, nil
}

// findAdoptable returns the unmerged synthetic job for the file that ran
// during the authoritative job and started closest to it.
func (r *Reconciler) findAdoptable(ctx context.Context, tx *store.Tx, printerID int64, f models.JobFields) (models.PrintJob, bool, error) {
	candidates, err := tx.ListSyntheticByFilename(ctx, printerID, f.Filename)
	if err != nil {
		return models.PrintJob{}, false, err
	}
	var (
		best     *models.PrintJob
		bestDist time.Duration
	)
	for i := range candidates {
		c := &candidates[i]
		if !r.overlaps(*c, f) {
			continue
		}
		dist := c.StartTime.Sub(f.StartTime)
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < bestDist || (dist == bestDist && c.Status.IsOpen()) {
			best, bestDist = c, dist
		}
	}
	if best == nil {
		return r.findObservedOutcome(ctx, tx, printerID, f, candidates)
	}
	return *best, true, nil
}

// findObservedOutcome handles a terminal state seen on connect with no job in
// flight. That record was stamped when observed, after the print ended, so it
// cannot overlap; it belongs to the newest authoritative run of the file.
func (r *Reconciler) findObservedOutcome(ctx context.Context, tx *store.Tx, printerID int64, f models.JobFields,
	candidates []models.PrintJob) (models.PrintJob, bool, error) {
	if !f.Status.IsTerminal() || f.EndTime == nil {
		return models.PrintJob{}, false, nil
	}
	var best *models.PrintJob
	for i := range candidates {
		c := &candidates[i]
		if !observedOutcome(*c) || c.StartTime.Before(f.StartTime.Add(-r.matchWindow)) {
			continue
		}
		if best == nil || c.StartTime.Before(best.StartTime) {
			best = c
		}
	}
	if best == nil {
		return models.PrintJob{}, false, nil
	}

	jobs, err := tx.ListJobs(ctx, store.JobFilter{PrinterID: printerID, Filename: f.Filename})
	if err != nil {
		return models.PrintJob{}, false, err
	}
	for _, j := range jobs {
		if !j.Synthetic && j.StartTime.After(f.StartTime) {
			return models.PrintJob{}, false, nil
		}
	}
	return *best, true, nil
}

// observedOutcome reports whether j is a terminal synthetic created from a
// connect snapshot rather than from a print seen running.
func observedOutcome(j models.PrintJob) bool {
	return j.Synthetic && j.Status.IsTerminal() && j.TotalDuration == nil &&
		j.EndTime != nil && j.EndTime.Equal(j.StartTime)
}

// overlaps reports whether job j started during the authoritative run. The
// window allows for clock skew at the start; a job first seen after the
// authoritative end belongs to a later print.
func (r *Reconciler) overlaps(j models.PrintJob, f models.JobFields) bool {
	if j.StartTime.Before(f.StartTime.Add(-r.matchWindow)) {
		return false
	}
	return f.EndTime == nil || !j.StartTime.After(*f.EndTime)
}

// collapseDuplicates closes other open jobs for the same print, copying the
// authoritative outcome and recording which job they were merged into. Open
// jobs for the file that started before the run are leftovers and get
// cancelled; ones that started after it ended are a later print and stay open.
func (r *Reconciler) collapseDuplicates(ctx context.Context, tx *store.Tx, auth models.PrintJob) error {
	open, err := tx.ListOpen(ctx, auth.PrinterID)
	if err != nil {
		return err
	}
	f := models.JobFields{StartTime: auth.StartTime, EndTime: auth.EndTime}
	for _, j := range open {
		if j.ID == auth.ID || j.Filename != auth.Filename {
			continue
		}
		if !r.overlaps(j, f) {
			if !j.StartTime.Before(auth.StartTime) {
				continue
			}
			end := r.now()
			j.Status = models.StatusCancelled
			j.EndTime = &end
			if err := tx.SaveJob(ctx, j); err != nil {
				return err
			}
			telemetry.JobsDemoted.Inc()
			logging.Info().Int64("printer_id", auth.PrinterID).Str("job_id", j.JobID).Msg("stale job cancelled")
			continue
		}
		j.Status = auth.Status
		j.EndTime = auth.EndTime
		j.PrintDuration = auth.PrintDuration
		j.TotalDuration = auth.TotalDuration
		j.FilamentUsed = auth.FilamentUsed
		merged := auth.JobID
		j.MergedInto = &merged
		if err := tx.SaveJob(ctx, j); err != nil {
			return err
		}
		telemetry.JobsMerged.Inc()
		logging.Info().Int64("printer_id", auth.PrinterID).Str("job_id", j.JobID).Str("merged_into", merged).Msg("duplicate job collapsed")
	}
	return nil
}

func (r *Reconciler) historyFields(hj moonraker.HistoryJob) models.JobFields {
	start, ok := parseUnix(hj.StartTime)
	if !ok {
		start = r.now()
	}
	var end *time.Time
	if t, ok := parseUnix(hj.EndTime); ok {
		end = &t
	}
	total := hj.TotalDuration
	if total == nil || *total == 0 {
		d := hj.PrintDuration
		total = &d
	}
	return models.JobFields{
		Filename:      models.NormalizeFilename(hj.Filename),
		Status:        MapHistoryStatus(hj.Status),
		StartTime:     start,
		EndTime:       end,
		PrintDuration: hj.PrintDuration,
		TotalDuration: total,
		FilamentUsed:  hj.FilamentUsed,
		Metadata:      hj.Metadata,
	}
}

// MapHistoryStatus converts a controller history status to a ledger status.
// Interrupted runs (klippy_shutdown, server_exit, ...) are recorded as errors.
func MapHistoryStatus(s string) models.JobStatus {
	switch s {
	case "", "completed":
		return models.StatusCompleted
	case "in_progress", "printing":
		return models.StatusPrinting
	case "paused":
		return models.StatusPaused
	case "cancelled":
		return models.StatusCancelled
	default:
		return models.StatusError
	}
}

func parseUnix(v *float64) (time.Time, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v <= 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(*v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC().Truncate(time.Microsecond), true
}

func applyFields(j *models.PrintJob, f models.JobFields) {
	j.Filename = f.Filename
	j.Status = f.Status
	j.StartTime = f.StartTime
	j.EndTime = f.EndTime
	j.PrintDuration = f.PrintDuration
	j.TotalDuration = f.TotalDuration
	j.FilamentUsed = f.FilamentUsed
	j.Metadata = f.Metadata
}

func sameFields(j models.PrintJob, f models.JobFields) bool {
	if j.Filename != f.Filename || j.Status != f.Status || !j.StartTime.Equal(f.StartTime) ||
		j.PrintDuration != f.PrintDuration || j.FilamentUsed != f.FilamentUsed || j.Synthetic {
		return false
	}
	if (j.EndTime == nil) != (f.EndTime == nil) || (j.EndTime != nil && !j.EndTime.Equal(*f.EndTime)) {
		return false
	}
	if (j.TotalDuration == nil) != (f.TotalDuration == nil) || (j.TotalDuration != nil && *j.TotalDuration != *f.TotalDuration) {
		return false
	}
	if len(j.Metadata) == 0 && len(f.Metadata) == 0 {
		return true
	}
	return reflect.DeepEqual(j.Metadata, f.Metadata)
}

// raiseCounters applies cumulative counters without ever lowering them.
func raiseCounters(j *models.PrintJob, ps *moonraker.PrintStats) bool {
	changed := false
	if ps.PrintDuration != nil && *ps.PrintDuration > j.PrintDuration {
		j.PrintDuration = *ps.PrintDuration
		changed = true
	}
	if ps.FilamentUsed != nil && *ps.FilamentUsed > j.FilamentUsed {
		j.FilamentUsed = *ps.FilamentUsed
		changed = true
	}
	return changed
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
