package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"printlog/internal/models"
)

const jobColumns = `id, printer_id, job_id, filename, status, start_time, end_time, print_duration,
	total_duration, filament_used, metadata, synthetic, merged_into, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (models.PrintJob, error) {
	var (
		j        models.PrintJob
		status   string
		endTime  sql.NullTime
		totalDur sql.NullFloat64
		meta     sql.NullString
		merged   sql.NullString
	)
	if err := r.Scan(&j.ID, &j.PrinterID, &j.JobID, &j.Filename, &status, &j.StartTime, &endTime,
		&j.PrintDuration, &totalDur, &j.FilamentUsed, &meta, &j.Synthetic, &merged, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.PrintJob{}, err
	}
	j.Status = models.JobStatus(status)
	j.StartTime = j.StartTime.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.EndTime = timePtr(endTime)
	j.TotalDuration = floatPtr(totalDur)
	j.MergedInto = stringPtr(merged)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &j.Metadata); err != nil {
			return models.PrintJob{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return j, nil
}

func (o ops) getJob(ctx context.Context, where string, args ...any) (models.PrintJob, error) {
	j, err := scanJob(o.queryRow(ctx, `SELECT `+jobColumns+` FROM print_jobs WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PrintJob{}, ErrNotFound
	}
	if err != nil {
		return models.PrintJob{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

func (o ops) listJobs(ctx context.Context, where string, args ...any) ([]models.PrintJob, error) {
	rows, err := o.query(ctx, `SELECT `+jobColumns+` FROM print_jobs WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.PrintJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetJob fetches a job by its natural key.
func (o ops) GetJob(ctx context.Context, printerID int64, jobID string) (models.PrintJob, error) {
	return o.getJob(ctx, `printer_id = ? AND job_id = ?`, printerID, jobID)
}

// GetJobByID fetches a job by surrogate id.
func (o ops) GetJobByID(ctx context.Context, id int64) (models.PrintJob, error) {
	return o.getJob(ctx, `id = ?`, id)
}

// UpsertJob inserts or overwrites the job keyed by (printerID, jobID).
// created reports whether a new row was inserted.
func (o ops) UpsertJob(ctx context.Context, printerID int64, jobID string, f models.JobFields) (job models.PrintJob, created bool, err error) {
	meta, err := marshalMetadata(f.Metadata)
	if err != nil {
		return models.PrintJob{}, false, err
	}
	now := o.now()

	_, err = o.GetJob(ctx, printerID, jobID)
	switch {
	case errors.Is(err, ErrNotFound):
		created = true
	case err != nil:
		return models.PrintJob{}, false, err
	}

	_, err = o.exec(ctx, `
		INSERT INTO print_jobs (printer_id, job_id, filename, status, start_time, end_time, print_duration,
			total_duration, filament_used, metadata, synthetic, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (printer_id, job_id) DO UPDATE SET
			filename = excluded.filename,
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			print_duration = excluded.print_duration,
			total_duration = excluded.total_duration,
			filament_used = excluded.filament_used,
			metadata = excluded.metadata,
			synthetic = excluded.synthetic,
			updated_at = excluded.updated_at
	`, printerID, jobID, f.Filename, string(f.Status), f.StartTime.UTC(), nullTime(f.EndTime), f.PrintDuration,
		nullFloat(f.TotalDuration), f.FilamentUsed, meta, f.Synthetic, now, now)
	if err != nil {
		return models.PrintJob{}, false, fmt.Errorf("upsert job: %w", err)
	}

	job, err = o.GetJob(ctx, printerID, jobID)
	if err != nil {
		return models.PrintJob{}, false, err
	}
	return job, created, nil
}

// SaveJob writes every mutable column of j back to its row, including job_id.
func (o ops) SaveJob(ctx context.Context, j models.PrintJob) error {
	meta, err := marshalMetadata(j.Metadata)
	if err != nil {
		return err
	}
	res, err := o.exec(ctx, `
		UPDATE print_jobs SET job_id = ?, filename = ?, status = ?, start_time = ?, end_time = ?,
			print_duration = ?, total_duration = ?, filament_used = ?, metadata = ?, synthetic = ?,
			merged_into = ?, updated_at = ?
		WHERE id = ?
	`, j.JobID, j.Filename, string(j.Status), j.StartTime.UTC(), nullTime(j.EndTime), j.PrintDuration,
		nullFloat(j.TotalDuration), j.FilamentUsed, meta, j.Synthetic, nullString(j.MergedInto), o.now(), j.ID)
	if err != nil {
		return fmt.Errorf("save job %d: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOpen returns the printer's most recently started printing or paused job.
func (o ops) FindOpen(ctx context.Context, printerID int64) (models.PrintJob, error) {
	return o.getJob(ctx, `printer_id = ? AND status IN (?, ?) ORDER BY start_time DESC, id DESC LIMIT 1`,
		printerID, string(models.StatusPrinting), string(models.StatusPaused))
}

// FindOpenByFilename is FindOpen restricted to one file.
func (o ops) FindOpenByFilename(ctx context.Context, printerID int64, filename string) (models.PrintJob, error) {
	return o.getJob(ctx, `printer_id = ? AND filename = ? AND status IN (?, ?) ORDER BY start_time DESC, id DESC LIMIT 1`,
		printerID, filename, string(models.StatusPrinting), string(models.StatusPaused))
}

// FindLatestByFilename returns the most recently started job for a file in any status.
func (o ops) FindLatestByFilename(ctx context.Context, printerID int64, filename string) (models.PrintJob, error) {
	return o.getJob(ctx, `printer_id = ? AND filename = ? AND merged_into IS NULL ORDER BY start_time DESC, id DESC LIMIT 1`,
		printerID, filename)
}

// ListOpen returns every printing or paused job of a printer, newest first.
func (o ops) ListOpen(ctx context.Context, printerID int64) ([]models.PrintJob, error) {
	return o.listJobs(ctx, `printer_id = ? AND status IN (?, ?) ORDER BY start_time DESC, id DESC`,
		printerID, string(models.StatusPrinting), string(models.StatusPaused))
}

// ListSyntheticByFilename returns unmerged synthetic jobs for a file, newest first.
func (o ops) ListSyntheticByFilename(ctx context.Context, printerID int64, filename string) ([]models.PrintJob, error) {
	return o.listJobs(ctx, `printer_id = ? AND filename = ? AND synthetic = ? AND merged_into IS NULL ORDER BY start_time DESC, id DESC`,
		printerID, filename, true)
}

// DemoteOpen cancels every printing or paused job of the printer except keepID
// (0 keeps none), setting end_time to at. It returns the demoted jobs.
func (o ops) DemoteOpen(ctx context.Context, printerID, keepID int64, at time.Time) ([]models.PrintJob, error) {
	open, err := o.ListOpen(ctx, printerID)
	if err != nil {
		return nil, err
	}
	var demoted []models.PrintJob
	for _, j := range open {
		if j.ID == keepID {
			continue
		}
		end := at.UTC()
		j.Status = models.StatusCancelled
		j.EndTime = &end
		if err := o.SaveJob(ctx, j); err != nil {
			return nil, err
		}
		demoted = append(demoted, j)
	}
	return demoted, nil
}

// NextSyntheticKey returns the lowest-run key for (printerID, filename) not
// already used as a job id.
func (o ops) NextSyntheticKey(ctx context.Context, printerID int64, filename string) (models.SyntheticKey, error) {
	key := models.SyntheticKey{PrinterID: printerID, Filename: filename}
	for {
		_, err := o.GetJob(ctx, printerID, key.String())
		if errors.Is(err, ErrNotFound) {
			return key, nil
		}
		if err != nil {
			return models.SyntheticKey{}, err
		}
		key.Run++
	}
}

// DeleteJob removes a job along with the duplicates merged into it and its
// details. It returns the deleted job so callers can refresh totals.
func (o ops) DeleteJob(ctx context.Context, id int64) (models.PrintJob, error) {
	j, err := o.GetJobByID(ctx, id)
	if err != nil {
		return models.PrintJob{}, err
	}
	if _, err := o.exec(ctx, `DELETE FROM print_jobs WHERE printer_id = ? AND merged_into = ?`, j.PrinterID, j.JobID); err != nil {
		return models.PrintJob{}, fmt.Errorf("delete merged duplicates of job %d: %w", id, err)
	}
	if _, err := o.exec(ctx, `DELETE FROM print_jobs WHERE id = ?`, id); err != nil {
		return models.PrintJob{}, fmt.Errorf("delete job %d: %w", id, err)
	}
	return j, nil
}

// JobFilter narrows ListJobs. Zero values mean no restriction.
type JobFilter struct {
	PrinterID int64
	Status    models.JobStatus
	Filename  string
	Limit     int
	Offset    int
}

// ListJobs returns jobs newest first. Merged duplicates are excluded.
func (o ops) ListJobs(ctx context.Context, f JobFilter) ([]models.PrintJob, error) {
	where := `merged_into IS NULL`
	var args []any
	if f.PrinterID != 0 {
		where += ` AND printer_id = ?`
		args = append(args, f.PrinterID)
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Filename != "" {
		where += ` AND filename = ?`
		args = append(args, f.Filename)
	}
	where += ` ORDER BY start_time DESC, id DESC`
	if f.Limit > 0 {
		where += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	return o.listJobs(ctx, where, args...)
}

// FindByPrinter lists a printer's jobs, optionally restricted to one status.
func (o ops) FindByPrinter(ctx context.Context, printerID int64, status models.JobStatus) ([]models.PrintJob, error) {
	return o.ListJobs(ctx, JobFilter{PrinterID: printerID, Status: status})
}

func marshalMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
