package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"printlog/internal/models"
)

// RecomputeTotals rebuilds the printer's aggregates from its completed jobs.
// Merged duplicates are excluded so a print is never counted twice.
func (o ops) RecomputeTotals(ctx context.Context, printerID int64) (models.JobTotals, error) {
	rows, err := o.query(ctx, `
		SELECT print_duration, total_duration, filament_used
		FROM print_jobs
		WHERE printer_id = ? AND status = ? AND merged_into IS NULL
	`, printerID, string(models.StatusCompleted))
	if err != nil {
		return models.JobTotals{}, fmt.Errorf("query completed jobs: %w", err)
	}
	defer rows.Close()

	t := models.JobTotals{PrinterID: printerID}
	for rows.Next() {
		var (
			printDur float64
			totalDur sql.NullFloat64
			filament float64
		)
		if err := rows.Scan(&printDur, &totalDur, &filament); err != nil {
			return models.JobTotals{}, fmt.Errorf("scan completed job: %w", err)
		}
		t.TotalJobs++
		t.TotalTime += totalDur.Float64
		t.TotalPrintTime += printDur
		t.TotalFilamentUsed += filament
		if totalDur.Float64 > t.LongestJob {
			t.LongestJob = totalDur.Float64
		}
	}
	if err := rows.Err(); err != nil {
		return models.JobTotals{}, err
	}
	t.LastUpdated = o.now()

	_, err = o.exec(ctx, `
		INSERT INTO job_totals (printer_id, total_jobs, total_time, total_print_time, total_filament_used, longest_job, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (printer_id) DO UPDATE SET
			total_jobs = excluded.total_jobs,
			total_time = excluded.total_time,
			total_print_time = excluded.total_print_time,
			total_filament_used = excluded.total_filament_used,
			longest_job = excluded.longest_job,
			last_updated = excluded.last_updated
	`, printerID, t.TotalJobs, t.TotalTime, t.TotalPrintTime, t.TotalFilamentUsed, t.LongestJob, t.LastUpdated)
	if err != nil {
		return models.JobTotals{}, fmt.Errorf("upsert totals: %w", err)
	}
	return t, nil
}

// GetTotals returns the stored aggregates, or zero totals if none were computed yet.
func (o ops) GetTotals(ctx context.Context, printerID int64) (models.JobTotals, error) {
	t := models.JobTotals{PrinterID: printerID}
	err := o.queryRow(ctx, `
		SELECT total_jobs, total_time, total_print_time, total_filament_used, longest_job, last_updated
		FROM job_totals WHERE printer_id = ?
	`, printerID).Scan(&t.TotalJobs, &t.TotalTime, &t.TotalPrintTime, &t.TotalFilamentUsed, &t.LongestJob, &t.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return t, nil
	}
	if err != nil {
		return models.JobTotals{}, fmt.Errorf("scan totals: %w", err)
	}
	t.LastUpdated = t.LastUpdated.UTC()
	return t, nil
}
