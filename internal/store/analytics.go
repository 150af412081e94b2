package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"printlog/internal/models"
)

// Analytics read the ledger as listed: merged duplicates are never counted.

const outcomeSums = `COUNT(j.id), COALESCE(SUM(j.print_duration), 0), COALESCE(SUM(j.filament_used), 0),
	COALESCE(SUM(CASE WHEN j.status = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN j.status = ? THEN 1 ELSE 0 END), 0)`

// FleetSummary totals every job and counts active printers.
func (o ops) FleetSummary(ctx context.Context) (models.FleetSummary, error) {
	var s models.FleetSummary
	err := o.queryRow(ctx, `SELECT `+outcomeSums+` FROM print_jobs j WHERE j.merged_into IS NULL`,
		string(models.StatusCompleted), string(models.StatusError)).
		Scan(&s.TotalJobs, &s.TotalPrintTime, &s.TotalFilamentUsed, &s.SuccessfulJobs, &s.FailedJobs)
	if err != nil {
		return models.FleetSummary{}, fmt.Errorf("summarize jobs: %w", err)
	}
	if err := o.queryRow(ctx, `SELECT COUNT(*) FROM printers WHERE is_active = ?`, true).Scan(&s.ActivePrinters); err != nil {
		return models.FleetSummary{}, fmt.Errorf("count active printers: %w", err)
	}
	return s, nil
}

// PrinterStats aggregates jobs per active printer, ordered by printer id.
func (o ops) PrinterStats(ctx context.Context) ([]models.PrinterStats, error) {
	rows, err := o.query(ctx, `
		SELECT p.id, p.name, `+outcomeSums+`
		FROM printers p
		LEFT JOIN print_jobs j ON j.printer_id = p.id AND j.merged_into IS NULL
		WHERE p.is_active = ?
		GROUP BY p.id, p.name
		ORDER BY p.id
	`, string(models.StatusCompleted), string(models.StatusError), true)
	if err != nil {
		return nil, fmt.Errorf("query printer stats: %w", err)
	}
	var out []models.PrinterStats
	for rows.Next() {
		var ps models.PrinterStats
		if err := rows.Scan(&ps.PrinterID, &ps.PrinterName, &ps.TotalJobs, &ps.TotalPrintTime, &ps.TotalFilamentUsed,
			&ps.SuccessfulJobs, &ps.FailedJobs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan printer stats: %w", err)
		}
		out = append(out, ps)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// MAX over a timestamp loses its column type in sqlite, so the latest
	// start is read per printer.
	for i := range out {
		var last sql.NullTime
		err := o.queryRow(ctx, `
			SELECT start_time FROM print_jobs
			WHERE printer_id = ? AND merged_into IS NULL
			ORDER BY start_time DESC LIMIT 1
		`, out[i].PrinterID).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("last job of printer %d: %w", out[i].PrinterID, err)
		}
		out[i].LastJobAt = timePtr(last)
	}
	return out, nil
}

// FilamentUsage sums filament per material type recorded in job details.
func (o ops) FilamentUsage(ctx context.Context) ([]models.FilamentUsage, error) {
	rows, err := o.query(ctx, `
		SELECT d.filament_type, COUNT(d.id), COALESCE(SUM(j.filament_used), 0)
		FROM job_details d
		JOIN print_jobs j ON j.id = d.print_job_id
		WHERE d.filament_type IS NOT NULL AND j.merged_into IS NULL
		GROUP BY d.filament_type
		ORDER BY d.filament_type
	`)
	if err != nil {
		return nil, fmt.Errorf("query filament usage: %w", err)
	}
	defer rows.Close()

	var out []models.FilamentUsage
	for rows.Next() {
		var u models.FilamentUsage
		if err := rows.Scan(&u.FilamentType, &u.JobCount, &u.TotalUsed); err != nil {
			return nil, fmt.Errorf("scan filament usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Timeline buckets jobs by start time, oldest period first.
func (o ops) Timeline(ctx context.Context, period models.TimelinePeriod) ([]models.TimelineEntry, error) {
	rows, err := o.query(ctx, `SELECT start_time, print_duration, status FROM print_jobs WHERE merged_into IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	buckets := make(map[string]*models.TimelineEntry)
	for rows.Next() {
		var (
			start    time.Time
			duration float64
			status   string
		)
		if err := rows.Scan(&start, &duration, &status); err != nil {
			return nil, fmt.Errorf("scan timeline job: %w", err)
		}
		key := period.Bucket(start)
		e, ok := buckets[key]
		if !ok {
			e = &models.TimelineEntry{Period: key}
			buckets[key] = e
		}
		e.JobCount++
		e.TotalPrintTime += duration
		switch models.JobStatus(status) {
		case models.StatusCompleted:
			e.SuccessfulJobs++
		case models.StatusError:
			e.FailedJobs++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.TimelineEntry, 0, len(buckets))
	for _, e := range buckets {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}
