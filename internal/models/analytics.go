package models

import (
	"fmt"
	"time"
)

// FleetSummary aggregates the whole ledger.
type FleetSummary struct {
	TotalJobs         int     `json:"total_jobs"`
	TotalPrintTime    float64 `json:"total_print_time"`
	TotalFilamentUsed float64 `json:"total_filament_used"`
	SuccessfulJobs    int     `json:"successful_jobs"`
	FailedJobs        int     `json:"failed_jobs"`
	ActivePrinters    int     `json:"active_printers"`
}

// PrinterStats aggregates one active printer's jobs.
type PrinterStats struct {
	PrinterID         int64      `json:"printer_id"`
	PrinterName       string     `json:"printer_name"`
	TotalJobs         int        `json:"total_jobs"`
	TotalPrintTime    float64    `json:"total_print_time"`
	TotalFilamentUsed float64    `json:"total_filament_used"`
	SuccessfulJobs    int        `json:"successful_jobs"`
	FailedJobs        int        `json:"failed_jobs"`
	LastJobAt         *time.Time `json:"last_job_at,omitempty"`
}

// FilamentUsage is filament consumed per material type, taken from job details.
type FilamentUsage struct {
	FilamentType string  `json:"filament_type"`
	TotalUsed    float64 `json:"total_used"`
	JobCount     int     `json:"job_count"`
}

// TimelinePeriod groups timeline buckets.
type TimelinePeriod string

const (
	PeriodDay   TimelinePeriod = "day"
	PeriodWeek  TimelinePeriod = "week"
	PeriodMonth TimelinePeriod = "month"
)

func (p TimelinePeriod) Valid() bool {
	return p == PeriodDay || p == PeriodWeek || p == PeriodMonth
}

// Bucket labels t as YYYY-MM-DD, YYYY-Www (weeks start on Monday, days
// before the first Monday are week 00) or YYYY-MM.
func (p TimelinePeriod) Bucket(t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodWeek:
		monday := (int(t.Weekday()) + 6) % 7
		week := (t.YearDay() - 1 + 7 - monday) / 7
		return fmt.Sprintf("%d-W%02d", t.Year(), week)
	case PeriodMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// TimelineEntry is one period bucket of job activity.
type TimelineEntry struct {
	Period         string  `json:"period"`
	JobCount       int     `json:"job_count"`
	TotalPrintTime float64 `json:"total_print_time"`
	SuccessfulJobs int     `json:"successful_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
}
