package models

import (
	"time"
)

// JobStatus enumerates print job lifecycle states persisted in the ledger.
type JobStatus string

const (
	StatusPrinting  JobStatus = "printing"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusError     JobStatus = "error"
	StatusCancelled JobStatus = "cancelled"
)

// OpenStatuses are the non-terminal states. At most one job per printer may hold one.
var OpenStatuses = []JobStatus{StatusPrinting, StatusPaused}

func (s JobStatus) IsOpen() bool {
	return s == StatusPrinting || s == StatusPaused
}

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

func (s JobStatus) Valid() bool {
	return s.IsOpen() || s.IsTerminal()
}

// PrintJob is one ledger row: a physical print on one printer.
type PrintJob struct {
	ID            int64          `json:"id"`
	PrinterID     int64          `json:"printer_id"`
	JobID         string         `json:"job_id"`
	Filename      string         `json:"filename"`
	Status        JobStatus      `json:"status"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	PrintDuration float64        `json:"print_duration"`
	TotalDuration *float64       `json:"total_duration,omitempty"`
	FilamentUsed  float64        `json:"filament_used"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Synthetic     bool           `json:"synthetic"`
	MergedInto    *string        `json:"merged_into,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// JobFields is the mutable part of a PrintJob written by an upsert.
type JobFields struct {
	Filename      string
	Status        JobStatus
	StartTime     time.Time
	EndTime       *time.Time
	PrintDuration float64
	TotalDuration *float64
	FilamentUsed  float64
	Metadata      map[string]any
	Synthetic     bool
}

// JobTotals are per-printer aggregates over completed jobs.
type JobTotals struct {
	PrinterID         int64     `json:"printer_id"`
	TotalJobs         int       `json:"total_jobs"`
	TotalTime         float64   `json:"total_time"`
	TotalPrintTime    float64   `json:"total_print_time"`
	TotalFilamentUsed float64   `json:"total_filament_used"`
	LongestJob        float64   `json:"longest_job"`
	LastUpdated       time.Time `json:"last_updated"`
}

// JobDetails holds slicer metadata extracted from a job's gcode file.
type JobDetails struct {
	PrintJobID        int64      `json:"print_job_id"`
	LayerHeight       *float64   `json:"layer_height,omitempty"`
	FirstLayerHeight  *float64   `json:"first_layer_height,omitempty"`
	NozzleTemp        *int       `json:"nozzle_temp,omitempty"`
	BedTemp           *int       `json:"bed_temp,omitempty"`
	PrintSpeed        *int       `json:"print_speed,omitempty"`
	InfillPercentage  *int       `json:"infill_percentage,omitempty"`
	InfillPattern     *string    `json:"infill_pattern,omitempty"`
	SupportEnabled    *bool      `json:"support_enabled,omitempty"`
	SupportType       *string    `json:"support_type,omitempty"`
	FilamentType      *string    `json:"filament_type,omitempty"`
	FilamentBrand     *string    `json:"filament_brand,omitempty"`
	FilamentColor     *string    `json:"filament_color,omitempty"`
	EstimatedTime     *int       `json:"estimated_time,omitempty"`
	EstimatedFilament *float64   `json:"estimated_filament,omitempty"`
	LayerCount        *int       `json:"layer_count,omitempty"`
	ObjectHeight      *float64   `json:"object_height,omitempty"`
	ThumbnailPath     *string    `json:"thumbnail_path,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}
