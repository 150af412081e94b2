package models

import "time"

type TaskType string

const (
	TaskHistoryImport   TaskType = "history_import"
	TaskBackfillDetails TaskType = "backfill_details"
)

func (t TaskType) Valid() bool {
	return t == TaskHistoryImport || t == TaskBackfillDetails
}

// ImportTask is a unit of background import work for one printer.
type ImportTask struct {
	ID          string    `json:"id"`
	Type        TaskType  `json:"type"`
	PrinterID   int64     `json:"printer_id"`
	Limit       int       `json:"limit,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
