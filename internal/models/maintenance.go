package models

import "time"

// MaintenanceRecord is one logged service action on a printer.
type MaintenanceRecord struct {
	ID          int64     `json:"id"`
	PrinterID   int64     `json:"printer_id"`
	Date        time.Time `json:"date"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Done        bool      `json:"done"`
	Cost        *float64  `json:"cost,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
