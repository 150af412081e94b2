package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"printlog/internal/models"
)

const maintenanceColumns = `id, printer_id, date, category, description, done, cost, notes, created_at, updated_at`

// MaintenanceParams are the inputs of a new maintenance record.
type MaintenanceParams struct {
	PrinterID   int64
	Date        time.Time
	Category    string
	Description string
	Done        bool
	Cost        *float64
	Notes       *string
}

// MaintenancePatch changes the non-nil fields of a record.
type MaintenancePatch struct {
	Date        *time.Time
	Category    *string
	Description *string
	Done        *bool
	Cost        *float64
	Notes       *string
}

// MaintenanceFilter narrows ListMaintenance. Zero values mean no restriction.
type MaintenanceFilter struct {
	PrinterID int64
	Done      *bool
	Limit     int
	Offset    int
}

func scanMaintenance(r rowScanner) (models.MaintenanceRecord, error) {
	var (
		m     models.MaintenanceRecord
		cost  sql.NullFloat64
		notes sql.NullString
	)
	if err := r.Scan(&m.ID, &m.PrinterID, &m.Date, &m.Category, &m.Description, &m.Done, &cost, &notes,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return models.MaintenanceRecord{}, err
	}
	m.Cost = floatPtr(cost)
	m.Notes = stringPtr(notes)
	m.Date = m.Date.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

// CreateMaintenance inserts a record. The printer must exist.
func (o ops) CreateMaintenance(ctx context.Context, p MaintenanceParams) (models.MaintenanceRecord, error) {
	if _, err := o.GetPrinter(ctx, p.PrinterID); err != nil {
		return models.MaintenanceRecord{}, err
	}
	now := o.now()
	var id int64
	err := o.queryRow(ctx, `
		INSERT INTO maintenance (printer_id, date, category, description, done, cost, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, p.PrinterID, p.Date.UTC(), p.Category, p.Description, p.Done, nullFloat(p.Cost), nullString(p.Notes), now, now).Scan(&id)
	if err != nil {
		return models.MaintenanceRecord{}, fmt.Errorf("insert maintenance: %w", err)
	}
	return o.GetMaintenance(ctx, id)
}

func (o ops) GetMaintenance(ctx context.Context, id int64) (models.MaintenanceRecord, error) {
	m, err := scanMaintenance(o.queryRow(ctx, `SELECT `+maintenanceColumns+` FROM maintenance WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.MaintenanceRecord{}, ErrNotFound
	}
	if err != nil {
		return models.MaintenanceRecord{}, fmt.Errorf("scan maintenance: %w", err)
	}
	return m, nil
}

// ListMaintenance returns one page of records, newest date first, and the
// number of records matching the filter.
func (o ops) ListMaintenance(ctx context.Context, f MaintenanceFilter) ([]models.MaintenanceRecord, int, error) {
	where := `1 = 1`
	var args []any
	if f.PrinterID != 0 {
		where += ` AND printer_id = ?`
		args = append(args, f.PrinterID)
	}
	if f.Done != nil {
		where += ` AND done = ?`
		args = append(args, *f.Done)
	}

	var total int
	if err := o.queryRow(ctx, `SELECT COUNT(*) FROM maintenance WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count maintenance: %w", err)
	}

	q := `SELECT ` + maintenanceColumns + ` FROM maintenance WHERE ` + where + ` ORDER BY date DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := o.query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query maintenance: %w", err)
	}
	defer rows.Close()

	var out []models.MaintenanceRecord
	for rows.Next() {
		m, err := scanMaintenance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan maintenance: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// UpdateMaintenance applies patch and returns the stored record.
func (o ops) UpdateMaintenance(ctx context.Context, id int64, patch MaintenancePatch) (models.MaintenanceRecord, error) {
	m, err := o.GetMaintenance(ctx, id)
	if err != nil {
		return models.MaintenanceRecord{}, err
	}
	if patch.Date != nil {
		m.Date = patch.Date.UTC()
	}
	if patch.Category != nil {
		m.Category = *patch.Category
	}
	if patch.Description != nil {
		m.Description = *patch.Description
	}
	if patch.Done != nil {
		m.Done = *patch.Done
	}
	if patch.Cost != nil {
		m.Cost = patch.Cost
	}
	if patch.Notes != nil {
		m.Notes = patch.Notes
	}

	_, err = o.exec(ctx, `
		UPDATE maintenance SET date = ?, category = ?, description = ?, done = ?, cost = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`, m.Date, m.Category, m.Description, m.Done, nullFloat(m.Cost), nullString(m.Notes), o.now(), id)
	if err != nil {
		return models.MaintenanceRecord{}, fmt.Errorf("update maintenance %d: %w", id, err)
	}
	return o.GetMaintenance(ctx, id)
}

func (o ops) DeleteMaintenance(ctx context.Context, id int64) error {
	res, err := o.exec(ctx, `DELETE FROM maintenance WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete maintenance %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
