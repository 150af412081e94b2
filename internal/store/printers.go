package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"printlog/internal/models"
)

const printerColumns = `id, name, location, moonraker_url, moonraker_api_key, is_active, last_seen, created_at, updated_at`

// CreatePrinterParams collects inputs required to register a printer.
type CreatePrinterParams struct {
	Name            string
	Location        *string
	MoonrakerURL    string
	MoonrakerAPIKey *string
	Inactive        bool
}

func scanPrinter(r rowScanner) (models.Printer, error) {
	var (
		p        models.Printer
		location sql.NullString
		apiKey   sql.NullString
		lastSeen sql.NullTime
	)
	if err := r.Scan(&p.ID, &p.Name, &location, &p.MoonrakerURL, &apiKey, &p.IsActive, &lastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Printer{}, err
	}
	p.Location = stringPtr(location)
	p.MoonrakerAPIKey = stringPtr(apiKey)
	p.LastSeen = timePtr(lastSeen)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (o ops) CreatePrinter(ctx context.Context, p CreatePrinterParams) (models.Printer, error) {
	now := o.now()
	var id int64
	err := o.queryRow(ctx, `
		INSERT INTO printers (name, location, moonraker_url, moonraker_api_key, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, p.Name, nullString(p.Location), p.MoonrakerURL, nullString(p.MoonrakerAPIKey), !p.Inactive, now, now).Scan(&id)
	if err != nil {
		return models.Printer{}, fmt.Errorf("insert printer: %w", err)
	}
	return o.GetPrinter(ctx, id)
}

func (o ops) GetPrinter(ctx context.Context, id int64) (models.Printer, error) {
	p, err := scanPrinter(o.queryRow(ctx, `SELECT `+printerColumns+` FROM printers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Printer{}, ErrNotFound
	}
	if err != nil {
		return models.Printer{}, fmt.Errorf("scan printer: %w", err)
	}
	return p, nil
}

// ListPrinters returns printers ordered by id, optionally only active ones.
func (o ops) ListPrinters(ctx context.Context, activeOnly bool) ([]models.Printer, error) {
	q := `SELECT ` + printerColumns + ` FROM printers`
	var args []any
	if activeOnly {
		q += ` WHERE is_active = ?`
		args = append(args, true)
	}
	rows, err := o.query(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query printers: %w", err)
	}
	defer rows.Close()

	var out []models.Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan printer: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListActive returns the connection identities of every active printer.
func (o ops) ListActive(ctx context.Context) ([]models.PrinterIdentity, error) {
	printers, err := o.ListPrinters(ctx, true)
	if err != nil {
		return nil, err
	}
	ids := make([]models.PrinterIdentity, 0, len(printers))
	for _, p := range printers {
		ids = append(ids, p.Identity())
	}
	return ids, nil
}

func (o ops) SetPrinterActive(ctx context.Context, id int64, active bool) error {
	res, err := o.exec(ctx, `UPDATE printers SET is_active = ?, updated_at = ? WHERE id = ?`, active, o.now(), id)
	if err != nil {
		return fmt.Errorf("update printer %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen records the last time the printer's controller was heard from.
func (o ops) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	if _, err := o.exec(ctx, `UPDATE printers SET last_seen = ? WHERE id = ?`, at.UTC(), id); err != nil {
		return fmt.Errorf("touch last_seen %d: %w", id, err)
	}
	return nil
}
