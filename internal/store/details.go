package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"printlog/internal/models"
)

// UpsertJobDetails stores slicer metadata for a print job, replacing any existing row.
func (o ops) UpsertJobDetails(ctx context.Context, d models.JobDetails) error {
	now := o.now()
	_, err := o.exec(ctx, `
		INSERT INTO job_details (print_job_id, layer_height, first_layer_height, nozzle_temp, bed_temp, print_speed,
			infill_percentage, infill_pattern, support_enabled, support_type, filament_type, filament_brand,
			filament_color, estimated_time, estimated_filament, layer_count, object_height, thumbnail_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (print_job_id) DO UPDATE SET
			layer_height = excluded.layer_height,
			first_layer_height = excluded.first_layer_height,
			nozzle_temp = excluded.nozzle_temp,
			bed_temp = excluded.bed_temp,
			print_speed = excluded.print_speed,
			infill_percentage = excluded.infill_percentage,
			infill_pattern = excluded.infill_pattern,
			support_enabled = excluded.support_enabled,
			support_type = excluded.support_type,
			filament_type = excluded.filament_type,
			filament_brand = excluded.filament_brand,
			filament_color = excluded.filament_color,
			estimated_time = excluded.estimated_time,
			estimated_filament = excluded.estimated_filament,
			layer_count = excluded.layer_count,
			object_height = excluded.object_height,
			thumbnail_path = excluded.thumbnail_path,
			updated_at = excluded.created_at
	`, d.PrintJobID, nullFloat(d.LayerHeight), nullFloat(d.FirstLayerHeight), nullInt(d.NozzleTemp), nullInt(d.BedTemp),
		nullInt(d.PrintSpeed), nullInt(d.InfillPercentage), nullString(d.InfillPattern), nullBool(d.SupportEnabled),
		nullString(d.SupportType), nullString(d.FilamentType), nullString(d.FilamentBrand), nullString(d.FilamentColor),
		nullInt(d.EstimatedTime), nullFloat(d.EstimatedFilament), nullInt(d.LayerCount), nullFloat(d.ObjectHeight),
		nullString(d.ThumbnailPath), now)
	if err != nil {
		return fmt.Errorf("upsert job details %d: %w", d.PrintJobID, err)
	}
	return nil
}

func (o ops) GetJobDetails(ctx context.Context, printJobID int64) (models.JobDetails, error) {
	var (
		d                                                        models.JobDetails
		layerH, firstLayerH, estFilament, objHeight              sql.NullFloat64
		nozzle, bed, speed, infill, estTime, layers              sql.NullInt64
		pattern, supportType, filType, filBrand, filColor, thumb sql.NullString
		support                                                  sql.NullBool
		updated                                                  sql.NullTime
	)
	err := o.queryRow(ctx, `
		SELECT print_job_id, layer_height, first_layer_height, nozzle_temp, bed_temp, print_speed,
			infill_percentage, infill_pattern, support_enabled, support_type, filament_type, filament_brand,
			filament_color, estimated_time, estimated_filament, layer_count, object_height, thumbnail_path,
			created_at, updated_at
		FROM job_details WHERE print_job_id = ?
	`, printJobID).Scan(&d.PrintJobID, &layerH, &firstLayerH, &nozzle, &bed, &speed, &infill, &pattern, &support,
		&supportType, &filType, &filBrand, &filColor, &estTime, &estFilament, &layers, &objHeight, &thumb,
		&d.CreatedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobDetails{}, ErrNotFound
	}
	if err != nil {
		return models.JobDetails{}, fmt.Errorf("scan job details: %w", err)
	}
	d.LayerHeight, d.FirstLayerHeight = floatPtr(layerH), floatPtr(firstLayerH)
	d.EstimatedFilament, d.ObjectHeight = floatPtr(estFilament), floatPtr(objHeight)
	d.NozzleTemp, d.BedTemp, d.PrintSpeed = intPtr(nozzle), intPtr(bed), intPtr(speed)
	d.InfillPercentage, d.EstimatedTime, d.LayerCount = intPtr(infill), intPtr(estTime), intPtr(layers)
	d.InfillPattern, d.SupportType = stringPtr(pattern), stringPtr(supportType)
	d.FilamentType, d.FilamentBrand, d.FilamentColor = stringPtr(filType), stringPtr(filBrand), stringPtr(filColor)
	d.ThumbnailPath = stringPtr(thumb)
	d.SupportEnabled = boolPtr(support)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = timePtr(updated)
	return d, nil
}

// JobsWithoutDetails returns the printer's unmerged jobs that have no job_details row.
func (o ops) JobsWithoutDetails(ctx context.Context, printerID int64) ([]models.PrintJob, error) {
	return o.listJobs(ctx, `printer_id = ? AND merged_into IS NULL
		AND NOT EXISTS (SELECT 1 FROM job_details d WHERE d.print_job_id = print_jobs.id)
		ORDER BY start_time DESC, id DESC`, printerID)
}
