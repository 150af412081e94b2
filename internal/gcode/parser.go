// Package gcode extracts slicer settings and the embedded preview image from
// sliced gcode files.
package gcode

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"printlog/internal/models"
)

// Thumbnail is a PNG preview embedded by the slicer.
type Thumbnail struct {
	Width  int
	Height int
	PNG    []byte
}

// Metadata is what a gcode file says about itself.
type Metadata struct {
	// Details has every slicer field that was found. PrintJobID is unset.
	Details   models.JobDetails
	Raw       map[string]string
	Thumbnail *Thumbnail
}

// Keys are tried in order and the first present one wins. Orca/Bambu names
// come first, PrusaSlicer/SuperSlicer names after.
var (
	layerHeightKeys      = []string{"layer_height"}
	firstLayerHeightKeys = []string{"initial_layer_print_height", "first_layer_height"}
	nozzleTempKeys       = []string{"nozzle_temperature", "temperature"}
	bedTempKeys          = []string{"hot_plate_temp", "bed_temperature"}
	printSpeedKeys       = []string{"outer_wall_speed", "perimeter_speed"}
	infillDensityKeys    = []string{"sparse_infill_density", "fill_density"}
	infillPatternKeys    = []string{"sparse_infill_pattern", "fill_pattern"}
	supportEnabledKeys   = []string{"enable_support", "support_material"}
	supportTypeKeys      = []string{"support_type", "support_material_style"}
	filamentTypeKeys     = []string{"filament_type"}
	filamentBrandKeys    = []string{"filament_vendor"}
	filamentColorKeys    = []string{"filament_colour", "filament_color", "extruder_colour"}
	estimatedTimeKeys    = []string{"estimated printing time (normal mode)", "model printing time"}
	estimatedWeightKeys  = []string{"total filament weight [g]", "filament used [g]"}
	layerCountKeys       = []string{"total layer number", "total layers count"}
	objectHeightKeys     = []string{"max_z_height"}
)

const maxLineSize = 1 << 20

// Parse reads a whole gcode stream. Only comment lines are inspected.
func Parse(r io.Reader) (Metadata, error) {
	md := Metadata{Raw: make(map[string]string)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		inThumb bool
		thumbW  int
		thumbH  int
		thumbB  strings.Builder
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, ";") {
			continue
		}
		body := strings.TrimSpace(strings.TrimLeft(line, ";"))

		if inThumb {
			if strings.HasPrefix(body, "thumbnail end") {
				inThumb = false
				if png, err := base64.StdEncoding.DecodeString(thumbB.String()); err == nil && len(png) > 0 {
					if md.Thumbnail == nil || thumbW*thumbH > md.Thumbnail.Width*md.Thumbnail.Height {
						md.Thumbnail = &Thumbnail{Width: thumbW, Height: thumbH, PNG: png}
					}
				}
				continue
			}
			thumbB.WriteString(body)
			continue
		}
		if strings.HasPrefix(body, "thumbnail begin") {
			inThumb = true
			thumbB.Reset()
			thumbW, thumbH = parseThumbSize(body)
			continue
		}

		key, value, ok := splitKV(body)
		if !ok {
			continue
		}
		if _, seen := md.Raw[key]; !seen {
			md.Raw[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		return md, fmt.Errorf("scan gcode: %w", err)
	}

	md.Details = detailsFrom(md.Raw)
	return md, nil
}

// ParseString is Parse over an in-memory file.
func ParseString(s string) (Metadata, error) {
	return Parse(strings.NewReader(s))
}

// HasDetails reports whether anything useful was extracted.
func (m Metadata) HasDetails() bool {
	d := m.Details
	return m.Thumbnail != nil || d.LayerHeight != nil || d.NozzleTemp != nil || d.BedTemp != nil ||
		d.FilamentType != nil || d.EstimatedTime != nil || d.LayerCount != nil || d.InfillPercentage != nil
}

func splitKV(body string) (string, string, bool) {
	idx := strings.Index(body, "=")
	if idx < 0 {
		idx = strings.Index(body, ":")
	}
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(body[:idx])
	value := strings.TrimSpace(body[idx+1:])
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}

// "thumbnail begin 300x300 12345"
func parseThumbSize(body string) (int, int) {
	fields := strings.Fields(body)
	if len(fields) < 3 {
		return 0, 0
	}
	w, h, ok := strings.Cut(fields[2], "x")
	if !ok {
		return 0, 0
	}
	wi, _ := strconv.Atoi(w)
	hi, _ := strconv.Atoi(h)
	return wi, hi
}

func detailsFrom(raw map[string]string) models.JobDetails {
	var d models.JobDetails
	d.LayerHeight = floatField(raw, layerHeightKeys)
	d.FirstLayerHeight = floatField(raw, firstLayerHeightKeys)
	d.NozzleTemp = intField(raw, nozzleTempKeys)
	d.BedTemp = intField(raw, bedTempKeys)
	d.PrintSpeed = intField(raw, printSpeedKeys)
	d.InfillPercentage = intField(raw, infillDensityKeys)
	d.InfillPattern = stringField(raw, infillPatternKeys)
	d.SupportType = stringField(raw, supportTypeKeys)
	d.FilamentType = stringField(raw, filamentTypeKeys)
	d.FilamentBrand = stringField(raw, filamentBrandKeys)
	d.FilamentColor = stringField(raw, filamentColorKeys)
	d.EstimatedFilament = floatField(raw, estimatedWeightKeys)
	d.LayerCount = intField(raw, layerCountKeys)
	d.ObjectHeight = floatField(raw, objectHeightKeys)

	if v, ok := lookup(raw, supportEnabledKeys); ok {
		b := v == "1" || strings.EqualFold(v, "true")
		d.SupportEnabled = &b
	}
	if v, ok := lookup(raw, estimatedTimeKeys); ok {
		if secs, ok := parseSlicerDuration(v); ok {
			d.EstimatedTime = &secs
		}
	}
	return d
}

// lookup returns the first element of the first present key. Multi-extruder
// values are comma or semicolon separated.
func lookup(raw map[string]string, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if i := strings.IndexAny(v, ",;"); i >= 0 {
			v = v[:i]
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		if v != "" {
			return v, true
		}
	}
	return "", false
}

func stringField(raw map[string]string, keys []string) *string {
	v, ok := lookup(raw, keys)
	if !ok {
		return nil
	}
	return &v
}

func floatField(raw map[string]string, keys []string) *float64 {
	v, ok := lookup(raw, keys)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64)
	if err != nil {
		return nil
	}
	return &f
}

func intField(raw map[string]string, keys []string) *int {
	f := floatField(raw, keys)
	if f == nil {
		return nil
	}
	i := int(*f + 0.5)
	return &i
}

// parseSlicerDuration reads "1d 2h 3m 4s" style estimates.
func parseSlicerDuration(s string) (int, bool) {
	total := 0
	found := false
	for _, part := range strings.Fields(s) {
		if len(part) < 2 {
			return 0, false
		}
		n, err := strconv.Atoi(part[:len(part)-1])
		if err != nil {
			return 0, false
		}
		switch part[len(part)-1] {
		case 'd':
			total += n * 86400
		case 'h':
			total += n * 3600
		case 'm':
			total += n * 60
		case 's':
			total += n
		default:
			return 0, false
		}
		found = true
	}
	return total, found
}
