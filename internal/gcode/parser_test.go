package gcode

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func thumbBlock(w, h int, data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	fmt.Fprintf(&b, "; thumbnail begin %dx%d %d\n", w, h, len(enc))
	for len(enc) > 78 {
		fmt.Fprintf(&b, "; %s\n", enc[:78])
		enc = enc[78:]
	}
	fmt.Fprintf(&b, "; %s\n; thumbnail end\n", enc)
	return b.String()
}

func TestParse_OrcaHeaderAndConfig(t *testing.T) {
	small := pngOf(t, 32, 32)
	large := pngOf(t, 300, 300)
	src := "; HEADER_BLOCK_START\n" +
		"; generated by OrcaSlicer 2.1.1\n" +
		"; total layer number: 120\n" +
		"; total filament weight [g] : 12.34\n" +
		"; estimated printing time (normal mode) = 1h 2m 3s\n" +
		"; max_z_height: 24.00\n" +
		"; HEADER_BLOCK_END\n\n" +
		"; THUMBNAIL_BLOCK_START\n" +
		thumbBlock(32, 32, small) +
		thumbBlock(300, 300, large) +
		"; THUMBNAIL_BLOCK_END\n" +
		"G28\nG1 X10 Y10 ; move = fast\n" +
		"; CONFIG_BLOCK_START\n" +
		"; layer_height = 0.2\n" +
		"; initial_layer_print_height = 0.25\n" +
		"; nozzle_temperature = 220,215\n" +
		"; hot_plate_temp = 60\n" +
		"; outer_wall_speed = 200\n" +
		"; sparse_infill_density = 15%\n" +
		"; sparse_infill_pattern = grid\n" +
		"; enable_support = 0\n" +
		"; support_type = normal(auto)\n" +
		"; filament_type = PETG;PLA\n" +
		"; filament_vendor = \"Generic\"\n" +
		"; filament_colour = #FF8000\n" +
		"; CONFIG_BLOCK_END\n"

	md, err := ParseString(src)
	require.NoError(t, err)
	d := md.Details

	require.NotNil(t, d.LayerHeight)
	assert.Equal(t, 0.2, *d.LayerHeight)
	assert.Equal(t, 0.25, *d.FirstLayerHeight)
	assert.Equal(t, 220, *d.NozzleTemp)
	assert.Equal(t, 60, *d.BedTemp)
	assert.Equal(t, 200, *d.PrintSpeed)
	assert.Equal(t, 15, *d.InfillPercentage)
	assert.Equal(t, "grid", *d.InfillPattern)
	assert.False(t, *d.SupportEnabled)
	assert.Equal(t, "normal(auto)", *d.SupportType)
	assert.Equal(t, "PETG", *d.FilamentType)
	assert.Equal(t, "Generic", *d.FilamentBrand)
	assert.Equal(t, "#FF8000", *d.FilamentColor)
	assert.Equal(t, 3723, *d.EstimatedTime)
	assert.Equal(t, 12.34, *d.EstimatedFilament)
	assert.Equal(t, 120, *d.LayerCount)
	assert.Equal(t, 24.0, *d.ObjectHeight)
	assert.True(t, md.HasDetails())

	require.NotNil(t, md.Thumbnail)
	assert.Equal(t, 300, md.Thumbnail.Width)
	assert.Equal(t, large, md.Thumbnail.PNG)
	_, _, err = image.Decode(bytes.NewReader(md.Thumbnail.PNG))
	assert.NoError(t, err)
}

func TestParse_PrusaAliases(t *testing.T) {
	src := "; first_layer_height = 0.3\n; temperature = 205\n; bed_temperature = 55\n" +
		"; fill_density = 20%\n; support_material = 1\n; filament used [g] = 3.5\n"
	md, err := ParseString(src)
	require.NoError(t, err)
	assert.Equal(t, 0.3, *md.Details.FirstLayerHeight)
	assert.Equal(t, 205, *md.Details.NozzleTemp)
	assert.Equal(t, 55, *md.Details.BedTemp)
	assert.Equal(t, 20, *md.Details.InfillPercentage)
	assert.True(t, *md.Details.SupportEnabled)
	assert.Equal(t, 3.5, *md.Details.EstimatedFilament)
	assert.Nil(t, md.Thumbnail)
}

func TestParse_NoMetadata(t *testing.T) {
	md, err := ParseString("G28\nG1 X0 Y0\nM104 S200\n")
	require.NoError(t, err)
	assert.False(t, md.HasDetails())
	assert.Empty(t, md.Raw)
}

func TestParse_CorruptThumbnailIgnored(t *testing.T) {
	src := "; thumbnail begin 10x10 8\n; !!!notbase64!!!\n; thumbnail end\n; layer_height = 0.1\n"
	md, err := ParseString(src)
	require.NoError(t, err)
	assert.Nil(t, md.Thumbnail)
	assert.Equal(t, 0.1, *md.Details.LayerHeight)
}

func TestParseSlicerDuration(t *testing.T) {
	cases := map[string]int{
		"45s":        45,
		"2m 5s":      125,
		"1d 1h 1m":   90060,
		"3h":         10800,
		"":           -1,
		"about 1 hr": -1,
	}
	for in, want := range cases {
		got, ok := parseSlicerDuration(in)
		if want < 0 {
			assert.False(t, ok, in)
			continue
		}
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
}
