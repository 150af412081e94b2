package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"printlog/internal/config"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestStore_LocalFitsBox(t *testing.T) {
	dir := t.TempDir()
	st, err := New(context.Background(), config.Config{ThumbnailOutputDir: dir, ThumbnailWidth: 300, ThumbnailHeight: 300})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	loc, err := st.Save(context.Background(), 3, 42, encodePNG(t, 600, 400))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := filepath.Join(dir, "printers", "3", "jobs", "42.png")
	if loc != want {
		t.Fatalf("location = %q, want %q", loc, want)
	}

	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	out, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "png" {
		t.Fatalf("format = %s", format)
	}
	if out.Bounds().Dx() != 300 || out.Bounds().Dy() != 200 {
		t.Fatalf("expected 300x200, got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}
}

func TestStore_SmallImageNotUpscaled(t *testing.T) {
	up := &memUploader{}
	st := NewWithUploader(up, 300, 300)
	if _, err := st.Save(context.Background(), 1, 1, encodePNG(t, 32, 32)); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(up.body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Bounds().Dx() != 32 {
		t.Fatalf("expected width 32, got %d", out.Bounds().Dx())
	}
	if up.key != "printers/1/jobs/1.png" || up.contentType != "image/png" {
		t.Fatalf("unexpected upload %q %q", up.key, up.contentType)
	}
}

func TestStore_Errors(t *testing.T) {
	st := NewWithUploader(&memUploader{err: errors.New("bucket gone")}, 0, 0)
	if _, err := st.Save(context.Background(), 1, 1, nil); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := st.Save(context.Background(), 1, 1, []byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := st.Save(context.Background(), 1, 1, encodePNG(t, 4, 4)); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"/printers/1/jobs/2.png": "printers/1/jobs/2.png",
		"./a/../b.png":           "b.png",
		"printers//1/jobs/2.png": "printers/1/jobs/2.png",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

type memUploader struct {
	key         string
	body        []byte
	contentType string
	err         error
}

func (m *memUploader) Upload(_ context.Context, key string, body []byte, contentType string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.key, m.body, m.contentType = key, body, contentType
	return "mem://" + key, nil
}
