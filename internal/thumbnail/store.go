// Package thumbnail stores slicer preview images for print jobs.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"printlog/internal/config"
)

// Uploader persists one encoded image and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store resizes previews and hands them to an Uploader.
type Store struct {
	width    int
	height   int
	uploader Uploader
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	var up Uploader
	if cfg.ThumbnailS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.ThumbnailS3Bucket}
	} else {
		baseDir := cfg.ThumbnailOutputDir
		if baseDir == "" {
			baseDir = "./data/thumbnails"
		}
		up = &localUploader{baseDir: baseDir}
	}
	return NewWithUploader(up, cfg.ThumbnailWidth, cfg.ThumbnailHeight), nil
}

func NewWithUploader(up Uploader, width, height int) *Store {
	if width == 0 && height == 0 {
		width, height = 300, 300
	}
	return &Store{width: width, height: height, uploader: up}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ThumbnailS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ThumbnailS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ThumbnailS3Endpoint)
		}
		o.UsePathStyle = cfg.ThumbnailS3PathStyle
	}), nil
}

// Save shrinks the preview to fit the configured box and uploads it as PNG
// under printers/<printer>/jobs/<job>.png.
func (s *Store) Save(ctx context.Context, printerID, printJobID int64, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty thumbnail")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode thumbnail: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > s.width || b.Dy() > s.height {
		img = imaging.Fit(img, s.width, s.height, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	key := sanitizeKey(fmt.Sprintf("printers/%d/jobs/%d.png", printerID, printJobID))
	loc, err := s.uploader.Upload(ctx, key, buf.Bytes(), "image/png")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
