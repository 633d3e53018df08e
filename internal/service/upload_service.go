package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/google/uuid"

	"github.com/liyuwei007036/yunjin-sd-api/internal/client"
	"github.com/liyuwei007036/yunjin-sd-api/internal/model"
)

const jpegQuality = 95

// StorageProvider hands out the shared object storage client
type StorageProvider interface {
	Storage(ctx context.Context) (client.StorageClient, error)
}

// UploadService encodes generated images and stores them in object storage
type UploadService struct {
	storage StorageProvider
	newKey  func(ext string) string
}

func NewUploadService(storage StorageProvider) *UploadService {
	return &UploadService{
		storage: storage,
		newKey:  imageKey,
	}
}

// UploadImages uploads images one at a time in input order and returns
// their URLs in the same order. The first failure aborts the batch.
func (s *UploadService) UploadImages(ctx context.Context, images []client.EngineImage, format model.OutputFormat) ([]string, error) {
	store, err := s.storage.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("object storage unavailable: %w", err)
	}

	urls := make([]string, 0, len(images))
	for i, img := range images {
		data, err := encodeImage(img, format)
		if err != nil {
			return nil, fmt.Errorf("failed to encode image %d: %w", i+1, err)
		}

		key := s.newKey(format.Extension())
		url, err := store.Upload(ctx, key, bytes.NewReader(data), format.ContentType())
		if err != nil {
			return nil, fmt.Errorf("failed to upload image %d: %w", i+1, err)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// imageKey names an object images/<uuid hex>.<ext>
func imageKey(ext string) string {
	return fmt.Sprintf("images/%s.%s", strings.ReplaceAll(uuid.New().String(), "-", ""), ext)
}

// encodeImage returns the bytes to store for img in the requested format.
// Images already in that format are passed through untouched.
func encodeImage(img client.EngineImage, format model.OutputFormat) ([]byte, error) {
	source := model.OutputFormat(strings.ToLower(img.Format))
	if source == "" {
		source = model.OutputFormatPNG
	}
	if source.Extension() == format.Extension() {
		return img.Data, nil
	}

	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if format.Extension() == "jpg" {
		// JPEG has no alpha channel
		rgb := image.NewRGBA(decoded.Bounds())
		draw.Draw(rgb, rgb.Bounds(), image.White, image.Point{}, draw.Src)
		draw.Draw(rgb, rgb.Bounds(), decoded, decoded.Bounds().Min, draw.Over)
		err = jpeg.Encode(&buf, rgb, &jpeg.Options{Quality: jpegQuality})
	} else {
		err = png.Encode(&buf, decoded)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
