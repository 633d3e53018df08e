package client

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
)

// MockEngine produces solid-color PNGs. It stands in for the real engine
// when no engine endpoint is configured and in tests.
type MockEngine struct {
	loaded atomic.Bool
	calls  atomic.Int64
	// Extra changes how many images are returned relative to the request.
	Extra int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (m *MockEngine) Generate(ctx context.Context, req *EngineRequest) ([]EngineImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)
	m.loaded.Store(true)

	n := req.NumImages + m.Extra
	if n < 0 {
		n = 0
	}

	w, h := req.Width, req.Height
	if w <= 0 || h <= 0 {
		w, h = 8, 8
	}

	images := make([]EngineImage, 0, n)
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		fill := color.RGBA{R: uint8(40 * i), G: 128, B: 200, A: 255}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Set(x, y, fill)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		images = append(images, EngineImage{Data: buf.Bytes(), Format: "png"})
	}
	return images, nil
}

func (m *MockEngine) Warmup(ctx context.Context) error {
	m.loaded.Store(true)
	return nil
}

func (m *MockEngine) Loaded() bool {
	return m.loaded.Load()
}

func (m *MockEngine) Close() error {
	m.loaded.Store(false)
	return nil
}

// Calls returns how many Generate calls have been made
func (m *MockEngine) Calls() int64 {
	return m.calls.Load()
}
