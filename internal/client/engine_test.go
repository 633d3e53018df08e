package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type slowEngine struct {
	MockEngine
	active, peak atomic.Int32
}

func (e *slowEngine) Generate(ctx context.Context, req *EngineRequest) ([]EngineImage, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return e.MockEngine.Generate(ctx, req)
}

func TestGatedEngine_Serializes(t *testing.T) {
	inner := &slowEngine{}
	gated := NewGatedEngine(inner, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gated.Generate(context.Background(), &EngineRequest{NumImages: 1}); err != nil {
				t.Errorf("generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if p := inner.peak.Load(); p != 1 {
		t.Errorf("expected at most one concurrent generation, saw %d", p)
	}
	if inner.Calls() != 5 {
		t.Errorf("expected 5 calls, got %d", inner.Calls())
	}
}

func TestGatedEngine_ContextCancelledWhileWaiting(t *testing.T) {
	gated := NewGatedEngine(NewMockEngine(), 1)
	if err := gated.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer gated.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gated.Generate(ctx, &EngineRequest{NumImages: 1}); err == nil {
		t.Error("expected error when the gate is held and the context expires")
	}
}

func TestMockEngine_Extra(t *testing.T) {
	m := &MockEngine{Extra: 2}
	images, err := m.Generate(context.Background(), &EngineRequest{NumImages: 1, Width: 4, Height: 4})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(images) != 3 {
		t.Errorf("expected 3 images, got %d", len(images))
	}
}
