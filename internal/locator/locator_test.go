package locator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liyuwei007036/yunjin-sd-api/internal/client"
	"github.com/liyuwei007036/yunjin-sd-api/internal/config"
	"github.com/liyuwei007036/yunjin-sd-api/internal/service"
)

type orderedEngine struct {
	*client.MockEngine
	order *[]string
}

func (e orderedEngine) Close() error {
	*e.order = append(*e.order, "engine")
	return e.MockEngine.Close()
}

type orderedStorage struct {
	*client.MemoryStorage
	order *[]string
}

func (s orderedStorage) Close() error {
	*s.order = append(*s.order, "storage")
	return nil
}

func newTestLocator(engineCalls, storageCalls *atomic.Int32, order *[]string) *Locator {
	return New(
		func(ctx context.Context) (client.ImageEngine, error) {
			engineCalls.Add(1)
			time.Sleep(5 * time.Millisecond)
			return orderedEngine{MockEngine: client.NewMockEngine(), order: order}, nil
		},
		func(ctx context.Context) (client.StorageClient, error) {
			storageCalls.Add(1)
			return orderedStorage{MemoryStorage: client.NewMemoryStorage(""), order: order}, nil
		},
		func() *service.CallbackService {
			return service.NewCallbackService(&config.CallbackConfig{RetryTimes: 1})
		},
	)
}

func TestLocator_ConcurrentFirstUseBuildsOnce(t *testing.T) {
	var engineCalls, storageCalls atomic.Int32
	var order []string
	l := newTestLocator(&engineCalls, &storageCalls, &order)

	const n = 16
	engines := make([]client.ImageEngine, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := l.Engine(context.Background())
			if err != nil {
				t.Errorf("engine: %v", err)
				return
			}
			engines[i] = e
			if _, err := l.Storage(context.Background()); err != nil {
				t.Errorf("storage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if engineCalls.Load() != 1 || storageCalls.Load() != 1 {
		t.Fatalf("expected one construction each, got engine=%d storage=%d", engineCalls.Load(), storageCalls.Load())
	}
	for i := 1; i < n; i++ {
		if engines[i] != engines[0] {
			t.Fatalf("caller %d observed a different engine instance", i)
		}
	}
	if l.Callbacks() != l.Callbacks() {
		t.Error("expected the same callback dispatcher")
	}
}

func TestLocator_FactoryErrorIsNotCached(t *testing.T) {
	attempts := 0
	l := New(
		func(ctx context.Context) (client.ImageEngine, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("cuda unavailable")
			}
			return client.NewMockEngine(), nil
		},
		nil, nil,
	)

	if _, err := l.Engine(context.Background()); err == nil {
		t.Fatal("expected first call to fail")
	}
	if _, err := l.Engine(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 factory calls, got %d", attempts)
	}
}

func TestLocator_ShutdownOrderAndIdempotence(t *testing.T) {
	var engineCalls, storageCalls atomic.Int32
	var order []string
	l := newTestLocator(&engineCalls, &storageCalls, &order)
	ctx := context.Background()

	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown with no instances: %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("expected nothing released, got %v", order)
	}

	// Create in reverse of the release order.
	l.Callbacks()
	if _, err := l.Storage(ctx); err != nil {
		t.Fatalf("storage: %v", err)
	}
	if err := l.Warmup(ctx); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if !l.ModelLoaded() {
		t.Fatal("expected model loaded after warmup")
	}

	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != "engine" || order[1] != "storage" {
		t.Errorf("expected engine then storage, got %v", order)
	}
	if l.ModelLoaded() {
		t.Error("expected model unloaded after shutdown")
	}

	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if len(order) != 2 {
		t.Errorf("second shutdown released again: %v", order)
	}
}

func TestLocator_ModelLoadedDoesNotCreate(t *testing.T) {
	var engineCalls, storageCalls atomic.Int32
	var order []string
	l := newTestLocator(&engineCalls, &storageCalls, &order)

	if l.ModelLoaded() {
		t.Error("expected no model before first use")
	}
	if engineCalls.Load() != 0 {
		t.Error("ModelLoaded must not construct the engine")
	}
}
