package locator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/liyuwei007036/yunjin-sd-api/internal/client"
	"github.com/liyuwei007036/yunjin-sd-api/internal/service"
)

type (
	EngineFactory   func(ctx context.Context) (client.ImageEngine, error)
	StorageFactory  func(ctx context.Context) (client.StorageClient, error)
	CallbackFactory func() *service.CallbackService
)

// Locator owns the process-wide heavy resources: the image engine, the
// object storage client and the callback dispatcher. Each one is built on
// first use and released by Shutdown.
type Locator struct {
	newEngine    EngineFactory
	newStorage   StorageFactory
	newCallbacks CallbackFactory

	engine    lazy[client.ImageEngine]
	storage   lazy[client.StorageClient]
	callbacks lazy[*service.CallbackService]
}

func New(engine EngineFactory, storage StorageFactory, callbacks CallbackFactory) *Locator {
	return &Locator{
		newEngine:    engine,
		newStorage:   storage,
		newCallbacks: callbacks,
	}
}

// Engine returns the shared engine, creating it on first use.
// A factory error is returned and not cached.
func (l *Locator) Engine(ctx context.Context) (client.ImageEngine, error) {
	engine, err := l.engine.get(func() (client.ImageEngine, error) {
		log.Println("Initializing image engine")
		return l.newEngine(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image engine: %w", err)
	}
	return engine, nil
}

func (l *Locator) Storage(ctx context.Context) (client.StorageClient, error) {
	storage, err := l.storage.get(func() (client.StorageClient, error) {
		log.Println("Initializing object storage client")
		return l.newStorage(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage: %w", err)
	}
	return storage, nil
}

func (l *Locator) Callbacks() *service.CallbackService {
	callbacks, _ := l.callbacks.get(func() (*service.CallbackService, error) {
		return l.newCallbacks(), nil
	})
	return callbacks
}

// Warmup builds the engine and loads its model ahead of the first request
func (l *Locator) Warmup(ctx context.Context) error {
	engine, err := l.Engine(ctx)
	if err != nil {
		return err
	}
	if err := engine.Warmup(ctx); err != nil {
		return fmt.Errorf("failed to warm up image engine: %w", err)
	}
	log.Println("Image engine warmed up")
	return nil
}

// ModelLoaded reports whether an engine exists and has its model loaded.
// It never creates the engine.
func (l *Locator) ModelLoaded() bool {
	engine, ok := l.engine.peek()
	return ok && engine.Loaded()
}

// Shutdown releases the engine first, then the storage client, then the
// callback dispatcher, and finally forces a garbage collection. Calling it
// again, or before anything was created, does nothing.
func (l *Locator) Shutdown(ctx context.Context) error {
	var errs []error
	released := false

	if engine, ok := l.engine.take(); ok {
		released = true
		if err := engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close image engine: %w", err))
		} else {
			log.Println("Image engine released")
		}
	}

	if storage, ok := l.storage.take(); ok {
		released = true
		if err := storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close object storage: %w", err))
		} else {
			log.Println("Object storage client released")
		}
	}

	if callbacks, ok := l.callbacks.take(); ok {
		released = true
		if err := callbacks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close callback dispatcher: %w", err))
		} else {
			log.Println("Callback dispatcher released")
		}
	}

	if released {
		runtime.GC()
		debug.FreeOSMemory()
		log.Println("All services released")
	}

	return errors.Join(errs...)
}

// lazy is a double-checked, mutex-serialized singleton slot
type lazy[T any] struct {
	mu sync.Mutex
	v  atomic.Pointer[T]
}

func (l *lazy[T]) get(create func() (T, error)) (T, error) {
	if p := l.v.Load(); p != nil {
		return *p, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p := l.v.Load(); p != nil {
		return *p, nil
	}

	inst, err := create()
	if err != nil {
		var zero T
		return zero, err
	}
	l.v.Store(&inst)
	return inst, nil
}

func (l *lazy[T]) peek() (T, bool) {
	if p := l.v.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

func (l *lazy[T]) take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p := l.v.Swap(nil); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}
