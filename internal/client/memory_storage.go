package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MemoryStorage keeps objects in process memory. It is used when no object
// store is configured and in tests.
type MemoryStorage struct {
	mu      sync.Mutex
	baseURL string
	objects map[string]StoredObject
	keys    []string
	// FailAfter makes every upload after the first FailAfter ones fail; 0 disables.
	FailAfter int
}

// StoredObject is one uploaded object
type StoredObject struct {
	Data        []byte
	ContentType string
}

func NewMemoryStorage(baseURL string) *MemoryStorage {
	return &MemoryStorage{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]StoredObject),
	}
}

func (m *MemoryStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAfter > 0 && len(m.keys) >= m.FailAfter {
		return "", fmt.Errorf("storage quota exceeded")
	}
	m.objects[key] = StoredObject{Data: data, ContentType: contentType}
	m.keys = append(m.keys, key)
	return m.PublicURL(key), nil
}

func (m *MemoryStorage) PublicURL(key string) string {
	return fmt.Sprintf("%s/%s", m.baseURL, key)
}

func (m *MemoryStorage) Close() error {
	return nil
}

// Keys returns uploaded keys in upload order
func (m *MemoryStorage) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

func (m *MemoryStorage) Object(key string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}
