package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory keeps objects in process. Used for local development and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	baseURL string
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "memory://"
	}
	return &Memory{objects: make(map[string]memoryObject), baseURL: baseURL}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) UploadBuffer(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return m.baseURL + key, nil
}

func (m *Memory) UploadFromURL(ctx context.Context, key, sourceURL string) (string, error) {
	return uploadFromURL(ctx, m, key, sourceURL)
}

func (m *Memory) GetDownloadURL(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("object %q not found", key)
	}
	return m.baseURL + key, nil
}

func (m *Memory) DeleteFile(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) FileExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Object returns a copy of the stored bytes and content type.
func (m *Memory) Object(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
