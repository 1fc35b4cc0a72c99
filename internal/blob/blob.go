// Package blob stores transfer receipts and returns a retrievable URL.
package blob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ReceiptKey places a receipt under its store, named by upload time.
func ReceiptKey(storeID string, at time.Time, contentType string) string {
	return fmt.Sprintf("receipts/%s/%s%s", storeID, at.UTC().Format("20060102T150405.000000000Z"), extensionFor(contentType))
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}

type object struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process. Used by the dev server and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]object
	failure error
}

func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory://receipts"
	}
	return &MemoryStore{baseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]object)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return "", m.failure
	}
	m.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType}
	return m.baseURL + "/" + key, nil
}

// Fail makes every following Put return err until reset with nil.
func (m *MemoryStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *MemoryStore) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
