package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and ephemeral setups.
type MemoryStore struct {
	mu        sync.Mutex
	originals map[string][]byte
	thumbs    map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		originals: make(map[string][]byte),
		thumbs:    make(map[string][]byte),
	}
}

func (m *MemoryStore) PutOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.originals[key] = data
	return nil
}

func (m *MemoryStore) PutThumb(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thumbs[key] = data
	return nil
}

func (m *MemoryStore) GetOriginal(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.originals[key]
	if !ok {
		return nil, fmt.Errorf("original %s: not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) StatOriginal(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.originals[key]
	if !ok {
		return 0, fmt.Errorf("original %s: not found", key)
	}
	return int64(len(data)), nil
}

func (m *MemoryStore) PresignOriginal(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "memory://" + key, nil
}

func (m *MemoryStore) DeleteOriginal(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.originals, key)
	return nil
}

func (m *MemoryStore) DeleteThumb(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.thumbs, key)
	return nil
}

func (m *MemoryStore) DeleteLibraryPrefix(ctx context.Context, libraryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := libraryID + "/"
	for key := range m.originals {
		if strings.HasPrefix(key, prefix) {
			delete(m.originals, key)
		}
	}
	for key := range m.thumbs {
		if strings.HasPrefix(key, prefix) {
			delete(m.thumbs, key)
		}
	}
	return nil
}

// OriginalCount reports how many originals are stored. Test helper.
func (m *MemoryStore) OriginalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.originals)
}

// ThumbCount reports how many thumbnails are stored. Test helper.
func (m *MemoryStore) ThumbCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.thumbs)
}

// HasOriginal reports whether an original exists. Test helper.
func (m *MemoryStore) HasOriginal(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.originals[key]
	return ok
}
