package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	now     func() time.Time
	objects map[string]Object
}

func newMemoryStore(prefix string, now func() time.Time) *memoryStore {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{
		prefix:  cleanPrefix(prefix),
		now:     now,
		objects: make(map[string]Object),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, contentType string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[join(m.prefix, key)] = Object{
		Key:          key,
		Data:         bytes.Clone(payload),
		ContentType:  strings.TrimSpace(contentType),
		LastModified: m.now().UTC(),
	}
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[join(m.prefix, key)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj.Data = bytes.Clone(obj.Data)
	return obj, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	want := join(m.prefix, strings.TrimPrefix(prefix, "/"))
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for full := range m.objects {
		if strings.HasPrefix(full, want) {
			out = append(out, strip(m.prefix, full))
		}
	}
	sort.Strings(out)
	return out, nil
}
