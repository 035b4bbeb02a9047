package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrObjectNotFound is returned by MemoryStorage for unknown keys
var ErrObjectNotFound = errors.New("object not found")

// MemoryObject is a blob held by MemoryStorage
type MemoryObject struct {
	Data        []byte
	ContentType string
}

// MemoryStorage implements StorageClient in process memory. It is used when
// R2 is not configured and in tests.
type MemoryStorage struct {
	mu        sync.RWMutex
	objects   map[string]MemoryObject
	baseURL   string
	uploadErr error
}

// NewMemoryStorage creates an empty store serving URLs under baseURL
func NewMemoryStorage(baseURL string) *MemoryStorage {
	if baseURL == "" {
		baseURL = "memory://blobs"
	}
	return &MemoryStorage{
		objects: make(map[string]MemoryObject),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Upload reads body fully and stores it under key
func (m *MemoryStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	failErr := m.uploadErr
	m.mu.RUnlock()
	if failErr != nil {
		return "", failErr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload body: %w", err)
	}

	m.mu.Lock()
	m.objects[key] = MemoryObject{Data: data, ContentType: contentType}
	m.mu.Unlock()

	return m.GetPublicURL(key), nil
}

// Delete removes key. Unknown keys are not an error.
func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// GetSignedURL returns the public URL with an expiry query parameter
func (m *MemoryStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrObjectNotFound
	}

	q := url.Values{}
	q.Set("expires", time.Now().Add(expiry).UTC().Format(time.RFC3339))
	return m.GetPublicURL(key) + "?" + q.Encode(), nil
}

// GetPublicURL returns the URL a stored key is served under
func (m *MemoryStorage) GetPublicURL(key string) string {
	return publicURL(m.baseURL, m.baseURL, key)
}

// Get returns a stored object
func (m *MemoryStorage) Get(key string) (MemoryObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys lists stored keys with the given prefix
func (m *MemoryStorage) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// FailUploads makes every following Upload return err. nil restores uploads.
func (m *MemoryStorage) FailUploads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErr = err
}
