package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dentiq/payrecon/internal/config"
	"github.com/dentiq/payrecon/internal/httputil"
)

// NewDLQStore returns the dead letter store selected by cfg, or nil when the
// DLQ is disabled.
func NewDLQStore(cfg config.CallbacksConfig) (DLQStore, error) {
	if !cfg.DLQEnabled {
		return nil, nil
	}
	if cfg.DLQPath == "" {
		return NewMemoryDLQStore(), nil
	}
	return NewFileDLQStore(cfg.DLQPath)
}

// NoopDLQStore discards all failed webhooks.
type NoopDLQStore struct{}

func (NoopDLQStore) SaveFailedWebhook(context.Context, FailedWebhook) error { return nil }
func (NoopDLQStore) ListFailedWebhooks(context.Context, int) ([]FailedWebhook, error) {
	return []FailedWebhook{}, nil
}
func (NoopDLQStore) DeleteFailedWebhook(context.Context, string) error { return nil }

// MemoryDLQStore keeps failed webhooks in memory.
type MemoryDLQStore struct {
	mu       sync.RWMutex
	webhooks map[string]FailedWebhook
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{webhooks: make(map[string]FailedWebhook)}
}

func (m *MemoryDLQStore) SaveFailedWebhook(_ context.Context, webhook FailedWebhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[webhook.ID] = webhook
	return nil
}

// ListFailedWebhooks returns the oldest entries first.
func (m *MemoryDLQStore) ListFailedWebhooks(_ context.Context, limit int) ([]FailedWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return oldestFirst(m.webhooks, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
	return nil
}

// FileDLQStore keeps failed webhooks in a JSON file.
type FileDLQStore struct {
	mu       sync.RWMutex
	filePath string
	webhooks map[string]FailedWebhook
}

// NewFileDLQStore opens (or creates) a file-based DLQ store.
func NewFileDLQStore(filePath string) (*FileDLQStore, error) {
	store := &FileDLQStore{
		filePath: filePath,
		webhooks: make(map[string]FailedWebhook),
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create DLQ directory: %w", err)
		}
	}
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load DLQ file: %w", err)
	}
	return store, nil
}

func (f *FileDLQStore) SaveFailedWebhook(_ context.Context, webhook FailedWebhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[webhook.ID] = webhook
	return f.persist()
}

// ListFailedWebhooks returns the oldest entries first.
func (f *FileDLQStore) ListFailedWebhooks(_ context.Context, limit int) ([]FailedWebhook, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return oldestFirst(f.webhooks, limit), nil
}

func (f *FileDLQStore) DeleteFailedWebhook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.webhooks, id)
	return f.persist()
}

func (f *FileDLQStore) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}
	var webhooks map[string]FailedWebhook
	if err := json.Unmarshal(data, &webhooks); err != nil {
		return fmt.Errorf("unmarshal DLQ data: %w", err)
	}
	if webhooks != nil {
		f.webhooks = webhooks
	}
	return nil
}

func (f *FileDLQStore) persist() error {
	data, err := json.MarshalIndent(f.webhooks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal DLQ data: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial file.
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename DLQ file: %w", err)
	}
	return nil
}

// Close is a no-op; every write is persisted immediately.
func (f *FileDLQStore) Close() error {
	return nil
}

func oldestFirst(webhooks map[string]FailedWebhook, limit int) []FailedWebhook {
	result := make([]FailedWebhook, 0, len(webhooks))
	for _, w := range webhooks {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Redeliver posts a dead-lettered payload once to its original URL.
func Redeliver(ctx context.Context, webhook FailedWebhook, timeout time.Duration) error {
	if webhook.URL == "" {
		return ErrCallbackDisabled
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := config.CallbacksConfig{StatusURL: webhook.URL, Headers: webhook.Headers}
	return post(ctx, httputil.NewClient(timeout, userAgent), cfg, webhook.Payload)
}

// FindFailedWebhook looks up a single DLQ entry.
func FindFailedWebhook(ctx context.Context, store DLQStore, id string) (FailedWebhook, bool, error) {
	all, err := store.ListFailedWebhooks(ctx, 0)
	if err != nil {
		return FailedWebhook{}, false, err
	}
	for _, w := range all {
		if w.ID == id {
			return w, true, nil
		}
	}
	return FailedWebhook{}, false, nil
}
