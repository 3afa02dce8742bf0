package cache

import (
	"context"
	"math/big"
	"sync"
	"time"

	"nftmarket/pkg/models"
)

type memoryItem struct {
	listing   models.Listing
	expiresAt time.Time
}

// MemoryStore 进程内挂单缓存
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore 创建内存缓存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Get(ctx context.Context, key string) (*models.Listing, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if !item.expiresAt.IsZero() && m.now().After(item.expiresAt) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, ErrCacheMiss
	}
	return copyListing(item.listing), nil
}

func (m *MemoryStore) Set(ctx context.Context, listing *models.Listing, ttl time.Duration) error {
	item := memoryItem{listing: *copyListing(*listing)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[listing.Key()] = item
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// 深拷贝，避免调用方修改缓存中的 big.Int
func copyListing(l models.Listing) *models.Listing {
	out := l
	if l.TokenID != nil {
		out.TokenID = new(big.Int).Set(l.TokenID)
	}
	if l.Price != nil {
		out.Price = new(big.Int).Set(l.Price)
	}
	return &out
}
