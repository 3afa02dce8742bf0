package storage

import (
	"context"
	"sync"
)

// MemoryBackend 进程内内容寻址存储，用于开发和测试
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend 创建内存存储
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

// Add 计算内容标识并保存副本
func (b *MemoryBackend) Add(ctx context.Context, _ string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := ComputeCID(data)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	key := id.String()
	if _, ok := b.blobs[key]; !ok {
		b.blobs[key] = append([]byte(nil), data...)
	}
	return key, nil
}

// Get 按内容标识读取
func (b *MemoryBackend) Get(id string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len 已保存的对象数
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
