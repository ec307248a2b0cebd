package persistence

import (
	"bytes"
	"context"
	"sync"
)

// Memory 行程內的持久化後端
//
// 保存時深拷貝，呼叫端之後修改快照不影響已保存的內容。
type Memory struct {
	mu       sync.RWMutex
	snapshot map[string][]byte
}

// NewMemory 建立記憶體後端
func NewMemory() *Memory {
	return &Memory{snapshot: make(map[string][]byte)}
}

// Save 覆寫快照
func (m *Memory) Save(_ context.Context, snapshot map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = cloneSnapshot(snapshot)
	return nil
}

// Load 返回快照副本
func (m *Memory) Load(_ context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSnapshot(m.snapshot), nil
}

// Close 無需釋放資源
func (m *Memory) Close() error { return nil }

func cloneSnapshot(src map[string][]byte) map[string][]byte {
	dst := make(map[string][]byte, len(src))
	for k, v := range src {
		dst[k] = bytes.Clone(v)
	}
	return dst
}
